package hardware

// Address maps a 1-based locker id to its relay board (the Modbus slave id)
// and 1-based channel on that board.
func Address(lockerID, channelsPerBoard int) (board, channel int) {
	board = (lockerID + channelsPerBoard - 1) / channelsPerBoard
	channel = ((lockerID - 1) % channelsPerBoard) + 1
	return board, channel
}

// coil returns the zero-based coil address of a channel.
func coil(channel int) uint16 {
	return uint16(channel - 1)
}
