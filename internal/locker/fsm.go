package locker

import (
	"context"

	"github.com/looplab/fsm"

	"locker-coordinator/internal/model"
)

const (
	EventReserve = "reserve"
	EventConfirm = "confirm"
	EventRelease = "release"
	EventExpire  = "expire"
	EventBlock   = "block"
	EventUnblock = "unblock"
)

var (
	free     = string(model.LockerFree)
	reserved = string(model.LockerReserved)
	owned    = string(model.LockerOwned)
	blocked  = string(model.LockerBlocked)
)

var lifecycle = fsm.Events{
	{Name: EventReserve, Src: []string{free}, Dst: reserved},
	{Name: EventConfirm, Src: []string{reserved}, Dst: owned},
	{Name: EventRelease, Src: []string{reserved, owned}, Dst: free},
	{Name: EventExpire, Src: []string{reserved}, Dst: free},
	{Name: EventBlock, Src: []string{free, reserved, owned}, Dst: blocked},
	{Name: EventUnblock, Src: []string{blocked}, Dst: free},
}

// next returns the status reached by firing event from the given status.
func next(ctx context.Context, l model.Locker, event string) (model.LockerStatus, error) {
	machine := fsm.NewFSM(string(l.Status), lifecycle, fsm.Callbacks{})
	if err := machine.Event(ctx, event); err != nil {
		return "", &TransitionError{KioskID: l.KioskID, LockerID: l.LockerID, From: l.Status, Event: event}
	}
	return model.LockerStatus(machine.Current()), nil
}

// Can reports whether event is allowed from status.
func Can(status model.LockerStatus, event string) bool {
	return fsm.NewFSM(string(status), lifecycle, fsm.Callbacks{}).Can(event)
}
