package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"locker-coordinator/internal/log"
	"locker-coordinator/internal/model"
)

type doneToken struct {
	err error
}

func (t *doneToken) Wait() bool                     { return true }
func (t *doneToken) WaitTimeout(time.Duration) bool { return true }
func (t *doneToken) Error() error                   { return t.err }
func (t *doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type fakeMQTT struct {
	topic   string
	qos     byte
	payload []byte
	err     error
}

func (f *fakeMQTT) Publish(topic string, qos byte, _ bool, payload interface{}) mqtt.Token {
	f.topic = topic
	f.qos = qos
	f.payload = payload.([]byte)
	return &doneToken{err: f.err}
}

func TestMQTTPublisher_Publish(t *testing.T) {
	client := &fakeMQTT{}
	p := newMQTTPublisher(client, "lockers", 1, log.NewNop())

	ev := model.AuditEvent{ID: 7, Kind: model.AuditHardwareFailure, KioskID: "room-a", LockerID: 4}
	require.NoError(t, p.Publish(context.Background(), ev))

	assert.Equal(t, "lockers/room-a/events/hardware_failure", client.topic)
	assert.Equal(t, byte(1), client.qos)

	var decoded model.AuditEvent
	require.NoError(t, json.Unmarshal(client.payload, &decoded))
	assert.Equal(t, 4, decoded.LockerID)
}

func TestMQTTPublisher_PropagatesTokenError(t *testing.T) {
	client := &fakeMQTT{err: errors.New("not connected")}
	p := newMQTTPublisher(client, "lockers", 5, log.NewNop())

	err := p.Publish(context.Background(), model.AuditEvent{Kind: model.AuditKioskOffline})
	assert.EqualError(t, err, "not connected")
	assert.Equal(t, "lockers/_/events/kiosk_offline", client.topic)
	assert.Equal(t, byte(1), client.qos, "invalid qos falls back to 1")
}
