package lockdb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDisconnectedIsHarmless(t *testing.T) {
	var db *Connection
	assert.False(t, db.IsConnected())
	assert.Error(t, db.Err())
	db.RecordRun(&RunMessage{ID: NewID()})
	db.RecordSetpoint(&SetpointMessage{ID: NewID()})

	db = &Connection{}
	assert.False(t, db.IsConnected())
	db.RecordRun(nil)
	db.disconnect()
}

func TestNewID(t *testing.T) {
	a := NewID()
	time.Sleep(2 * time.Millisecond)
	b := NewID()
	assert.Len(t, a, 26)
	assert.NotEqual(t, a, b)
	assert.Less(t, a, b, "IDs should sort in creation order")
}

func TestDeliver(t *testing.T) {
	ch := make(chan *RunMessage)
	done := make(chan struct{})
	msg := &RunMessage{ID: NewID()}
	go func() {
		assert.Same(t, msg, <-ch)
	}()
	assert.True(t, deliver(ch, msg, done))

	// Once the receiver has stopped, a send gives up instead of blocking forever.
	close(done)
	result := make(chan bool)
	go func() { result <- deliver(ch, &RunMessage{ID: NewID()}, done) }()
	select {
	case sent := <-result:
		assert.False(t, sent)
	case <-time.After(time.Second):
		t.Fatal("deliver blocked after done was closed")
	}
}
