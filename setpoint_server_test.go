package tclock

import (
	"context"
	"io"
	"math"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetpointFrame(t *testing.T) {
	b := EncodeSetpointFrame(2, 194.3)
	assert.Equal(t, byte(0), b[0])
	assert.Equal(t, byte(2), b[1])
	assert.Equal(t, math.Float64bits(194.3)>>56, uint64(b[2]))
	idx, f := DecodeSetpointFrame(b[:])
	assert.Equal(t, uint16(2), idx)
	assert.Equal(t, 194.3, f)

	b = EncodeSetpointFrame(65535, -1e9)
	idx, f = DecodeSetpointFrame(b[:])
	assert.Equal(t, uint16(65535), idx)
	assert.Equal(t, -1e9, f)
}

func startSetpointServer(t *testing.T, nlasers int) (*SetpointServer, *SetpointTable) {
	t.Helper()
	table := NewSetpointTable(nlasers)
	s := NewSetpointServer(table, func(i int) string { return []string{"399", "556", "780"}[i%3] }, nil)
	require.NoError(t, s.Listen("127.0.0.1:0"))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("setpoint server did not stop")
		}
	})
	return s, table
}

func dialSetpoint(t *testing.T, s *SetpointServer) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEcho(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	reply := make([]byte, SetpointFrameSize)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := io.ReadFull(conn, reply)
	require.NoError(t, err)
	return reply
}

func TestSetpointRoundTrip(t *testing.T) {
	s, table := startSetpointServer(t, 3)
	conn := dialSetpoint(t, s)

	frame := EncodeSetpointFrame(2, 194.3)
	_, err := conn.Write(frame[:])
	require.NoError(t, err)
	assert.Equal(t, frame[:], readEcho(t, conn))
	f, ok := table.Load(2)
	assert.True(t, ok)
	assert.Equal(t, 194.3, f)
	_, ok = table.Load(0)
	assert.False(t, ok)

	// Frames split across writes and several frames in one write both work.
	a, b := EncodeSetpointFrame(0, 10), EncodeSetpointFrame(1, 20)
	_, err = conn.Write(a[:3])
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	_, err = conn.Write(append(append([]byte{}, a[3:]...), b[:]...))
	require.NoError(t, err)
	assert.Equal(t, a[:], readEcho(t, conn))
	assert.Equal(t, b[:], readEcho(t, conn))
	v, set := table.Values()
	assert.Equal(t, []float64{10, 20, 194.3}, v)
	assert.Equal(t, []bool{true, true, true}, set)
}

func TestSetpointInvalidFramesDropped(t *testing.T) {
	s, table := startSetpointServer(t, 3)
	conn := dialSetpoint(t, s)

	bad := EncodeSetpointFrame(3, 1.0)
	nan := EncodeSetpointFrame(1, math.NaN())
	good := EncodeSetpointFrame(1, 42.5)
	var stream []byte
	stream = append(stream, bad[:]...)
	stream = append(stream, nan[:]...)
	stream = append(stream, good[:]...)
	_, err := conn.Write(stream)
	require.NoError(t, err)

	// Only the valid frame is acknowledged.
	assert.Equal(t, good[:], readEcho(t, conn))
	f, ok := table.Load(1)
	assert.True(t, ok)
	assert.Equal(t, 42.5, f)
	_, ok = table.Load(2)
	assert.False(t, ok)
}

func TestSetpointPeerClose(t *testing.T) {
	s, table := startSetpointServer(t, 1)
	conn := dialSetpoint(t, s)
	require.NoError(t, conn.Close())

	// The server keeps accepting after a client goes away.
	conn2 := dialSetpoint(t, s)
	frame := EncodeSetpointFrame(0, 7)
	_, err := conn2.Write(frame[:])
	require.NoError(t, err)
	assert.Equal(t, frame[:], readEcho(t, conn2))
	f, _ := table.Load(0)
	assert.Equal(t, 7.0, f)
}

func TestSetpointServerStopClosesClients(t *testing.T) {
	table := NewSetpointTable(1)
	s := NewSetpointServer(table, nil, nil)
	assert.Error(t, s.Serve(context.Background()), "Serve before Listen should fail")
	assert.Nil(t, s.Addr())
	require.NoError(t, s.Listen("127.0.0.1:0"))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	conn := dialSetpoint(t, s)
	frame := EncodeSetpointFrame(0, 1)
	_, err := conn.Write(frame[:])
	require.NoError(t, err)
	readEcho(t, conn)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancellation")
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	assert.Error(t, err, "the server should have closed the connection")
}

func TestExternalSetpointUpdates(t *testing.T) {
	one := externalSetpointUpdate(1, "556", 42.5)
	assert.Equal(t, "EXTERNALFREQ", one.tag)
	assert.Equal(t, ExternalSetpoint{Laser: 1, Label: "556", FrequencyMHz: 42.5}, one.state)

	table := NewSetpointTable(2)
	require.NoError(t, table.Store(1, 42.5))
	all := externalSetpointsUpdate(table)
	assert.NotEqual(t, one.tag, all.tag, "each update shape needs its own tag")
	assert.Equal(t, "EXTERNALFREQS", all.tag)
	assert.Equal(t, ExternalSetpoints{FrequencyMHz: []float64{0, 42.5}, Received: []bool{false, true}}, all.state)
}
