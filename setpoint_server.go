package tclock

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"net"
	"sync"
	"time"

	"github.com/usnistgov/tclock/internal/lockdb"
)

// SetpointFrameSize is the length of one remote setpoint frame: a big-endian uint16
// laser index followed by a big-endian IEEE-754 float64 frequency in MHz.
const SetpointFrameSize = 10

// EncodeSetpointFrame builds the frame that sets laser index to freqMHz.
func EncodeSetpointFrame(index uint16, freqMHz float64) [SetpointFrameSize]byte {
	var b [SetpointFrameSize]byte
	binary.BigEndian.PutUint16(b[0:2], index)
	binary.BigEndian.PutUint64(b[2:10], math.Float64bits(freqMHz))
	return b
}

// DecodeSetpointFrame splits a frame into its laser index and frequency.
// b must hold at least SetpointFrameSize bytes.
func DecodeSetpointFrame(b []byte) (uint16, float64) {
	return binary.BigEndian.Uint16(b[0:2]), math.Float64frombits(binary.BigEndian.Uint64(b[2:10]))
}

// ExternalSetpoint is the EXTERNALFREQ status update sent for each accepted frame.
type ExternalSetpoint struct {
	Laser        int
	Label        string
	FrequencyMHz float64
}

func externalSetpointUpdate(index int, label string, freqMHz float64) ClientUpdate {
	return ClientUpdate{tag: "EXTERNALFREQ", state: ExternalSetpoint{Laser: index, Label: label, FrequencyMHz: freqMHz}}
}

// SetpointServer accepts persistent TCP connections carrying setpoint frames. Each
// valid frame is stored in the setpoint table and echoed back; invalid frames are
// logged and dropped without reply.
type SetpointServer struct {
	table    *SetpointTable
	labels   func(int) string
	db       *lockdb.Connection
	listener net.Listener
	conns    sync.WaitGroup
}

// NewSetpointServer makes a server that writes into table. labels, if not nil, names
// each laser in database records; db may be nil.
func NewSetpointServer(table *SetpointTable, labels func(int) string, db *lockdb.Connection) *SetpointServer {
	return &SetpointServer{table: table, labels: labels, db: db}
}

// Listen binds the server to addr, such as ":5603".
func (s *SetpointServer) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("setpoint listener: %w", err)
	}
	s.listener = ln
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *SetpointServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections until ctx is done, then closes every connection and
// returns once their handlers have finished.
func (s *SetpointServer) Serve(ctx context.Context) error {
	if s.listener == nil {
		return errors.New("setpoint server is not listening")
	}
	stop := context.AfterFunc(ctx, func() { s.listener.Close() })
	defer stop()
	defer s.conns.Wait()
	defer s.listener.Close()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(100 * time.Millisecond)
				continue
			}
			return fmt.Errorf("setpoint accept: %w", err)
		}
		s.conns.Add(1)
		go s.handleConnection(ctx, conn)
	}
}

func (s *SetpointServer) handleConnection(ctx context.Context, conn net.Conn) {
	defer s.conns.Done()
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	remote := conn.RemoteAddr().String()
	log.Printf("setpoint client %s connected\n", remote)
	r := bufio.NewReader(conn)
	var frame [SetpointFrameSize]byte
	for {
		if _, err := io.ReadFull(r, frame[:]); err != nil {
			switch {
			case ctx.Err() != nil:
			case errors.Is(err, io.EOF):
				log.Printf("setpoint client %s closed the connection\n", remote)
			case errors.Is(err, io.ErrUnexpectedEOF):
				ProblemLogger.Printf("setpoint client %s closed the connection mid-frame", remote)
			default:
				ProblemLogger.Printf("setpoint client %s read error: %v", remote, err)
			}
			return
		}
		index, freq := DecodeSetpointFrame(frame[:])
		if err := s.apply(int(index), freq, remote); err != nil {
			ProblemLogger.Printf("dropped setpoint frame % x from %s: %v", frame, remote, err)
			continue
		}
		if _, err := conn.Write(frame[:]); err != nil {
			ProblemLogger.Printf("could not acknowledge setpoint to %s: %v", remote, err)
			return
		}
	}
}

// apply validates one setpoint and stores it.
func (s *SetpointServer) apply(index int, freqMHz float64, remote string) error {
	if math.IsNaN(freqMHz) || math.IsInf(freqMHz, 0) {
		return fmt.Errorf("frequency %g MHz is not finite", freqMHz)
	}
	if err := s.table.Store(index, freqMHz); err != nil {
		return err
	}
	label := ""
	if s.labels != nil {
		label = s.labels(index)
	}
	u := externalSetpointUpdate(index, label, freqMHz)
	publishUpdate(u.tag, u.state)
	s.db.RecordSetpoint(&lockdb.SetpointMessage{
		ID:           lockdb.NewID(),
		Laser:        index,
		Label:        label,
		FrequencyMHz: freqMHz,
		Remote:       remote,
		Time:         time.Now(),
	})
	return nil
}
