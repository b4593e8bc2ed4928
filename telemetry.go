package tclock

import (
	"encoding/json"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	zmq "github.com/pebbe/zmq4"
)

// ChannelTelemetry is one channel's part of a telemetry snapshot.
type ChannelTelemetry struct {
	Name        string
	Trace       []float64 // the analyzed part of the trace, after the ignore window
	PeakTimesMs []float64 // accepted peaks, ms from the start of the acquisition
	Error       float64   // MHz; 0 when the peak was not found
	Output      float64   // V
	Found       bool
	Locked      bool
	RMS         float64 // MHz
}

// Snapshot is published every DisplayEvery cycles. Channels[0] is the cavity.
type Snapshot struct {
	RunID             string
	Cycle             int
	Time              time.Time
	CavityFirstPeakMs float64
	CavityPeakSepMs   float64
	Underruns         int
	NaNHolds          int
	Channels          []ChannelTelemetry
}

// TelemetrySink consumes snapshots. Publish must not block the control loop; Dropped
// counts the snapshots it discarded instead.
type TelemetrySink interface {
	Publish(*Snapshot)
	Dropped() int64
}

// finite replaces NaN and infinities, which JSON cannot carry, with 0.
func finite(x float64) float64 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return 0
	}
	return x
}

// TelemetryPublisher publishes snapshots as JSON on a ZMQ PUB socket under the
// TELEMETRY topic. Snapshots arriving while the socket is busy are dropped.
type TelemetryPublisher struct {
	snapshots chan *Snapshot
	dropped   atomic.Int64
}

// NewTelemetryPublisher makes a publisher that buffers at most depth snapshots.
func NewTelemetryPublisher(depth int) *TelemetryPublisher {
	if depth < 1 {
		depth = 1
	}
	return &TelemetryPublisher{snapshots: make(chan *Snapshot, depth)}
}

// Publish hands a snapshot to the publisher without blocking.
func (p *TelemetryPublisher) Publish(s *Snapshot) {
	select {
	case p.snapshots <- s:
	default:
		p.dropped.Add(1)
	}
}

// Dropped returns how many snapshots were discarded because the publisher was behind.
func (p *TelemetryPublisher) Dropped() int64 {
	return p.dropped.Load()
}

// Run publishes snapshots on the given port until abort is closed.
func (p *TelemetryPublisher) Run(port int, abort <-chan struct{}) error {
	pubSocket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return err
	}
	defer pubSocket.Close()
	hostname := fmt.Sprintf("tcp://*:%d", port)
	if err := pubSocket.Bind(hostname); err != nil {
		return fmt.Errorf("could not bind telemetry publisher to %s: %w", hostname, err)
	}

	for {
		select {
		case <-abort:
			return nil
		case s := <-p.snapshots:
			message, err := json.Marshal(s)
			if err != nil {
				ProblemLogger.Printf("could not marshal telemetry snapshot %d: %v", s.Cycle, err)
				continue
			}
			if _, err := pubSocket.SendMessage("TELEMETRY", message); err != nil {
				ProblemLogger.Printf("could not publish telemetry snapshot %d: %v", s.Cycle, err)
			}
		}
	}
}
