package tclock

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/usnistgov/tclock/daq"
	"github.com/usnistgov/tclock/internal/lockdb"
	"github.com/usnistgov/tclock/internal/tracedump"
	"github.com/usnistgov/tclock/peaks"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// LockState is the run state of a Locker.
type LockState int

// Names for the possible values of LockState
const (
	Idle    LockState = iota // no hardware is held and no cycles run
	Running                  // the control loop owns the hardware and cycles
)

func (s LockState) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Running:
		return "Running"
	}
	return fmt.Sprintf("LockState(%d)", int(s))
}

// Locker owns the lock configuration and the feedback memory that carries over
// from one run to the next, and runs the control loop.
type Locker struct {
	lock      LockConfig
	cavity    CavityConfig
	lasers    []LaserConfig
	setpoints *SetpointTable
	cavityFB  FeedbackState
	laserFB   []FeedbackState

	openDevice func(name string) (daq.Device, error)
	telemetry  TelemetrySink
	db         *lockdb.Connection

	stateLock      sync.Mutex // guards all of the above, plus state and cancel
	state          LockState
	cancel         context.CancelFunc
	runDone        sync.WaitGroup
	queuedRequests chan func(*lockRun)

	statsLock sync.Mutex // guards stats and lastData
	stats     RunStats
	lastData  [][]float64

	logLock  sync.Mutex // guards errorLog
	errorLog *ErrorLog
}

// RunStats summarizes the current or most recent run.
type RunStats struct {
	RunID     string
	Start     time.Time
	Cycles    int
	Underruns int
	NaNHolds  int
	LastError string

	TelemetryDropped int64 // snapshots the telemetry publisher has discarded since it started
	ErrorRowsDropped int64 // rows the open error log has discarded

	Cavity FeedbackState
	Lasers []FeedbackState
}

// LockerStatus is the status that the Locker reports to clients.
type LockerStatus struct {
	State   string
	Running bool
	NLasers int
	RunStats
}

// NewLocker creates an idle Locker. The configuration is checked when the lock starts.
func NewLocker(lc LockConfig, cavity CavityConfig, lasers []LaserConfig) *Locker {
	lk := &Locker{
		lock:           lc,
		cavity:         cavity,
		lasers:         append([]LaserConfig(nil), lasers...),
		setpoints:      NewSetpointTable(len(lasers)),
		laserFB:        make([]FeedbackState, len(lasers)),
		openDevice:     daq.Open,
		queuedRequests: make(chan func(*lockRun), 1),
	}
	return lk
}

// SetDeviceOpener replaces daq.Open as the way the Locker gets its device.
func (lk *Locker) SetDeviceOpener(open func(name string) (daq.Device, error)) {
	lk.stateLock.Lock()
	defer lk.stateLock.Unlock()
	lk.openDevice = open
}

// SetTelemetry sets the consumer of telemetry snapshots (nil for none).
func (lk *Locker) SetTelemetry(sink TelemetrySink) {
	lk.stateLock.Lock()
	defer lk.stateLock.Unlock()
	lk.telemetry = sink
}

// SetDatabase sets where finished runs are recorded (nil for nowhere).
func (lk *Locker) SetDatabase(db *lockdb.Connection) {
	lk.stateLock.Lock()
	defer lk.stateLock.Unlock()
	lk.db = db
}

// Setpoints returns the table of external setpoints the loop reads each cycle.
func (lk *Locker) Setpoints() *SetpointTable {
	return lk.setpoints
}

// LaserLabel returns the label of laser i, or "" if there is no such laser.
func (lk *Locker) LaserLabel(i int) string {
	lk.stateLock.Lock()
	defer lk.stateLock.Unlock()
	if i < 0 || i >= len(lk.lasers) {
		return ""
	}
	return lk.lasers[i].Label
}

// State returns whether the lock is Idle or Running.
func (lk *Locker) State() LockState {
	lk.stateLock.Lock()
	defer lk.stateLock.Unlock()
	return lk.state
}

// Config returns copies of the lock, cavity and laser configurations.
func (lk *Locker) Config() (LockConfig, CavityConfig, []LaserConfig) {
	lk.stateLock.Lock()
	defer lk.stateLock.Unlock()
	return lk.lock, lk.cavity, append([]LaserConfig(nil), lk.lasers...)
}

// Feedback returns the feedback memory persisted by the last run.
func (lk *Locker) Feedback() (FeedbackState, []FeedbackState) {
	lk.stateLock.Lock()
	defer lk.stateLock.Unlock()
	return lk.cavityFB, append([]FeedbackState(nil), lk.laserFB...)
}

// Status returns the run state and statistics.
func (lk *Locker) Status() LockerStatus {
	lk.stateLock.Lock()
	st := LockerStatus{State: lk.state.String(), Running: lk.state == Running, NLasers: len(lk.lasers)}
	lk.stateLock.Unlock()
	lk.statsLock.Lock()
	defer lk.statsLock.Unlock()
	st.RunStats = lk.stats
	st.Lasers = append([]FeedbackState(nil), lk.stats.Lasers...)
	return st
}

// SaveTraces writes the most recent full acquisition to filename as .npy.
func (lk *Locker) SaveTraces(filename string) error {
	lk.statsLock.Lock()
	data := lk.lastData
	lk.statsLock.Unlock()
	if data == nil {
		return errors.New("no traces have been acquired yet")
	}
	lk.stateLock.Lock()
	rate := lk.lock.SampleRate
	lk.stateLock.Unlock()
	return tracedump.Save(filename, data, rate)
}

// StartErrorLog begins recording every cycle's errors and outputs to filename,
// replacing any error log already open.
func (lk *Locker) StartErrorLog(filename string) error {
	lk.stateLock.Lock()
	nlasers := len(lk.lasers)
	lk.stateLock.Unlock()
	el, err := NewErrorLog(filename, nlasers)
	if err != nil {
		return err
	}
	lk.logLock.Lock()
	old := lk.errorLog
	lk.errorLog = el
	lk.logLock.Unlock()
	if old != nil {
		return old.Close()
	}
	return nil
}

// StopErrorLog stops recording errors. It is not an error if none was being recorded.
func (lk *Locker) StopErrorLog() error {
	lk.logLock.Lock()
	old := lk.errorLog
	lk.errorLog = nil
	lk.logLock.Unlock()
	if old == nil {
		return nil
	}
	return old.Close()
}

// queueReconfigure hands the loop a snapshot of the current configuration. A snapshot
// the loop has not yet picked up is replaced. Must be called with stateLock held.
func (lk *Locker) queueReconfigure() {
	if lk.state != Running {
		return
	}
	lc, cavity := lk.lock, lk.cavity
	lasers := append([]LaserConfig(nil), lk.lasers...)
	select {
	case <-lk.queuedRequests:
	default:
	}
	lk.queuedRequests <- func(r *lockRun) { r.reconfigure(lc, cavity, lasers) }
}

// ConfigureLock replaces the lock settings. While running, only settings that leave
// the scan waveform and hardware unchanged may be replaced.
func (lk *Locker) ConfigureLock(c LockConfig) error {
	if err := c.Validate(); err != nil {
		return err
	}
	lk.stateLock.Lock()
	defer lk.stateLock.Unlock()
	if lk.state == Running && !c.sameScan(&lk.lock) {
		return errors.New("scan and hardware settings cannot change while the lock is running")
	}
	lk.lock = c
	lk.queueReconfigure()
	return nil
}

// ConfigureCavity replaces the cavity settings. Physical channels and ranges cannot
// change while running.
func (lk *Locker) ConfigureCavity(c CavityConfig) error {
	if err := c.Validate(); err != nil {
		return err
	}
	lk.stateLock.Lock()
	defer lk.stateLock.Unlock()
	if lk.state == Running && !c.sameHardware(&lk.cavity.ChannelConfig) {
		return errors.New("cavity channels and output range cannot change while the lock is running")
	}
	lk.cavity = c
	lk.queueReconfigure()
	return nil
}

// ConfigureLaser replaces laser i's settings. Physical channels and ranges cannot
// change while running.
func (lk *Locker) ConfigureLaser(i int, c LaserConfig) error {
	if err := c.Validate(); err != nil {
		return err
	}
	lk.stateLock.Lock()
	defer lk.stateLock.Unlock()
	if i < 0 || i >= len(lk.lasers) {
		return fmt.Errorf("laser index %d is out of range [0, %d)", i, len(lk.lasers))
	}
	if lk.state == Running && !c.sameHardware(&lk.lasers[i].ChannelConfig) {
		return errors.New("laser channels and output range cannot change while the lock is running")
	}
	lk.lasers[i] = c
	lk.queueReconfigure()
	return nil
}

// ConfigureLasers replaces the whole list of lasers. The number of lasers and their
// hardware can only change while idle. Feedback memory is kept for lasers that remain.
func (lk *Locker) ConfigureLasers(lasers []LaserConfig) error {
	lasers = append([]LaserConfig(nil), lasers...)
	for i := range lasers {
		if err := lasers[i].Validate(); err != nil {
			return err
		}
	}
	lk.stateLock.Lock()
	defer lk.stateLock.Unlock()
	if lk.state == Running {
		if len(lasers) != len(lk.lasers) {
			return errors.New("the number of lasers cannot change while the lock is running")
		}
		for i := range lasers {
			if !lasers[i].sameHardware(&lk.lasers[i].ChannelConfig) {
				return errors.New("laser channels and output ranges cannot change while the lock is running")
			}
		}
	}
	if len(lasers) != len(lk.lasers) {
		if err := lk.StopErrorLog(); err != nil {
			ProblemLogger.Printf("closing error log after the lasers changed: %v", err)
		}
	}
	lk.lasers = lasers
	for len(lk.laserFB) < len(lasers) {
		lk.laserFB = append(lk.laserFB, FeedbackState{})
	}
	lk.laserFB = lk.laserFB[:len(lasers)]
	lk.setpoints.Resize(len(lasers))
	lk.queueReconfigure()
	return nil
}

// SetLocalFrequency sets laser i's local frequency setpoint in MHz.
func (lk *Locker) SetLocalFrequency(i int, freqMHz float64) error {
	if math.IsNaN(freqMHz) || math.IsInf(freqMHz, 0) {
		return fmt.Errorf("frequency %g MHz is not finite", freqMHz)
	}
	lk.stateLock.Lock()
	defer lk.stateLock.Unlock()
	if i < 0 || i >= len(lk.lasers) {
		return fmt.Errorf("laser index %d is out of range [0, %d)", i, len(lk.lasers))
	}
	lk.lasers[i].LocalFreqMHz = freqMHz
	lk.queueReconfigure()
	return nil
}

// SetFrequencySource selects laser i's setpoint source: "local" or "external".
func (lk *Locker) SetFrequencySource(i int, source string) error {
	src, err := ParseFrequencySource(source)
	if err != nil {
		return err
	}
	lk.stateLock.Lock()
	defer lk.stateLock.Unlock()
	if i < 0 || i >= len(lk.lasers) {
		return fmt.Errorf("laser index %d is out of range [0, %d)", i, len(lk.lasers))
	}
	lk.lasers[i].FreqSource = src
	lk.queueReconfigure()
	return nil
}

// Start opens the hardware and starts the control loop. The feedback of each channel
// resumes from where the previous run left it. The loop runs until Stop is called, ctx
// is cancelled, or a fatal hardware error occurs.
func (lk *Locker) Start(ctx context.Context) error {
	lk.stateLock.Lock()
	defer lk.stateLock.Unlock()
	if lk.state == Running {
		return errors.New("the lock is already running")
	}
	if err := lk.lock.Validate(); err != nil {
		return err
	}
	if err := validateChannels(&lk.lock, &lk.cavity, lk.lasers); err != nil {
		return err
	}
	dev, err := lk.openDevice(lk.lock.Hardware.Device)
	if err != nil {
		return err
	}
	plan := NewHardwarePlan(&lk.lock, &lk.cavity, lk.lasers)
	UpdateLogger.Printf("Hardware plan for the lock:\n%s", spew.Sdump(plan))

	s, err := OpenSynchronizer(dev, plan)
	if err != nil {
		return err
	}
	run := lk.newRun()
	if err := s.Start(run.scan, run.piezos); err != nil {
		s.Close()
		return err
	}

	// Drop any request left over from a previous run.
	select {
	case <-lk.queuedRequests:
	default:
	}
	lk.state = Running
	runCtx, cancel := context.WithCancel(ctx)
	lk.cancel = cancel
	lk.statsLock.Lock()
	lk.stats = RunStats{RunID: run.id, Start: run.start, Cavity: run.cavityFB.reportable(),
		Lasers: reportableAll(run.laserFB)}
	lk.lastData = nil
	lk.statsLock.Unlock()

	log.Printf("Starting lock run %s on device %s with %d lasers, %d samples per cycle\n",
		run.id, dev.Name(), len(run.lasers), run.lock.SamplesPerCycle())
	lk.runDone.Add(1)
	go lk.coreLoop(runCtx, run, s, dev.Name())
	publishUpdate("STATUS", LockerStatus{State: Running.String(), Running: true, NLasers: len(lk.lasers)})
	return nil
}

// Stop ends the control loop and waits until the hardware is released.
func (lk *Locker) Stop() error {
	lk.stateLock.Lock()
	if lk.state != Running {
		lk.stateLock.Unlock()
		return errors.New("the lock is not running")
	}
	cancel := lk.cancel
	lk.stateLock.Unlock()
	log.Println("Locker.Stop() was called to stop a running lock")
	cancel()
	lk.runDone.Wait()
	return nil
}

// Wait blocks until the current run, if any, has finished.
func (lk *Locker) Wait() {
	lk.runDone.Wait()
}

// coreLoop runs cycles until cancellation or a fatal error, then releases the
// hardware and hands the feedback memory back to the Locker.
func (lk *Locker) coreLoop(ctx context.Context, run *lockRun, s *Synchronizer, device string) {
	defer lk.runDone.Done()
	lk.stateLock.Lock()
	sink, db := lk.telemetry, lk.db
	lk.stateLock.Unlock()

	var err error
	reported := 0
	for ctx.Err() == nil {
		select {
		case request := <-lk.queuedRequests:
			request(run)
		default:
		}
		if err = lk.cycle(run, s, sink); err != nil {
			break
		}
		if n := s.Underruns(); n != reported {
			reported = n
			publishUpdate("UNDERRUN", struct{ Count int }{n})
		}
	}
	if closeErr := s.Close(); closeErr != nil {
		ProblemLogger.Printf("error releasing lock hardware: %v", closeErr)
	}
	lk.finish(run, err)

	reason := "stopped"
	if err != nil {
		reason = err.Error()
	}
	db.RecordRun(&lockdb.RunMessage{
		ID:              run.id,
		Device:          device,
		NLasers:         len(run.lasers),
		SampleRate:      run.lock.SampleRate,
		SamplesPerCycle: run.lock.SamplesPerCycle(),
		Start:           run.start,
		End:             time.Now(),
		Cycles:          run.cycles,
		Underruns:       s.Underruns(),
		NaNHolds:        run.nanHolds,
		ExitReason:      reason,
	})
}

// finish persists the run's feedback memory and returns the Locker to Idle.
func (lk *Locker) finish(run *lockRun, err error) {
	lk.stateLock.Lock()
	lk.cavityFB = run.cavityFB
	lk.laserFB = append(lk.laserFB[:0], run.laserFB...)
	lk.state = Idle
	lk.cancel = nil
	select {
	case <-lk.queuedRequests:
	default:
	}
	nlasers := len(lk.lasers)
	lk.stateLock.Unlock()

	lk.statsLock.Lock()
	if err != nil {
		lk.stats.LastError = err.Error()
	}
	lk.stats.Cavity = run.cavityFB.reportable()
	lk.stats.Lasers = reportableAll(run.laserFB)
	lk.statsLock.Unlock()

	if err != nil {
		ProblemLogger.Printf("lock run %s stopped by error after %d cycles: %v", run.id, run.cycles, err)
		publishUpdate("LOCKERROR", struct {
			RunID string
			Error string
		}{run.id, err.Error()})
	}
	log.Printf("Lock run %s finished after %d cycles\n", run.id, run.cycles)
	publishUpdate("STATUS", LockerStatus{State: Idle.String(), NLasers: nlasers})
}

// cycle runs one acquisition, computes and writes the new outputs, and publishes
// telemetry when due.
func (lk *Locker) cycle(run *lockRun, s *Synchronizer, sink TelemetrySink) error {
	loopTime := run.loopTime(time.Now())
	data, err := run.acquire(s)
	if err != nil {
		return err
	}
	res := run.process(data, loopTime)
	if err := s.WritePiezos(res.piezos); err != nil {
		return err
	}
	if err := s.WriteScan(res.scan); err != nil {
		return err
	}
	run.underruns = s.Underruns()
	if sink != nil && run.cycles%run.lock.DisplayEvery == 0 {
		sink.Publish(run.snapshot(res))
	}
	var rowsDropped int64
	lk.logLock.Lock()
	if lk.errorLog != nil {
		lk.errorLog.Add(run.errorRow(res))
		rowsDropped = lk.errorLog.Dropped()
	}
	lk.logLock.Unlock()
	run.cycles++

	lk.statsLock.Lock()
	lk.stats.Cycles = run.cycles
	lk.stats.Underruns = run.underruns
	lk.stats.NaNHolds = run.nanHolds
	if sink != nil {
		lk.stats.TelemetryDropped = sink.Dropped()
	}
	lk.stats.ErrorRowsDropped = rowsDropped
	lk.stats.Cavity = run.cavityFB.reportable()
	lk.stats.Lasers = reportableAll(run.laserFB)
	lk.lastData = data
	lk.statsLock.Unlock()
	return nil
}

// lockRun is the state owned by the control loop for the duration of one run.
type lockRun struct {
	id        string
	start     time.Time
	lock      LockConfig
	cavity    CavityConfig
	lasers    []LaserConfig
	setpoints *SetpointTable

	waveform []float64 // scan without the cavity output, fixed for the run
	waveMin  float64
	waveMax  float64

	cavityFB FeedbackState
	laserFB  []FeedbackState
	statuses []*LockStatus // cavity first

	scan      []float64 // scan buffer for the next burst
	piezos    []float64 // laser outputs last written
	lastCycle time.Time
	cycles    int
	underruns int
	nanHolds  int
}

func (lk *Locker) newRun() *lockRun {
	r := &lockRun{
		id:        lockdb.NewID(),
		start:     time.Now(),
		lock:      lk.lock,
		cavity:    lk.cavity,
		lasers:    append([]LaserConfig(nil), lk.lasers...),
		setpoints: lk.setpoints,
		waveform:  lk.lock.ScanWaveform(),
		cavityFB:  lk.cavityFB,
		laserFB:   make([]FeedbackState, len(lk.lasers)),
	}
	copy(r.laserFB, lk.laserFB)
	r.waveMin, r.waveMax = floats.Min(r.waveform), floats.Max(r.waveform)
	r.statuses = make([]*LockStatus, 1+len(r.lasers))
	for i := range r.statuses {
		r.statuses[i] = NewLockStatus(r.lock.RMSLength, r.lock.LockCriteriaMHz)
	}
	r.setOutputs()
	return r
}

// reconfigure applies a configuration snapshot between cycles.
func (r *lockRun) reconfigure(lc LockConfig, cavity CavityConfig, lasers []LaserConfig) {
	r.lock = lc
	r.cavity = cavity
	if len(lasers) == len(r.lasers) {
		r.lasers = lasers
	}
	for _, st := range r.statuses {
		st.resize(lc.RMSLength, lc.LockCriteriaMHz)
	}
}

// loopTime returns the PID time step for a cycle starting now.
func (r *lockRun) loopTime(now time.Time) float64 {
	dt := r.lock.ConfiguredLoopTime()
	if r.lock.MeasuredLoopTime && !r.lastCycle.IsZero() {
		dt = now.Sub(r.lastCycle).Seconds()
	}
	r.lastCycle = now
	return dt
}

// acquire reads Averages bursts and returns their running mean.
func (r *lockRun) acquire(s *Synchronizer) ([][]float64, error) {
	var mean [][]float64
	for m := 0; m < r.lock.Averages; m++ {
		if m > 0 {
			if err := s.WriteScan(r.scan); err != nil {
				return nil, err
			}
		}
		data, err := s.Acquire()
		if err != nil {
			return nil, err
		}
		if m == 0 {
			mean = data
			continue
		}
		w := 1 / float64(m+1)
		for c := range mean {
			floats.Scale(1-w, mean[c])
			floats.AddScaled(mean[c], w, data[c])
		}
	}
	return mean, nil
}

type channelResult struct {
	trace       []float64
	peakTimesMs []float64
	err         float64
	found       bool
	locked      bool
}

type cycleResult struct {
	channels    []channelResult // cavity first
	firstPeakMs float64
	peakSepMs   float64
	scan        []float64
	piezos      []float64
}

// process finds the peaks in one cycle's traces, runs every channel's PID, and
// computes the outputs to write.
func (r *lockRun) process(data [][]float64, loopTime float64) *cycleResult {
	res := &cycleResult{channels: make([]channelResult, len(data))}
	ignore := r.lock.IgnoreSamples()
	msPerSample := 1000 / r.lock.SampleRate
	for c := range data {
		tr := data[c][ignore:]
		if r.lock.RemoveBaseline {
			tr = append([]float64(nil), tr...)
			floats.AddConst(-stat.Mean(tr, nil), tr)
		}
		res.channels[c].trace = tr
	}
	peakTimes := func(pks []peaks.Peak) []float64 {
		t := make([]float64, len(pks))
		for i, p := range pks {
			t[i] = float64(p.Index+ignore) * msPerSample
		}
		return t
	}

	cav := &res.channels[0]
	pks := peaks.Find(cav.trace, r.cavity.PeakHeight, r.cavity.PeakWidth)
	cav.peakTimesMs = peakTimes(pks)
	if len(pks) == 2 {
		res.firstPeakMs = cav.peakTimesMs[0]
		res.peakSepMs = float64(pks[1].Index-pks[0].Index) * msPerSample
		cav.err = (r.cavity.SetpointMs - res.firstPeakMs) / res.peakSepMs * r.lock.CavityFSRMHz
		cav.found = true
		if r.cavityFB.Update(cav.err, r.cavity.Gains, loopTime, r.cavity.Limit) {
			r.nanHolds++
		}
	} else {
		r.cavityFB.Hold()
	}

	for i := range r.lasers {
		l := &r.lasers[i]
		fb := &r.laserFB[i]
		ch := &res.channels[i+1]
		if !cav.found {
			fb.Hold()
			continue
		}
		pks := peaks.Find(ch.trace, l.PeakHeight, l.PeakWidth)
		ch.peakTimesMs = peakTimes(pks)
		if len(pks) == 0 {
			fb.Hold()
			continue
		}
		external, ok := r.setpoints.Load(i)
		target := l.EffectiveSetpoint(external, ok)
		scale := r.lock.CavityFSRMHz * l.Wavenumber / r.cavity.Wavenumber
		best := math.NaN()
		for _, t := range ch.peakTimesMs {
			e := target - (t-res.firstPeakMs)/res.peakSepMs*scale
			if math.IsNaN(best) || math.Abs(e) < math.Abs(best) {
				best = e
			}
		}
		ch.err = best
		ch.found = true
		if fb.Update(best, l.Gains, loopTime, l.Limit) {
			r.nanHolds++
		}
	}

	for c := range res.channels {
		ch := &res.channels[c]
		if ch.found {
			r.statuses[c].Add(ch.err)
		}
		ch.locked = r.statuses[c].Locked(ch.err, ch.found)
	}
	r.setOutputs()
	res.scan = r.scan
	res.piezos = r.piezos
	return res
}

// setOutputs computes the commanded outputs from the feedback, clipped so that the
// hardware never sees a value outside its channel's range. For the cavity, the whole
// scan must fit.
func (r *lockRun) setOutputs() {
	lo := r.cavity.OutputMin - r.waveMin
	hi := r.cavity.OutputMax - r.waveMax
	out := math.Min(math.Max(r.cavity.Offset+r.cavityFB.LastFeedback, lo), hi)
	r.cavityFB.LastOutput = out
	r.scan = make([]float64, len(r.waveform))
	copy(r.scan, r.waveform)
	floats.AddConst(out, r.scan)

	r.piezos = make([]float64, len(r.lasers))
	for i := range r.lasers {
		v := r.lasers[i].clipOutput(r.lasers[i].Offset + r.laserFB[i].LastFeedback)
		r.laserFB[i].LastOutput = v
		r.piezos[i] = v
	}
}

// snapshot builds the telemetry record of one cycle.
func (r *lockRun) snapshot(res *cycleResult) *Snapshot {
	s := &Snapshot{
		RunID:             r.id,
		Cycle:             r.cycles,
		Time:              time.Now(),
		CavityFirstPeakMs: res.firstPeakMs,
		CavityPeakSepMs:   res.peakSepMs,
		Underruns:         r.underruns,
		NaNHolds:          r.nanHolds,
		Channels:          make([]ChannelTelemetry, len(res.channels)),
	}
	for c, ch := range res.channels {
		fb := &r.cavityFB
		name := r.cavity.Name
		if c > 0 {
			fb = &r.laserFB[c-1]
			name = r.lasers[c-1].Name
		}
		errMHz := 0.0
		if ch.found {
			errMHz = finite(ch.err)
		}
		s.Channels[c] = ChannelTelemetry{
			Name:        name,
			Trace:       ch.trace,
			PeakTimesMs: ch.peakTimesMs,
			Error:       errMHz,
			Output:      fb.LastOutput,
			Found:       ch.found,
			Locked:      ch.locked,
			RMS:         finite(r.statuses[c].RMS()),
		}
	}
	return s
}
