package tclock

import (
	"fmt"
	"time"

	"github.com/usnistgov/tclock/daq"
)

// HardwarePlan lists every physical resource used by one lock run.
type HardwarePlan struct {
	Device      string
	Inputs      []daq.AnalogChannel // cavity photodiode first, then one per laser
	Scan        daq.AnalogChannel   // cavity piezo
	Piezos      []daq.AnalogChannel // one per laser
	Clock       daq.ClockConfig
	Counter     daq.CounterConfig
	TriggerLine string
	ReadTimeout time.Duration
}

// NewHardwarePlan derives the hardware plan from a validated configuration.
func NewHardwarePlan(lc *LockConfig, cavity *CavityConfig, lasers []LaserConfig) HardwarePlan {
	hw := lc.Hardware
	clock := daq.ClockConfig{
		Terminal:        hw.ClockTerminal,
		SampleRate:      lc.SampleRate,
		SamplesPerCycle: lc.SamplesPerCycle(),
	}
	plan := HardwarePlan{
		Device: hw.Device,
		Inputs: []daq.AnalogChannel{{Name: cavity.InputChannel, Min: hw.InputMin, Max: hw.InputMax}},
		Scan:   daq.AnalogChannel{Name: cavity.OutputChannel, Min: cavity.OutputMin, Max: cavity.OutputMax},
		Clock:  clock,
		Counter: daq.CounterConfig{
			Counter:         hw.ClockCounter,
			TriggerTerminal: hw.TriggerTerminal,
			ClockConfig:     clock,
		},
		TriggerLine: hw.TriggerLine,
		ReadTimeout: lc.ReadTimeout(),
	}
	for _, l := range lasers {
		plan.Inputs = append(plan.Inputs, daq.AnalogChannel{Name: l.InputChannel, Min: hw.InputMin, Max: hw.InputMax})
		plan.Piezos = append(plan.Piezos, daq.AnalogChannel{Name: l.OutputChannel, Min: l.OutputMin, Max: l.OutputMax})
	}
	return plan
}

// Synchronizer owns the five hardware tasks of a lock run. The trigger line fires
// the counter, whose burst of SamplesPerCycle clock pulses drives both the cavity
// scan output and the photodiode input, so every trace is aligned with the scan.
type Synchronizer struct {
	plan      HardwarePlan
	input     daq.InputTask
	scan      daq.ScanTask
	piezos    daq.OutputTask
	counter   daq.Task
	line      daq.LineTask
	opened    []daq.Task // in the order opened
	underruns int
}

// OpenSynchronizer opens every task of the plan. If any fails, those already
// opened are closed before returning the error.
func OpenSynchronizer(dev daq.Device, plan HardwarePlan) (s *Synchronizer, err error) {
	s = &Synchronizer{plan: plan}
	defer func() {
		if err != nil {
			s.Close()
			s = nil
		}
	}()

	if s.input, err = dev.OpenInput(plan.Inputs, plan.Clock); err != nil {
		return s, fmt.Errorf("open photodiode input: %w", err)
	}
	s.opened = append(s.opened, s.input)
	if s.scan, err = dev.OpenScanOutput(plan.Scan, plan.Clock); err != nil {
		return s, fmt.Errorf("open cavity scan output: %w", err)
	}
	s.opened = append(s.opened, s.scan)
	if len(plan.Piezos) > 0 {
		if s.piezos, err = dev.OpenOnDemandOutput(plan.Piezos); err != nil {
			return s, fmt.Errorf("open laser piezo outputs: %w", err)
		}
		s.opened = append(s.opened, s.piezos)
	}
	if s.counter, err = dev.OpenCounter(plan.Counter); err != nil {
		return s, fmt.Errorf("open sample clock counter: %w", err)
	}
	s.opened = append(s.opened, s.counter)
	if s.line, err = dev.OpenTriggerLine(plan.TriggerLine); err != nil {
		return s, fmt.Errorf("open trigger line: %w", err)
	}
	s.opened = append(s.opened, s.line)
	return s, nil
}

// Start writes the first cycle's outputs and starts every task.
func (s *Synchronizer) Start(scan, piezos []float64) error {
	if err := s.WritePiezos(piezos); err != nil {
		return err
	}
	if err := s.scan.Write(scan, false); err != nil {
		return fmt.Errorf("write first cavity scan: %w", err)
	}
	for _, task := range s.opened {
		if err := task.Start(); err != nil {
			return fmt.Errorf("start task: %w", err)
		}
	}
	return nil
}

// Acquire fires the trigger and reads the burst it clocks, one slice per input.
// The scan for this burst must already have been written.
func (s *Synchronizer) Acquire() ([][]float64, error) {
	if err := s.line.Pulse(); err != nil {
		return nil, fmt.Errorf("pulse trigger line: %w", err)
	}
	data, err := s.input.Read(s.plan.Clock.SamplesPerCycle, s.plan.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("read photodiodes: %w", err)
	}
	if len(data) != len(s.plan.Inputs) {
		return nil, fmt.Errorf("read %d photodiode channels, want %d", len(data), len(s.plan.Inputs))
	}
	return data, nil
}

// WriteScan queues the cavity waveform for the next burst. An underrun is recovered
// by aborting the scan task and rewriting with auto-start, and is counted.
func (s *Synchronizer) WriteScan(scan []float64) error {
	err := s.scan.Write(scan, false)
	if err == nil {
		return nil
	}
	if !daq.IsUnderrun(err) {
		return fmt.Errorf("write cavity scan: %w", err)
	}
	s.underruns++
	ProblemLogger.Printf("cavity scan underrun #%d, restarting the scan output: %v", s.underruns, err)
	if err := s.scan.Abort(); err != nil {
		return fmt.Errorf("abort cavity scan after underrun: %w", err)
	}
	if err := s.scan.Write(scan, true); err != nil {
		return fmt.Errorf("rewrite cavity scan after underrun: %w", err)
	}
	return nil
}

// WritePiezos sets the laser piezo voltages.
func (s *Synchronizer) WritePiezos(values []float64) error {
	if s.piezos == nil {
		return nil
	}
	if err := s.piezos.Write(values); err != nil {
		return fmt.Errorf("write laser piezos: %w", err)
	}
	return nil
}

// Underruns returns the number of scan underruns recovered so far.
func (s *Synchronizer) Underruns() int {
	return s.underruns
}

// Close closes every task in the reverse of the order opened and returns the first
// error. It is safe to call more than once.
func (s *Synchronizer) Close() error {
	var first error
	for i := len(s.opened) - 1; i >= 0; i-- {
		if err := s.opened[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	s.opened = nil
	return first
}
