//go:build nidaqmx

package daq

/*
#cgo LDFLAGS: -lnidaqmx
#include <stdlib.h>
#include <NIDAQmx.h>
*/
import "C"
import (
	"fmt"
	"sync"
	"time"
	"unsafe"
)

// DAQmx error codes that map onto the package sentinel errors.
const (
	codeSamplesNotYetAvailable = -200284
	codeGenStoppedNoRegen      = -200290
	codeDACUnderflow           = -200018
	codeOnboardMemUnderflow    = -200621
)

func init() {
	Register("nidaqmx", func() (Device, error) {
		return &NIDevice{}, nil
	})
}

// enrich turns a DAQmx status into an error decorated with the procedure called.
// Warnings (positive codes) and success return nil.
func enrich(status C.int32, procedure string) error {
	code := int(status)
	if code >= 0 {
		return nil
	}
	buf := make([]byte, 2048)
	C.DAQmxGetExtendedErrorInfo((*C.char)(unsafe.Pointer(&buf[0])), C.uInt32(len(buf)))
	msg := C.GoString((*C.char)(unsafe.Pointer(&buf[0])))
	err := fmt.Errorf("%s failed with DAQmx code %d: %s", procedure, code, msg)
	switch code {
	case codeSamplesNotYetAvailable:
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case codeGenStoppedNoRegen, codeDACUnderflow, codeOnboardMemUnderflow:
		return fmt.Errorf("%w: %v", ErrUnderrun, err)
	}
	return err
}

func bool32(b bool) C.bool32 {
	if b {
		return 1
	}
	return 0
}

// NIDevice opens tasks through the NI-DAQmx C library.
type NIDevice struct{}

// Name returns "nidaqmx".
func (d *NIDevice) Name() string {
	return "nidaqmx"
}

type niTask struct {
	sync.Mutex
	handle C.TaskHandle
	name   string
	closed bool
}

func newNITask(name string) (*niTask, error) {
	t := &niTask{name: name}
	cname := C.CString("")
	defer C.free(unsafe.Pointer(cname))
	if err := enrich(C.DAQmxCreateTask(cname, &t.handle), "DAQmxCreateTask"); err != nil {
		return nil, err
	}
	return t, nil
}

// call runs one configuration step and clears the task if it fails, so a
// half-configured task never leaks.
func (t *niTask) call(status C.int32, procedure string) error {
	if err := enrich(status, procedure); err != nil {
		C.DAQmxClearTask(t.handle)
		t.closed = true
		return fmt.Errorf("%s task: %w", t.name, err)
	}
	return nil
}

func (t *niTask) Start() error {
	t.Lock()
	defer t.Unlock()
	if t.closed {
		return ErrClosed
	}
	return enrich(C.DAQmxStartTask(t.handle), "DAQmxStartTask")
}

func (t *niTask) Close() error {
	t.Lock()
	defer t.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	C.DAQmxStopTask(t.handle)
	return enrich(C.DAQmxClearTask(t.handle), "DAQmxClearTask")
}

func (t *niTask) cfgClock(clock ClockConfig) error {
	src := C.CString(clock.Terminal)
	defer C.free(unsafe.Pointer(src))
	return t.call(C.DAQmxCfgSampClkTiming(t.handle, src, C.float64(clock.SampleRate),
		C.DAQmx_Val_Rising, C.DAQmx_Val_ContSamps, C.uInt64(clock.SamplesPerCycle)), "DAQmxCfgSampClkTiming")
}

type niInput struct {
	*niTask
	nchan int
}

// OpenInput creates a continuous multi-channel voltage input clocked from clock.Terminal.
func (d *NIDevice) OpenInput(channels []AnalogChannel, clock ClockConfig) (InputTask, error) {
	t, err := newNITask("input")
	if err != nil {
		return nil, err
	}
	empty := C.CString("")
	defer C.free(unsafe.Pointer(empty))
	for _, ch := range channels {
		phys := C.CString(ch.Name)
		err := t.call(C.DAQmxCreateAIVoltageChan(t.handle, phys, empty, C.DAQmx_Val_Cfg_Default,
			C.float64(ch.Min), C.float64(ch.Max), C.DAQmx_Val_Volts, nil), "DAQmxCreateAIVoltageChan")
		C.free(unsafe.Pointer(phys))
		if err != nil {
			return nil, err
		}
	}
	if err := t.cfgClock(clock); err != nil {
		return nil, err
	}
	return &niInput{niTask: t, nchan: len(channels)}, nil
}

func (in *niInput) Read(nsamp int, timeout time.Duration) ([][]float64, error) {
	in.Lock()
	defer in.Unlock()
	if in.closed {
		return nil, ErrClosed
	}
	buf := make([]float64, nsamp*in.nchan)
	var nread C.int32
	status := C.DAQmxReadAnalogF64(in.handle, C.int32(nsamp), C.float64(timeout.Seconds()),
		C.DAQmx_Val_GroupByChannel, (*C.float64)(unsafe.Pointer(&buf[0])), C.uInt32(len(buf)), &nread, nil)
	if err := enrich(status, "DAQmxReadAnalogF64"); err != nil {
		return nil, err
	}
	if int(nread) != nsamp {
		return nil, fmt.Errorf("DAQmxReadAnalogF64 read %d of %d samples per channel", nread, nsamp)
	}
	data := make([][]float64, in.nchan)
	for i := range data {
		data[i] = buf[i*nsamp : (i+1)*nsamp]
	}
	return data, nil
}

type niScan struct {
	*niTask
}

// OpenScanOutput creates a clocked voltage output that never regenerates old samples.
func (d *NIDevice) OpenScanOutput(channel AnalogChannel, clock ClockConfig) (ScanTask, error) {
	t, err := newNITask("scan")
	if err != nil {
		return nil, err
	}
	phys := C.CString(channel.Name)
	defer C.free(unsafe.Pointer(phys))
	if err := t.call(C.DAQmxCreateAOVoltageChan(t.handle, phys, nil, C.float64(channel.Min),
		C.float64(channel.Max), C.DAQmx_Val_Volts, nil), "DAQmxCreateAOVoltageChan"); err != nil {
		return nil, err
	}
	if err := t.cfgClock(clock); err != nil {
		return nil, err
	}
	if err := t.call(C.DAQmxSetWriteRegenMode(t.handle, C.DAQmx_Val_DoNotAllowRegen), "DAQmxSetWriteRegenMode"); err != nil {
		return nil, err
	}
	return &niScan{t}, nil
}

func (s *niScan) Write(samples []float64, autoStart bool) error {
	s.Lock()
	defer s.Unlock()
	if s.closed {
		return ErrClosed
	}
	var nwritten C.int32
	status := C.DAQmxWriteAnalogF64(s.handle, C.int32(len(samples)), bool32(autoStart), 10.0,
		C.DAQmx_Val_GroupByChannel, (*C.float64)(unsafe.Pointer(&samples[0])), &nwritten, nil)
	return enrich(status, "DAQmxWriteAnalogF64")
}

func (s *niScan) Abort() error {
	s.Lock()
	defer s.Unlock()
	if s.closed {
		return ErrClosed
	}
	return enrich(C.DAQmxStopTask(s.handle), "DAQmxStopTask")
}

type niOutput struct {
	*niTask
}

// OpenOnDemandOutput creates an untimed voltage output, one channel per piezo.
func (d *NIDevice) OpenOnDemandOutput(channels []AnalogChannel) (OutputTask, error) {
	t, err := newNITask("output")
	if err != nil {
		return nil, err
	}
	for _, ch := range channels {
		phys := C.CString(ch.Name)
		err := t.call(C.DAQmxCreateAOVoltageChan(t.handle, phys, nil, C.float64(ch.Min),
			C.float64(ch.Max), C.DAQmx_Val_Volts, nil), "DAQmxCreateAOVoltageChan")
		C.free(unsafe.Pointer(phys))
		if err != nil {
			return nil, err
		}
	}
	return &niOutput{t}, nil
}

func (o *niOutput) Write(values []float64) error {
	o.Lock()
	defer o.Unlock()
	if o.closed {
		return ErrClosed
	}
	if len(values) == 0 {
		return nil
	}
	var nwritten C.int32
	status := C.DAQmxWriteAnalogF64(o.handle, 1, 1, 1.0, C.DAQmx_Val_GroupByChannel,
		(*C.float64)(unsafe.Pointer(&values[0])), &nwritten, nil)
	return enrich(status, "DAQmxWriteAnalogF64")
}

// OpenCounter creates a retriggerable pulse train of SamplesPerCycle pulses at
// SampleRate, started by a rising edge on TriggerTerminal and routed to Terminal.
func (d *NIDevice) OpenCounter(config CounterConfig) (Task, error) {
	t, err := newNITask("counter")
	if err != nil {
		return nil, err
	}
	ctr := C.CString(config.Counter)
	defer C.free(unsafe.Pointer(ctr))
	if err := t.call(C.DAQmxCreateCOPulseChanFreq(t.handle, ctr, nil, C.DAQmx_Val_Hz, C.DAQmx_Val_Low,
		0, C.float64(config.SampleRate), 0.5), "DAQmxCreateCOPulseChanFreq"); err != nil {
		return nil, err
	}
	if config.Terminal != "" {
		term := C.CString(config.Terminal)
		defer C.free(unsafe.Pointer(term))
		if err := t.call(C.DAQmxSetCOPulseTerm(t.handle, ctr, term), "DAQmxSetCOPulseTerm"); err != nil {
			return nil, err
		}
	}
	if err := t.call(C.DAQmxCfgImplicitTiming(t.handle, C.DAQmx_Val_FiniteSamps,
		C.uInt64(config.SamplesPerCycle)), "DAQmxCfgImplicitTiming"); err != nil {
		return nil, err
	}
	trig := C.CString(config.TriggerTerminal)
	defer C.free(unsafe.Pointer(trig))
	if err := t.call(C.DAQmxCfgDigEdgeStartTrig(t.handle, trig, C.DAQmx_Val_Rising), "DAQmxCfgDigEdgeStartTrig"); err != nil {
		return nil, err
	}
	if err := t.call(C.DAQmxSetStartTrigRetriggerable(t.handle, 1), "DAQmxSetStartTrigRetriggerable"); err != nil {
		return nil, err
	}
	return t, nil
}

type niLine struct {
	*niTask
}

// OpenTriggerLine creates a single digital output line.
func (d *NIDevice) OpenTriggerLine(line string) (LineTask, error) {
	t, err := newNITask("line")
	if err != nil {
		return nil, err
	}
	cline := C.CString(line)
	defer C.free(unsafe.Pointer(cline))
	if err := t.call(C.DAQmxCreateDOChan(t.handle, cline, nil, C.DAQmx_Val_ChanPerLine), "DAQmxCreateDOChan"); err != nil {
		return nil, err
	}
	return &niLine{t}, nil
}

func (l *niLine) Pulse() error {
	l.Lock()
	defer l.Unlock()
	if l.closed {
		return ErrClosed
	}
	for _, level := range []C.uInt8{1, 0} {
		var nwritten C.int32
		status := C.DAQmxWriteDigitalLines(l.handle, 1, 1, 1.0, C.DAQmx_Val_GroupByChannel, &level, &nwritten, nil)
		if err := enrich(status, "DAQmxWriteDigitalLines"); err != nil {
			return err
		}
	}
	return nil
}
