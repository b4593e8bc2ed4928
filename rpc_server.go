package tclock

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/viper"
	"github.com/usnistgov/tclock/internal/lockdb"
)

// LockControl is the sub-server that handles configuration and operation of
// the lock through JSON-RPC.
type LockControl struct {
	locker *Locker
}

// NewLockControl wraps locker for RPC.
func NewLockControl(locker *Locker) *LockControl {
	return &LockControl{locker: locker}
}

// LaserArgs is the RPC-usable structure for ConfigureLaser.
type LaserArgs struct {
	Index  int
	Config LaserConfig
}

// FrequencyArgs is the RPC-usable structure for SetLocalFrequency.
type FrequencyArgs struct {
	Index   int
	FreqMHz float64
}

// SourceArgs is the RPC-usable structure for SetFrequencySource.
type SourceArgs struct {
	Index  int
	Source string
}

// ExternalSetpoints is the EXTERNALFREQS status update: every remote setpoint received so far.
type ExternalSetpoints struct {
	FrequencyMHz []float64
	Received     []bool
}

func externalSetpointsUpdate(table *SetpointTable) ClientUpdate {
	v, ok := table.Values()
	return ClientUpdate{tag: "EXTERNALFREQS", state: ExternalSetpoints{FrequencyMHz: v, Received: ok}}
}

// Start opens the hardware and starts the control loop.
func (s *LockControl) Start(dummy *string, reply *bool) error {
	err := s.locker.Start(context.Background())
	*reply = (err == nil)
	if err != nil {
		log.Printf("Could not start the lock: %v\n", err)
	}
	return err
}

// Stop stops the control loop and releases the hardware.
func (s *LockControl) Stop(dummy *string, reply *bool) error {
	err := s.locker.Stop()
	*reply = (err == nil)
	return err
}

// ConfigureLock changes the settings shared by all channels.
func (s *LockControl) ConfigureLock(args *LockConfig, reply *bool) error {
	log.Printf("ConfigureLock: scan %.3f V over %.3f ms at %.0f Hz\n", args.ScanAmplitude, args.ScanTimeMs, args.SampleRate)
	err := s.locker.ConfigureLock(*args)
	*reply = (err == nil)
	if err == nil {
		s.broadcastLock()
	}
	return err
}

// ConfigureCavity changes the reference channel.
func (s *LockControl) ConfigureCavity(args *CavityConfig, reply *bool) error {
	log.Printf("ConfigureCavity: input %s output %s setpoint %.4f ms\n", args.InputChannel, args.OutputChannel, args.SetpointMs)
	err := s.locker.ConfigureCavity(*args)
	*reply = (err == nil)
	if err == nil {
		s.broadcastCavity()
	}
	return err
}

// ConfigureLaser changes one laser channel.
func (s *LockControl) ConfigureLaser(args *LaserArgs, reply *bool) error {
	log.Printf("ConfigureLaser %d: input %s output %s\n", args.Index, args.Config.InputChannel, args.Config.OutputChannel)
	err := s.locker.ConfigureLaser(args.Index, args.Config)
	*reply = (err == nil)
	if err == nil {
		s.broadcastLasers()
	}
	return err
}

// ConfigureLasers replaces the whole list of laser channels.
func (s *LockControl) ConfigureLasers(args *[]LaserConfig, reply *bool) error {
	log.Printf("ConfigureLasers: %d lasers\n", len(*args))
	err := s.locker.ConfigureLasers(*args)
	*reply = (err == nil)
	if err == nil {
		s.broadcastLasers()
	}
	return err
}

// SetLocalFrequency changes one laser's local frequency setpoint.
func (s *LockControl) SetLocalFrequency(args *FrequencyArgs, reply *bool) error {
	err := s.locker.SetLocalFrequency(args.Index, args.FreqMHz)
	*reply = (err == nil)
	if err == nil {
		s.broadcastLasers()
	}
	return err
}

// SetFrequencySource chooses between a laser's local and external setpoints.
func (s *LockControl) SetFrequencySource(args *SourceArgs, reply *bool) error {
	err := s.locker.SetFrequencySource(args.Index, args.Source)
	*reply = (err == nil)
	if err == nil {
		s.broadcastLasers()
	}
	return err
}

// SaveTraces writes the latest acquired traces to the named .npy file.
func (s *LockControl) SaveTraces(filename *string, reply *bool) error {
	if *filename == "" {
		return errors.New("no filename given")
	}
	err := s.locker.SaveTraces(*filename)
	*reply = (err == nil)
	if err == nil {
		log.Printf("Saved traces to %s\n", *filename)
	}
	return err
}

// StartErrorLog starts recording each cycle's errors and outputs to the named .npy file.
func (s *LockControl) StartErrorLog(filename *string, reply *bool) error {
	if *filename == "" {
		return errors.New("no filename given")
	}
	err := s.locker.StartErrorLog(*filename)
	*reply = (err == nil)
	if err == nil {
		log.Printf("Recording errors to %s\n", *filename)
	}
	return err
}

// StopErrorLog stops recording errors.
func (s *LockControl) StopErrorLog(dummy *string, reply *bool) error {
	err := s.locker.StopErrorLog()
	*reply = (err == nil)
	return err
}

// Status returns the lock status.
func (s *LockControl) Status(dummy *string, reply *LockerStatus) error {
	*reply = s.locker.Status()
	return nil
}

// SendAllStatus causes a broadcast to clients containing all broadcastable status info
func (s *LockControl) SendAllStatus(dummy *string, reply *bool) error {
	s.broadcastStatus()
	s.broadcastLock()
	s.broadcastCavity()
	s.broadcastLasers()
	u := externalSetpointsUpdate(s.locker.Setpoints())
	publishUpdate(u.tag, u.state)
	*reply = true
	return nil
}

func (s *LockControl) broadcastStatus() {
	publishUpdate("STATUS", s.locker.Status())
}

func (s *LockControl) broadcastLock() {
	lc, _, _ := s.locker.Config()
	publishUpdate("LOCK", lc)
}

func (s *LockControl) broadcastCavity() {
	_, cavity, _ := s.locker.Config()
	publishUpdate("CAVITY", cavity)
}

func (s *LockControl) broadcastLasers() {
	_, _, lasers := s.locker.Config()
	publishUpdate("LASERS", lasers)
}

// ServerOptions changes how RunRPCServer sets up the lock.
type ServerOptions struct {
	Simulate bool               // use the simulated DAQ device whatever the config file says
	Database *lockdb.Connection // where runs and remote setpoints are recorded; may be nil
}

// loadStoredConfig returns the configuration saved by a previous session, if any.
func loadStoredConfig() (LockConfig, CavityConfig, []LaserConfig) {
	lc := DefaultLockConfig()
	var cavity CavityConfig
	var lasers []LaserConfig
	if viper.IsSet("lock") {
		if err := viper.UnmarshalKey("lock", &lc); err != nil {
			ProblemLogger.Printf("Could not load stored lock settings: %v", err)
			lc = DefaultLockConfig()
		}
	}
	if err := viper.UnmarshalKey("cavity", &cavity); err != nil {
		ProblemLogger.Printf("Could not load stored cavity settings: %v", err)
	}
	if err := viper.UnmarshalKey("lasers", &lasers); err != nil {
		ProblemLogger.Printf("Could not load stored laser settings: %v", err)
		lasers = nil
	}
	return lc, cavity, lasers
}

// RunRPCServer sets up and runs a permanent JSON-RPC server, together with the
// telemetry publisher and the remote setpoint listener. If block, it blocks until
// SIGINT or SIGTERM, then stops the lock and shuts down those servers.
func RunRPCServer(portrpc int, block bool, opts ServerOptions) {
	log.Printf("tclock is using config file %s\n", viper.ConfigFileUsed())
	lc, cavity, lasers := loadStoredConfig()
	if opts.Simulate {
		lc.Hardware.Device = "sim"
	}
	locker := NewLocker(lc, cavity, lasers)
	locker.SetDatabase(opts.Database)
	control := NewLockControl(locker)

	abort := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-abort
		cancel()
	}()

	telemetry := NewTelemetryPublisher(16)
	locker.SetTelemetry(telemetry)
	go func() {
		if err := telemetry.Run(Ports.Telemetry, abort); err != nil {
			ProblemLogger.Printf("Telemetry publisher stopped: %v", err)
		}
	}()

	setpoints := NewSetpointServer(locker.Setpoints(), locker.LaserLabel, opts.Database)
	if err := setpoints.Listen(fmt.Sprintf(":%d", Ports.Setpoint)); err != nil {
		log.Fatal(err)
	}
	go func() {
		if err := setpoints.Serve(ctx); err != nil {
			ProblemLogger.Printf("Setpoint listener stopped: %v", err)
		}
	}()

	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-abort:
				return
			case <-ticker.C:
				control.broadcastStatus()
			}
		}
	}()

	// Now launch the connection handler and accept connections.
	server := rpc.NewServer()
	if err := server.Register(control); err != nil {
		log.Fatal(err)
	}
	port := fmt.Sprintf(":%d", portrpc)
	listener, err := net.Listen("tcp", port)
	if err != nil {
		log.Fatal("listen error:", err)
	}
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				select {
				case <-abort:
				default:
					ProblemLogger.Printf("RPC accept error: %v", err)
				}
				return
			}
			log.Printf("new connection established\n")
			go server.ServeCodec(jsonrpc.NewServerCodec(conn))
		}
	}()
	if !block {
		return
	}

	interruptCatcher := make(chan os.Signal, 1)
	signal.Notify(interruptCatcher, os.Interrupt, syscall.SIGTERM)
	<-interruptCatcher
	log.Println("Caught interrupt: stopping the lock and servers")
	if locker.State() == Running {
		locker.Stop()
	}
	close(abort)
	listener.Close()
}
