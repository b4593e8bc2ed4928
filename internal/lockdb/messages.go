package lockdb

import "time"

// The composite types used for messages to the ClickHouse database.

// ActivityMessage is the information for the lockactivity table: one row per server process.
type ActivityMessage struct {
	ID        string
	Hostname  string
	Githash   string
	Version   string
	GoVersion string
	CPUs      int
	Start     time.Time
	End       time.Time
}

// RunMessage is the information required to make an entry in the lockruns table.
type RunMessage struct {
	ID              string
	Device          string
	NLasers         int
	SampleRate      float64
	SamplesPerCycle int
	Start           time.Time
	End             time.Time
	Cycles          int
	Underruns       int
	NaNHolds        int
	ExitReason      string
}

// SetpointMessage records one remote setpoint change in the setpointchanges table.
type SetpointMessage struct {
	ID           string
	Laser        int
	Label        string
	FrequencyMHz float64
	Remote       string
	Time         time.Time
}
