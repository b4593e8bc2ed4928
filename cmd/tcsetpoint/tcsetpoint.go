// tcsetpoint sends one remote frequency setpoint to a running tclock server and
// checks that the server acknowledged it.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"math"
	"net"
	"os"
	"time"

	"github.com/usnistgov/tclock"
)

func main() {
	host := flag.String("host", "localhost", "host running the tclock server")
	port := flag.Int("port", tclock.Ports.Setpoint, "remote setpoint port")
	laser := flag.Int("laser", 0, "index of the laser to set")
	freq := flag.Float64("freq", math.NaN(), "frequency setpoint in MHz (required)")
	timeout := flag.Duration("timeout", 2*time.Second, "how long to wait for the acknowledgment")
	flag.Parse()

	if math.IsNaN(*freq) {
		fmt.Fprintln(os.Stderr, "tcsetpoint: -freq is required")
		flag.Usage()
		os.Exit(2)
	}
	if *laser < 0 || *laser > math.MaxUint16 {
		fmt.Fprintf(os.Stderr, "tcsetpoint: laser index %d does not fit the protocol\n", *laser)
		os.Exit(2)
	}

	if err := send(fmt.Sprintf("%s:%d", *host, *port), uint16(*laser), *freq, *timeout); err != nil {
		fmt.Fprintf(os.Stderr, "tcsetpoint: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("laser %d setpoint %.6f MHz acknowledged\n", *laser, *freq)
}

func send(addr string, laser uint16, freqMHz float64, timeout time.Duration) error {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	frame := tclock.EncodeSetpointFrame(laser, freqMHz)
	if _, err := conn.Write(frame[:]); err != nil {
		return err
	}
	// The server drops invalid frames without replying, so a timeout means refusal.
	conn.SetReadDeadline(time.Now().Add(timeout))
	echo := make([]byte, tclock.SetpointFrameSize)
	if _, err := io.ReadFull(conn, echo); err != nil {
		return fmt.Errorf("no acknowledgment (is laser %d configured?): %w", laser, err)
	}
	if !bytes.Equal(echo, frame[:]) {
		return fmt.Errorf("acknowledgment % x does not match the frame % x", echo, frame)
	}
	return nil
}
