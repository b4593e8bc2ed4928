// Package lockdb records lock activity, lock runs and remote setpoint changes in a
// ClickHouse database. Every method is a no-op on a nil or disconnected Connection.
package lockdb

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/oklog/ulid/v2"
)

type Connection struct {
	conn          clickhouse.Conn
	err           error
	activityEntry *ActivityMessage
	runmsg        chan *RunMessage
	setpointmsg   chan *SetpointMessage
	done          chan struct{} // closed when handleConnection stops receiving
	sync.WaitGroup
}

const databaseName = "tclock" // official SQL name of the database

const timeFormat = "2006-01-02 15:04:05.000000"

// NewID returns a fresh, time-ordered identifier for database rows.
func NewID() string {
	return ulid.Make().String()
}

func (db *Connection) IsConnected() bool {
	return (db != nil) && (db.conn != nil) && (db.err == nil)
}

// Err returns the error that disconnected the database, if any.
func (db *Connection) Err() error {
	if db == nil {
		return fmt.Errorf("no database connection")
	}
	return db.err
}

func PingServer() error {
	db := createConnection()
	if !db.IsConnected() {
		return fmt.Errorf("database is not connected: %v", db.err)
	}
	v, err := db.conn.ServerVersion()
	if err != nil {
		return err
	}
	fmt.Printf("ClickHouse server is alive. Version:\n%s\n", v)
	db.conn.Close()
	return nil
}

// StartConnection connects to the server, records the activity, and handles
// messages until abort is closed. The returned Connection may be disconnected.
func StartConnection(activity *ActivityMessage, abort <-chan struct{}) *Connection {
	db := createConnection()
	db.activityEntry = activity
	db.logActivity()
	if db.IsConnected() {
		go db.handleConnection(abort)
	}
	return db
}

func createConnection() *Connection {
	db := &Connection{}
	auth := clickhouse.Auth{
		Database: databaseName,
		Username: os.Getenv("TCLOCK_DB_USER"),
		Password: os.Getenv("TCLOCK_DB_PASSWORD"),
	}
	addr := os.Getenv("TCLOCK_DB_ADDR")
	if addr == "" {
		addr = "localhost:9000"
	}
	client := clickhouse.ClientInfo{
		Products: []struct {
			Name    string
			Version string
		}{
			{Name: "tclock", Version: "unknown"},
		},
	}
	opt := clickhouse.Options{
		Addr:        []string{addr},
		Auth:        auth,
		ClientInfo:  client,
		DialTimeout: 2 * time.Second,
	}
	conn, err := clickhouse.Open(&opt)
	if err != nil {
		db.err = err
		return db
	}
	db.conn = conn

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err = conn.Ping(ctx); err != nil {
		if exception, ok := err.(*clickhouse.Exception); ok {
			fmt.Printf("Exception [%d] %s \n%s\n", exception.Code, exception.Message, exception.StackTrace)
		}
		db.err = err
		return db
	}

	db.Add(1)
	db.runmsg = make(chan *RunMessage)
	db.setpointmsg = make(chan *SetpointMessage)
	db.done = make(chan struct{})
	return db
}

func (db *Connection) logActivity() {
	if !db.IsConnected() {
		return
	}
	ctx := context.Background()
	const nowait = false
	ae := db.activityEntry
	if err := db.conn.AsyncInsert(ctx, `INSERT INTO lockactivity VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		ae.ID, ae.Hostname, ae.Githash, ae.Version,
		ae.GoVersion, ae.CPUs, ae.Start.Format(timeFormat), ae.End.Format(timeFormat),
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into lockactivity ", err)
		db.err = err
	}
}

func (db *Connection) handleConnection(abort <-chan struct{}) {
	defer db.Done()
	defer close(db.done)
	for {
		select {
		case <-abort:
			db.disconnect()
			return
		case rmsg := <-db.runmsg:
			db.handleRunMessage(rmsg)
		case smsg := <-db.setpointmsg:
			db.handleSetpointMessage(smsg)
		}
	}
}

func (db *Connection) disconnect() {
	if db.IsConnected() {
		db.activityEntry.End = time.Now()
		db.logActivity()
		db.conn.Close()
	}
}

// RecordRun stores a finished lock run (if the DB is open). It does not block.
func (db *Connection) RecordRun(msg *RunMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	go deliver(db.runmsg, msg, db.done)
}

// RecordSetpoint stores one remote setpoint change (if the DB is open). It does not block.
func (db *Connection) RecordSetpoint(msg *SetpointMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	go deliver(db.setpointmsg, msg, db.done)
}

// deliver sends msg unless done closes first, and reports whether it was sent.
func deliver[T any](ch chan<- T, msg T, done <-chan struct{}) bool {
	select {
	case ch <- msg:
		return true
	case <-done:
		return false
	}
}

func (db *Connection) handleRunMessage(m *RunMessage) {
	if !db.IsConnected() {
		return
	}
	ctx := context.Background()
	const nowait = false
	if err := db.conn.AsyncInsert(ctx, `INSERT INTO lockruns VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		m.ID, db.activityEntry.ID, m.Device, m.NLasers, m.SampleRate, m.SamplesPerCycle,
		m.Start.Format(timeFormat), m.End.Format(timeFormat),
		m.Cycles, m.Underruns, m.NaNHolds, m.ExitReason,
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into lockruns ", err)
		db.err = err
	}
}

func (db *Connection) handleSetpointMessage(m *SetpointMessage) {
	if !db.IsConnected() {
		return
	}
	ctx := context.Background()
	const nowait = false
	if err := db.conn.AsyncInsert(ctx, `INSERT INTO setpointchanges VALUES (?, ?, ?, ?, ?, ?, ?)`, nowait,
		m.ID, db.activityEntry.ID, m.Laser, m.Label, m.FrequencyMHz, m.Remote, m.Time.Format(timeFormat),
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into setpointchanges ", err)
		db.err = err
	}
}
