// Package datarecording stores DTU traces in a SQLite database.
package datarecording

import (
	"database/sql"
	"fmt"
	"os"

	// Need to use SQLite connections.
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/xid"
	"github.com/tebeka/atexit"
)

// A TrafficEntry is one recorded NoC packet event.
type TrafficEntry struct {
	Time   float64
	Port   string
	MsgID  string
	Kind   string
	Bytes  int
	Result string
}

// A CommandEntry is one recorded DTU command start or completion.
type CommandEntry struct {
	Time   float64
	Dtu    string
	Opcode uint64
	Arg    uint64
	Result string
}

// A TraceDB records NoC traffic and DTU commands into two fixed tables,
// noc_traffic and dtu_commands. Entries are buffered and written in
// batches.
type TraceDB struct {
	db *sql.DB

	batchSize int
	traffic   []TrafficEntry
	commands  []CommandEntry
}

// Open creates the database file path + ".sqlite3" and the trace tables
// in it. An empty path selects a generated name.
// The buffered entries are flushed when the process exits.
func Open(path string) *TraceDB {
	if path == "" {
		path = "dtusim_trace_" + xid.New().String()
	}

	filename := path + ".sqlite3"

	_, err := os.Stat(filename)
	if err == nil {
		panic(fmt.Errorf("file %s already exists", filename))
	}

	fmt.Fprintf(os.Stderr, "Database created for recording: %s\n", filename)

	db, err := sql.Open("sqlite3", filename)
	if err != nil {
		panic(err)
	}

	t := &TraceDB{
		db:        db,
		batchSize: 100000,
	}

	t.mustExecute(`CREATE TABLE noc_traffic (
	Time REAL,
	Port TEXT,
	MsgID TEXT,
	Kind TEXT,
	Bytes INTEGER,
	Result TEXT
);`)
	t.mustExecute(`CREATE TABLE dtu_commands (
	Time REAL,
	Dtu TEXT,
	Opcode INTEGER,
	Arg INTEGER,
	Result TEXT
);`)

	atexit.Register(func() { t.Flush() })

	return t
}

// RecordTraffic buffers one NoC traffic entry.
func (t *TraceDB) RecordTraffic(entry TrafficEntry) {
	t.traffic = append(t.traffic, entry)
	t.flushIfFull()
}

// RecordCommand buffers one DTU command entry.
func (t *TraceDB) RecordCommand(entry CommandEntry) {
	t.commands = append(t.commands, entry)
	t.flushIfFull()
}

func (t *TraceDB) flushIfFull() {
	if len(t.traffic)+len(t.commands) >= t.batchSize {
		t.Flush()
	}
}

// Flush writes all buffered entries to the database.
func (t *TraceDB) Flush() {
	if len(t.traffic) == 0 && len(t.commands) == 0 {
		return
	}

	t.mustExecute("BEGIN TRANSACTION")
	defer t.mustExecute("COMMIT TRANSACTION")

	if len(t.traffic) > 0 {
		stmt := t.mustPrepare(
			"INSERT INTO noc_traffic VALUES (?, ?, ?, ?, ?, ?)")
		for _, e := range t.traffic {
			if _, err := stmt.Exec(e.Time, e.Port, e.MsgID, e.Kind,
				e.Bytes, e.Result); err != nil {
				panic(err)
			}
		}
		stmt.Close()
		t.traffic = nil
	}

	if len(t.commands) > 0 {
		stmt := t.mustPrepare(
			"INSERT INTO dtu_commands VALUES (?, ?, ?, ?, ?)")
		for _, e := range t.commands {
			if _, err := stmt.Exec(e.Time, e.Dtu, int64(e.Opcode),
				int64(e.Arg), e.Result); err != nil {
				panic(err)
			}
		}
		stmt.Close()
		t.commands = nil
	}
}

func (t *TraceDB) mustExecute(query string) sql.Result {
	res, err := t.db.Exec(query)
	if err != nil {
		fmt.Printf("Failed to execute: %s\n", query)
		panic(err)
	}

	return res
}

func (t *TraceDB) mustPrepare(query string) *sql.Stmt {
	stmt, err := t.db.Prepare(query)
	if err != nil {
		panic(err)
	}
	return stmt
}
