package trace

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/chazu/lumen/vm"
	_ "modernc.org/sqlite"
)

const createCycles = `CREATE TABLE IF NOT EXISTS cycles (
	instance      TEXT    NOT NULL,
	cycle         INTEGER NOT NULL,
	kind          TEXT    NOT NULL,
	live_bytes    INTEGER NOT NULL,
	marked_bytes  INTEGER NOT NULL,
	freed_bytes   INTEGER NOT NULL,
	freed_objects INTEGER NOT NULL,
	finalized     INTEGER NOT NULL,
	objects       INTEGER NOT NULL,
	emergency     INTEGER NOT NULL,
	duration_ns   INTEGER NOT NULL,
	at_us         INTEGER NOT NULL,
	PRIMARY KEY (instance, cycle)
)`

const insertCycle = `INSERT OR REPLACE INTO cycles
	(instance, cycle, kind, live_bytes, marked_bytes, freed_bytes, freed_objects,
	 finalized, objects, emergency, duration_ns, at_us)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// SQLiteSink stores cycle records in the cycles table of a SQLite
// database.
type SQLiteSink struct {
	mu     sync.Mutex
	db     *sql.DB
	insert *sql.Stmt
	err    error
}

// OpenSQLite opens (creating if needed) the database at path. ":memory:"
// gives a private in-memory database.
func OpenSQLite(path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection keeps an in-memory database alive and serializes
	// writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec(createCycles); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}
	stmt, err := db.Prepare(insertCycle)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("preparing insert: %w", err)
	}
	log.Debugf("recording cycles in %s", path)
	return &SQLiteSink{db: db, insert: stmt}, nil
}

// TraceCycle inserts c. After the first error further records are
// dropped.
func (s *SQLiteSink) TraceCycle(c vm.CycleStats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return
	}
	_, err := s.insert.Exec(
		c.Instance, int64(c.Cycle), c.Kind, c.LiveBytes, c.MarkedBytes,
		c.FreedBytes, c.FreedObjects, c.Finalized, c.Objects, c.Emergency,
		int64(c.Duration), c.Time.UnixMicro(),
	)
	if err != nil {
		s.err = fmt.Errorf("saving cycle %d: %w", c.Cycle, err)
		log.Errorf("%s", s.err)
	}
}

// Cycles returns the stored records of instance in cycle order. An empty
// instance selects every record.
func (s *SQLiteSink) Cycles(ctx context.Context, instance string) ([]vm.CycleStats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT instance, cycle, kind, live_bytes,
		marked_bytes, freed_bytes, freed_objects, finalized, objects, emergency,
		duration_ns, at_us FROM cycles WHERE ? = '' OR instance = ?
		ORDER BY instance, cycle`, instance, instance)
	if err != nil {
		return nil, fmt.Errorf("querying cycles: %w", err)
	}
	defer rows.Close()

	var out []vm.CycleStats
	for rows.Next() {
		var c vm.CycleStats
		var cycle, dur, at int64
		if err := rows.Scan(&c.Instance, &cycle, &c.Kind, &c.LiveBytes, &c.MarkedBytes,
			&c.FreedBytes, &c.FreedObjects, &c.Finalized, &c.Objects, &c.Emergency,
			&dur, &at); err != nil {
			return nil, fmt.Errorf("scanning cycle: %w", err)
		}
		c.Cycle = uint64(cycle)
		c.Duration = time.Duration(dur)
		c.Time = time.UnixMicro(at)
		out = append(out, c)
	}
	return out, rows.Err()
}

// Err returns the first insert error.
func (s *SQLiteSink) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close closes the database.
func (s *SQLiteSink) Close() error {
	s.insert.Close()
	return s.db.Close()
}
