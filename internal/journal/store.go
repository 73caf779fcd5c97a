// Package journal provides the durable transition log: an append-only
// record of presence events backed by SQLite. The monitor writes every
// confirmed transition here, the bot reads it for statistics, and on
// startup the last entry per device reseeds the state machine so a
// restart never re-announces a state that was already logged.
//
// Rows are tagged either "seed" (initial sighting, not a transition)
// or "transition". The tag removes the ambiguity of inferring "first
// ever sighting" from the absence of history.
package journal

import (
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/chaollapark/homelab/internal/presence"
)

// Row kinds.
const (
	KindSeed       = "seed"
	KindTransition = "transition"
)

// Entry is one journal row.
type Entry struct {
	ID       string
	DeviceID string
	Name     string
	Kind     string // KindSeed or KindTransition
	// Event is "arrived"/"departed" for transitions and
	// "present"/"absent" for seeds.
	Event string
	At    time.Time
}

// Stats summarizes the whole journal for the /stats command.
type Stats struct {
	Transitions   int
	Arrivals      int
	Departures    int
	DaysTracked   int
	UniqueDevices int
}

// DaySummary is one day's activity for the /week command.
type DaySummary struct {
	Day        string // local date, YYYY-MM-DD
	Arrivals   int
	Departures int
}

// Store is the SQLite-backed transition log. All public methods are
// safe for concurrent use (SQLite serializes writes); the monitor and
// the bot share one Store.
type Store struct {
	db *sql.DB
}

// NewStore opens (creating if needed) the journal database at the
// given path. The schema is created automatically on first use.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS presence_log (
		id        TEXT PRIMARY KEY,
		device_id TEXT NOT NULL,
		name      TEXT NOT NULL,
		kind      TEXT NOT NULL CHECK (kind IN ('seed', 'transition')),
		event     TEXT NOT NULL,
		at        TEXT NOT NULL,
		day       TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_presence_log_device
		ON presence_log (device_id, at);
	CREATE INDEX IF NOT EXISTS idx_presence_log_day
		ON presence_log (day);
	`
	_, err := s.db.Exec(schema)
	return err
}

// insert appends one row. The day column is the event's local date so
// that per-day queries match what the household clock says, not UTC.
func (s *Store) insert(id, deviceID, name, kind, event string, at time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO presence_log (id, device_id, name, kind, event, at, day)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, deviceID, name, kind, event,
		at.UTC().Format(time.RFC3339),
		at.Local().Format("2006-01-02"),
	)
	if err != nil {
		return fmt.Errorf("append %s %s/%s: %w", kind, deviceID, event, err)
	}
	return nil
}

// Append records a confirmed transition.
func (s *Store) Append(ev *presence.TransitionEvent) error {
	return s.insert(ev.ID, ev.DeviceID, ev.Name, KindTransition, ev.Direction.String(), ev.At)
}

// AppendSeed records an initial sighting. Seed rows participate in
// LastState but never in transition statistics.
func (s *Store) AppendSeed(id, deviceID, name string, state presence.State, at time.Time) error {
	return s.insert(id, deviceID, name, KindSeed, state.Confirmed().String(), at)
}

// LastState returns the device's state as of its most recent journal
// row, seed or transition. The bool is false when the device has no
// history.
func (s *Store) LastState(deviceID string) (presence.State, bool, error) {
	var event string
	err := s.db.QueryRow(
		`SELECT event FROM presence_log
		 WHERE device_id = ?
		 ORDER BY at DESC, rowid DESC LIMIT 1`,
		deviceID,
	).Scan(&event)
	if err == sql.ErrNoRows {
		return presence.Absent, false, nil
	}
	if err != nil {
		return presence.Absent, false, fmt.Errorf("last state %s: %w", deviceID, err)
	}

	switch event {
	case "arrived", "present":
		return presence.Present, true, nil
	case "departed", "absent":
		return presence.Absent, true, nil
	default:
		return presence.Absent, false, fmt.Errorf("last state %s: unknown event %q", deviceID, event)
	}
}

// Stats returns whole-journal statistics over transition rows.
func (s *Store) Stats() (Stats, error) {
	var st Stats
	err := s.db.QueryRow(
		`SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN event = 'arrived' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN event = 'departed' THEN 1 ELSE 0 END), 0),
			COUNT(DISTINCT day),
			COUNT(DISTINCT device_id)
		 FROM presence_log WHERE kind = 'transition'`,
	).Scan(&st.Transitions, &st.Arrivals, &st.Departures, &st.DaysTracked, &st.UniqueDevices)
	if err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	return st, nil
}

// DayEvents returns the transitions recorded on the given local date,
// oldest first.
func (s *Store) DayEvents(day time.Time) ([]Entry, error) {
	rows, err := s.db.Query(
		`SELECT id, device_id, name, kind, event, at FROM presence_log
		 WHERE kind = 'transition' AND day = ?
		 ORDER BY at, rowid`,
		day.Local().Format("2006-01-02"),
	)
	if err != nil {
		return nil, fmt.Errorf("day events: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// WeekSummary returns per-day arrival/departure counts for the seven
// local days ending today, most recent first. Days with no activity
// are omitted.
func (s *Store) WeekSummary(now time.Time) ([]DaySummary, error) {
	since := now.Local().AddDate(0, 0, -6).Format("2006-01-02")
	rows, err := s.db.Query(
		`SELECT day,
			SUM(CASE WHEN event = 'arrived' THEN 1 ELSE 0 END),
			SUM(CASE WHEN event = 'departed' THEN 1 ELSE 0 END)
		 FROM presence_log
		 WHERE kind = 'transition' AND day >= ?
		 GROUP BY day ORDER BY day DESC`,
		since,
	)
	if err != nil {
		return nil, fmt.Errorf("week summary: %w", err)
	}
	defer rows.Close()

	var out []DaySummary
	for rows.Next() {
		var d DaySummary
		if err := rows.Scan(&d.Day, &d.Arrivals, &d.Departures); err != nil {
			return nil, fmt.Errorf("week summary scan: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Recent returns the most recent transitions, newest first, capped at
// limit. Used by the status command.
func (s *Store) Recent(limit int) ([]Entry, error) {
	rows, err := s.db.Query(
		`SELECT id, device_id, name, kind, event, at FROM presence_log
		 WHERE kind = 'transition'
		 ORDER BY at DESC, rowid DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// ExportCSV writes the full journal as CSV, one row per event with
// both UTC timestamp and local date/time columns for spreadsheet use.
func (s *Store) ExportCSV(w io.Writer) error {
	rows, err := s.db.Query(
		`SELECT id, device_id, name, kind, event, at FROM presence_log
		 ORDER BY at, rowid`,
	)
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	defer rows.Close()

	entries, err := scanEntries(rows)
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}

	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"timestamp", "date", "time", "day_of_week", "kind", "event", "name", "device_id"}); err != nil {
		return fmt.Errorf("export header: %w", err)
	}
	for _, e := range entries {
		local := e.At.Local()
		rec := []string{
			e.At.UTC().Format(time.RFC3339),
			local.Format("2006-01-02"),
			local.Format("15:04:05"),
			local.Format("Monday"),
			e.Kind,
			e.Event,
			e.Name,
			e.DeviceID,
		}
		if err := cw.Write(rec); err != nil {
			return fmt.Errorf("export row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var out []Entry
	for rows.Next() {
		var e Entry
		var at string
		if err := rows.Scan(&e.ID, &e.DeviceID, &e.Name, &e.Kind, &e.Event, &at); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		parsed, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return nil, fmt.Errorf("parse at %q: %w", at, err)
		}
		e.At = parsed
		out = append(out, e)
	}
	return out, rows.Err()
}
