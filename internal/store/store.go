// Package store is the Measurement Store (spec §4.2, C2): durable
// persistence for measurements, shots and config over a pure-Go SQLite
// driver, plus an in-memory write-behind buffer so the 10Hz hot path never
// blocks on disk I/O. The SQL connection and the pending buffer are owned
// exclusively by Store (spec §3 "Ownership"); any range read is served from
// the union of persisted rows and the pending buffer.
package store

import (
	"context"
	"database/sql"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"gesha/errcode"
	"gesha/internal/clockutil"
	"gesha/types"
)

const driverName = "sqlite"

const schema = `
CREATE TABLE IF NOT EXISTS measurement (
	time                INTEGER NOT NULL,
	target_temp_c       REAL NOT NULL,
	boiler_temp_c        REAL NOT NULL,
	grouphead_temp_c     REAL NOT NULL,
	thermofilter_temp_c  REAL,
	power               INTEGER NOT NULL,
	heat_level          REAL,
	pull                INTEGER NOT NULL,
	steam               INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_measurement_time ON measurement(time);

CREATE TABLE IF NOT EXISTS shot (
	start_time             INTEGER NOT NULL,
	end_time               INTEGER NOT NULL,
	total_time             INTEGER NOT NULL,
	brew_temp_average_c    REAL NOT NULL,
	grouphead_temp_avg_c   REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_shot_start ON shot(start_time);

CREATE TABLE IF NOT EXISTS config (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// Store is the embedded relational store for gesha (spec §6).
type Store struct {
	db    *sql.DB
	clock clockutil.Clock
	log   *logrus.Entry

	mu      sync.Mutex
	pending []types.Measurement

	writerCancel context.CancelFunc
	writerDone   chan struct{}
}

// Open opens (creating if absent) the SQLite database at path and applies
// migrations (spec §6: "Migrations applied on open; file is created if
// absent").
func Open(path string, log *logrus.Entry) (*Store, error) {
	db, err := sql.Open(driverName, path)
	if err != nil {
		return nil, &errcode.E{C: errcode.PermanentIO, Op: "store.Open", Err: err}
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: single writer, serialize access
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, &errcode.E{C: errcode.PermanentIO, Op: "store.migrate", Err: err}
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Store{db: db, clock: clockutil.System, log: log.WithField("component", "store")}, nil
}

// Close releases the underlying database handle. Callers should StopWriter
// first to guarantee buffered rows are flushed.
func (s *Store) Close() error { return s.db.Close() }

// WriteMeasurementEnqueue appends m to the in-memory buffer in O(1). It
// never touches the database and never blocks (spec §4.2).
func (s *Store) WriteMeasurementEnqueue(m types.Measurement) {
	s.mu.Lock()
	s.pending = append(s.pending, m)
	s.mu.Unlock()
}

// StartWriter spawns the cooperative drain task. On every tick, and once
// more on shutdown, it writes all buffered rows in a single multi-row
// insert; missed ticks are coalesced, not queued (spec §4.2).
func (s *Store) StartWriter(interval time.Duration) {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.writerCancel = cancel
	s.writerDone = make(chan struct{})

	go func() {
		defer close(s.writerDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.drain()
				return
			case <-ticker.C:
				s.drain()
			}
		}
	}()
}

// StopWriter signals cancellation, then waits for the final drain to
// complete before returning — no in-memory measurement is lost on graceful
// shutdown (spec §4.2/§5).
func (s *Store) StopWriter() {
	if s.writerCancel == nil {
		return
	}
	s.writerCancel()
	<-s.writerDone
}

func (s *Store) drain() {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	if err := s.writeBatch(batch); err != nil {
		// Write failures are logged and dropped; they never propagate up
		// the hot path (spec §4.2/§7).
		s.log.WithError(err).Warn("measurement batch write failed; rows dropped")
	}
}

func (s *Store) writeBatch(batch []types.Measurement) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT INTO measurement
		(time, target_temp_c, boiler_temp_c, grouphead_temp_c, thermofilter_temp_c, power, heat_level, pull, steam)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, m := range batch {
		var thermofilter any
		if m.ThermofilterTempC != nil {
			thermofilter = float64(*m.ThermofilterTempC)
		}
		var heatLevel any
		if m.HeatLevel != nil {
			heatLevel = float64(*m.HeatLevel)
		}
		if _, err := stmt.Exec(
			m.TimeMs, float64(m.TargetTempC), float64(m.BoilerTempC), float64(m.GroupheadTempC),
			thermofilter, boolToInt(m.Power), heatLevel, boolToInt(m.Pull), boolToInt(m.Steam),
		); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// WriteConfig upserts a config item by key (spec §4.2).
func (s *Store) WriteConfig(item types.ConfigItem) error {
	_, err := s.db.Exec(
		`INSERT INTO config(key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		item.Key, item.Value,
	)
	return err
}

// ReadConfig returns every persisted config item as a map.
func (s *Store) ReadConfig() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT key, value FROM config`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

// WriteShot computes averages over measurements in [start,end] (persisted
// union pending) and writes the shot row atomically. Fails with
// NoMeasurementsInRange when both sources are empty (spec §4.2).
func (s *Store) WriteShot(startMs, endMs int64) (types.Shot, error) {
	ms, err := s.ReadMeasurements(types.Range{FromMs: startMs - 1, ToMs: endMs + 1})
	if err != nil {
		return types.Shot{}, err
	}
	if len(ms) == 0 {
		return types.Shot{}, &errcode.E{C: errcode.NoMeasurementsInRange, Op: "store.WriteShot"}
	}

	var boilerSum, groupheadSum float64
	for _, m := range ms {
		boilerSum += float64(m.BoilerTempC)
		groupheadSum += float64(m.GroupheadTempC)
	}
	n := float64(len(ms))
	shot := types.Shot{
		StartTimeMs:       startMs,
		EndTimeMs:         endMs,
		TotalTimeMs:       endMs - startMs,
		BrewTempAverageC:  float32(boilerSum / n),
		GroupheadTempAvgC: float32(groupheadSum / n),
	}

	_, err = s.db.Exec(
		`INSERT INTO shot(start_time, end_time, total_time, brew_temp_average_c, grouphead_temp_avg_c)
		 VALUES (?, ?, ?, ?, ?)`,
		shot.StartTimeMs, shot.EndTimeMs, shot.TotalTimeMs, float64(shot.BrewTempAverageC), float64(shot.GroupheadTempAvgC),
	)
	if err != nil {
		return types.Shot{}, err
	}
	return shot, nil
}

// ReadMeasurements returns measurements with from < time < to, ordered by time
// ascending, served from the union of persisted rows and the pending
// buffer (spec §4.2). SQL ordering is not trusted; the merged result is
// re-sorted. If Range.BucketSizeMs is set, the ordered stream is bucketed
// into contiguous windows and each window collapses to its median-boiler
// sample.
func (s *Store) ReadMeasurements(r types.Range) ([]types.Measurement, error) {
	persisted, err := s.queryMeasurements(r.FromMs, r.ToMs)
	if err != nil {
		return nil, err
	}
	pending := s.pendingInRange(r.FromMs, r.ToMs)

	all := append(persisted, pending...)
	sort.Slice(all, func(i, j int) bool { return all[i].TimeMs < all[j].TimeMs })

	if r.BucketSizeMs != nil && *r.BucketSizeMs > 0 {
		all = bucketByMedianBoiler(all, r.FromMs, *r.BucketSizeMs)
	}

	if r.Limit != nil && *r.Limit >= 0 && int64(len(all)) > *r.Limit {
		all = all[:*r.Limit]
	}
	return all, nil
}

func (s *Store) queryMeasurements(from, to int64) ([]types.Measurement, error) {
	rows, err := s.db.Query(
		`SELECT time, target_temp_c, boiler_temp_c, grouphead_temp_c, thermofilter_temp_c, power, heat_level, pull, steam
		 FROM measurement WHERE time > ? AND time < ?`,
		from, to,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Measurement
	for rows.Next() {
		var m types.Measurement
		var thermofilter, heatLevel sql.NullFloat64
		var power, pull, steam int
		if err := rows.Scan(&m.TimeMs, &m.TargetTempC, &m.BoilerTempC, &m.GroupheadTempC,
			&thermofilter, &power, &heatLevel, &pull, &steam); err != nil {
			return nil, err
		}
		if thermofilter.Valid {
			v := float32(thermofilter.Float64)
			m.ThermofilterTempC = &v
		}
		if heatLevel.Valid {
			v := float32(heatLevel.Float64)
			m.HeatLevel = &v
		}
		m.Power = power != 0
		m.Pull = pull != 0
		m.Steam = steam != 0
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) pendingInRange(from, to int64) []types.Measurement {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Measurement
	for _, m := range s.pending {
		if m.TimeMs > from && m.TimeMs < to {
			out = append(out, m)
		}
	}
	return out
}

// ReadShots returns persisted shots with from < start_time < to.
func (s *Store) ReadShots(r types.Range) ([]types.Shot, error) {
	rows, err := s.db.Query(
		`SELECT start_time, end_time, total_time, brew_temp_average_c, grouphead_temp_avg_c
		 FROM shot WHERE start_time > ? AND start_time < ? ORDER BY start_time ASC`,
		r.FromMs, r.ToMs,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Shot
	for rows.Next() {
		var sh types.Shot
		if err := rows.Scan(&sh.StartTimeMs, &sh.EndTimeMs, &sh.TotalTimeMs, &sh.BrewTempAverageC, &sh.GroupheadTempAvgC); err != nil {
			return nil, err
		}
		out = append(out, sh)
	}
	if r.Limit != nil && *r.Limit >= 0 && int64(len(out)) > *r.Limit {
		out = out[:*r.Limit]
	}
	return out, rows.Err()
}

// bucketByMedianBoiler partitions an ascending-time stream into contiguous
// windows of length bucketMs starting at from, and replaces each non-empty
// window with its median-by-boiler-temp sample (spec §4.2/§8). NaN sorts as
// greatest, matching a total ordering over float compares.
func bucketByMedianBoiler(ordered []types.Measurement, from, bucketMs int64) []types.Measurement {
	if len(ordered) == 0 {
		return nil
	}
	var out []types.Measurement
	windowStart := from
	var window []types.Measurement

	flush := func() {
		if len(window) == 0 {
			return
		}
		out = append(out, medianByBoiler(window))
		window = nil
	}

	for _, m := range ordered {
		for m.TimeMs >= windowStart+bucketMs {
			flush()
			windowStart += bucketMs
		}
		window = append(window, m)
	}
	flush()
	return out
}

func medianByBoiler(window []types.Measurement) types.Measurement {
	sorted := make([]types.Measurement, len(window))
	copy(sorted, window)
	sort.Slice(sorted, func(i, j int) bool {
		return lessTotalOrder(sorted[i].BoilerTempC, sorted[j].BoilerTempC)
	})
	return sorted[len(sorted)/2]
}

// lessTotalOrder imposes a total order over float32 where NaN is greatest,
// per spec §4.2's bucketing rule.
func lessTotalOrder(a, b float32) bool {
	aNaN, bNaN := math.IsNaN(float64(a)), math.IsNaN(float64(b))
	switch {
	case aNaN && bNaN:
		return false
	case aNaN:
		return false
	case bNaN:
		return true
	default:
		return a < b
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

