// Package store persists runs, combination rows and calibration rows to
// sqlite, or to postgres when given a postgres DSN.
package store

import (
	"context"
	"database/sql"
	"embed"
	"log/slog"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/mchmarny/kipple/pkg/portfolio"
	"github.com/mchmarny/kipple/pkg/report"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

const (
	DataFileName = "kipple.db"

	driverSQLite   = "sqlite"
	driverPostgres = "postgres"
)

var (
	//go:embed sql/*
	f embed.FS

	errDBNotInitialized = errors.New("database not initialized")
)

// Run describes one invocation.
type Run struct {
	ID         string    `json:"id" yaml:"id"`
	Command    string    `json:"command" yaml:"command"`
	Started    time.Time `json:"started" yaml:"started"`
	ConfigHash string    `json:"config_hash" yaml:"config_hash"`
	MaxFP      float64   `json:"max_fp" yaml:"max_fp"`
	Resolution int       `json:"resolution" yaml:"resolution"`
	Skipped    int       `json:"skipped" yaml:"skipped"`
}

// Combination is one stored (assignment, dataset) outcome.
type Combination struct {
	Seq        int     `json:"seq" yaml:"seq"`
	Models     string  `json:"models" yaml:"models"`
	Indices    string  `json:"indices" yaml:"indices"`
	Thresholds string  `json:"thresholds" yaml:"thresholds"`
	Dataset    string  `json:"dataset" yaml:"dataset"`
	Detected   int     `json:"detected" yaml:"detected"`
	Total      int     `json:"total" yaml:"total"`
	Rate       float64 `json:"rate" yaml:"rate"`
}

// Store wraps a database handle and its placeholder dialect.
type Store struct {
	db     *sql.DB
	driver string
}

// Open connects to dsn and creates the schema when missing. A DSN starting
// with postgres:// or postgresql:// selects postgres, anything else is an
// sqlite file path.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("dsn not specified")
	}

	driver := driverSQLite
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		driver = driverPostgres
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s database", driver)
	}

	b, err := f.ReadFile("sql/ddl.sql")
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to read the schema creation file")
	}
	if _, err := db.ExecContext(ctx, string(b)); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "failed to create %s database schema", driver)
	}
	slog.Debug("store ready", "driver", driver)

	return &Store{db: db, driver: driver}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the handle for ad hoc queries.
func (s *Store) DB() *sql.DB { return s.db }

// bind rewrites ? placeholders to $n for postgres.
func (s *Store) bind(q string) string {
	if s.driver != driverPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SaveRun records a run.
func (s *Store) SaveRun(ctx context.Context, r Run) error {
	if s == nil || s.db == nil {
		return errDBNotInitialized
	}
	q := s.bind(`INSERT INTO run (id, command, started, config_hash, max_fp, resolution, skipped)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, q, r.ID, r.Command, r.Started.UTC().Format(time.RFC3339),
		r.ConfigHash, r.MaxFP, r.Resolution, r.Skipped); err != nil {
		return errors.Wrapf(err, "failed to insert run: %s", r.ID)
	}
	return nil
}

// SaveCombinations writes one row per result and dataset in a single transaction.
func (s *Store) SaveCombinations(ctx context.Context, runID string, results []portfolio.Result) error {
	q := `INSERT INTO combination (run_id, seq, models, indices, thresholds, dataset,
		detected, total, rate, benign_fp, benign_total) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	return s.batch(ctx, q, func(stmt *sql.Stmt) error {
		for _, r := range results {
			models := strings.Join(r.Assignment.Models(), ",")
			indices := joinInts(r.Assignment.Indices())
			thresholds := joinThresholds(r.Assignment.Thresholds())
			for _, d := range r.Datasets {
				if _, err := stmt.ExecContext(ctx, runID, r.Seq, models, indices, thresholds, d.Dataset,
					d.Detected, d.Total, d.Rate(), d.BenignFP, d.BenignTotal); err != nil {
					return errors.Wrapf(err, "failed to insert combination %d", r.Seq)
				}
			}
		}
		return nil
	})
}

// SaveCalibration writes one row per model, FP target and dataset.
func (s *Store) SaveCalibration(ctx context.Context, runID string, rows []report.CalibrationRow) error {
	q := `INSERT INTO calibration (run_id, model, fp_target, threshold, dataset, detected, total, rate)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	return s.batch(ctx, q, func(stmt *sql.Stmt) error {
		for _, r := range rows {
			for _, d := range r.Datasets {
				for i, target := range r.Targets {
					if _, err := stmt.ExecContext(ctx, runID, r.Model, target, r.Thresholds[i], d.Dataset,
						d.Detected[i], d.Total, d.Rates[i]); err != nil {
						return errors.Wrapf(err, "failed to insert calibration: %s", r.Model)
					}
				}
			}
		}
		return nil
	})
}

func (s *Store) batch(ctx context.Context, q string, fn func(*sql.Stmt) error) error {
	if s == nil || s.db == nil {
		return errDBNotInitialized
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}

	stmt, err := tx.PrepareContext(ctx, s.bind(q))
	if err != nil {
		tx.Rollback()
		return errors.Wrap(err, "failed to prepare batch statement")
	}
	defer stmt.Close()

	if err := fn(stmt); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Wrapf(rbErr, "failed to rollback transaction after: %v", err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit transaction")
	}
	return nil
}

// Count returns the number of rows of a table for a run.
func (s *Store) Count(ctx context.Context, table, runID string) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errDBNotInitialized
	}
	switch table {
	case "run":
		table = "run WHERE id = ?"
	case "combination", "calibration":
		table += " WHERE run_id = ?"
	default:
		return 0, errors.Errorf("unknown table: %s", table)
	}

	var count int64
	if err := s.db.QueryRowContext(ctx, s.bind("SELECT COUNT(*) FROM "+table), runID).Scan(&count); err != nil {
		return 0, errors.Wrap(err, "failed to scan row")
	}
	return count, nil
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	if s == nil || s.db == nil {
		return nil, errDBNotInitialized
	}
	q := s.bind(`SELECT id, command, started, config_hash, max_fp, resolution, skipped
		FROM run ORDER BY started DESC, id DESC LIMIT ?`)
	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to execute run query")
	}
	defer rows.Close()

	list := make([]*Run, 0)
	for rows.Next() {
		r := &Run{}
		var started string
		if err := rows.Scan(&r.ID, &r.Command, &started, &r.ConfigHash, &r.MaxFP, &r.Resolution, &r.Skipped); err != nil {
			return nil, errors.Wrap(err, "failed to scan run row")
		}
		if r.Started, err = time.Parse(time.RFC3339, started); err != nil {
			return nil, errors.Wrapf(err, "invalid start time on run %s: %s", r.ID, started)
		}
		list = append(list, r)
	}
	return list, errors.Wrap(rows.Err(), "failed to iterate run rows")
}

// Top returns the best stored combinations of a run on one dataset,
// highest detection count first, earliest assignment winning ties.
func (s *Store) Top(ctx context.Context, runID, dataset string, limit int) ([]*Combination, error) {
	if s == nil || s.db == nil {
		return nil, errDBNotInitialized
	}
	q := s.bind(`SELECT seq, models, indices, thresholds, dataset, detected, total, rate
		FROM combination WHERE run_id = ? AND dataset = ?
		ORDER BY detected DESC, seq ASC LIMIT ?`)
	rows, err := s.db.QueryContext(ctx, q, runID, dataset, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to execute combination query")
	}
	defer rows.Close()

	list := make([]*Combination, 0)
	for rows.Next() {
		c := &Combination{}
		if err := rows.Scan(&c.Seq, &c.Models, &c.Indices, &c.Thresholds, &c.Dataset,
			&c.Detected, &c.Total, &c.Rate); err != nil {
			return nil, errors.Wrap(err, "failed to scan combination row")
		}
		list = append(list, c)
	}
	return list, errors.Wrap(rows.Err(), "failed to iterate combination rows")
}

func joinInts(v []int) string {
	parts := make([]string, len(v))
	for i, x := range v {
		parts[i] = strconv.Itoa(x)
	}
	return strings.Join(parts, ",")
}

func joinThresholds(v []float64) string {
	parts := make([]string, len(v))
	for i, x := range v {
		parts[i] = report.FormatThreshold(x)
	}
	return strings.Join(parts, ",")
}
