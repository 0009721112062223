// Package store archives fit runs in a SQLite database.
package store

import (
	"bytes"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/mariajmellado/frankenstein2D/frank"
	"github.com/mariajmellado/frankenstein2D/monitoring"
)

// schema.sql creates the fit_runs table.
//
//go:embed schema.sql
var schemaSQL string

// ErrNotFound is returned by Get for an unknown run ID.
var ErrNotFound = errors.New("store: run not found")

// Run is one archived fit.
type Run struct {
	ID            string
	CreatedAt     time.Time
	UVTable       string // source table path, may be empty
	Rmax          float64
	N             int
	Nu            int
	Alpha         float64
	P0            float64
	Smooth        float64
	Converged     bool
	Iterations    int
	Factorization string
	LogLikelihood float64 // log P(V | p) at the MAP spectrum
	Result        []byte  // frank.Result.Save output
}

// NewRun summarizes res for archiving.
func NewRun(res *frank.Result, uvtable string) (*Run, error) {
	var buf bytes.Buffer
	if err := res.Save(&buf); err != nil {
		return nil, err
	}
	like, err := res.Solution.LogLikelihood(nil)
	if err != nil {
		return nil, err
	}
	alpha, p0, smooth := res.Hyperparameters()
	sol := res.Solution
	return &Run{
		UVTable:       uvtable,
		Rmax:          sol.Rmax(),
		N:             sol.Size(),
		Nu:            sol.Order(),
		Alpha:         alpha,
		P0:            p0,
		Smooth:        smooth,
		Converged:     res.Converged,
		Iterations:    res.Iterations,
		Factorization: res.Factorization.String(),
		LogLikelihood: like,
		Result:        buf.Bytes(),
	}, nil
}

// Decode restores the archived fit.
func (r *Run) Decode() (*frank.Result, error) {
	return frank.LoadResult(bytes.NewReader(r.Result))
}

// Store is a SQLite-backed run archive.
type Store struct {
	*sql.DB
}

// Open opens or creates the archive at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	monitoring.Logf("store: opened run archive %s", path)
	return &Store{db}, nil
}

// Insert archives r, assigning an ID and creation time when unset.
func (s *Store) Insert(r *Run) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO fit_runs (
			run_id, created_unix_nanos, uvtable, rmax, n, nu, alpha, p0, wsmooth,
			converged, iterations, factorization, log_likelihood, result
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	err := retryOnBusy(func() error {
		_, err := s.Exec(query,
			r.ID, r.CreatedAt.UnixNano(), r.UVTable, r.Rmax, r.N, r.Nu, r.Alpha, r.P0, r.Smooth,
			r.Converged, r.Iterations, r.Factorization, r.LogLikelihood, r.Result,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to insert run %s: %w", r.ID, err)
	}
	return nil
}

const selectRun = `
	SELECT run_id, created_unix_nanos, uvtable, rmax, n, nu, alpha, p0, wsmooth,
		converged, iterations, factorization, log_likelihood, result
	FROM fit_runs
`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var (
		r       Run
		created int64
	)
	err := row.Scan(&r.ID, &created, &r.UVTable, &r.Rmax, &r.N, &r.Nu, &r.Alpha, &r.P0, &r.Smooth,
		&r.Converged, &r.Iterations, &r.Factorization, &r.LogLikelihood, &r.Result)
	if err != nil {
		return nil, err
	}
	r.CreatedAt = time.Unix(0, created)
	return &r, nil
}

// Get returns the run with the given ID.
func (s *Store) Get(id string) (*Run, error) {
	r, err := scanRun(s.QueryRow(selectRun+" WHERE run_id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run %s: %w", id, err)
	}
	return r, nil
}

// List returns all runs, oldest first.
func (s *Store) List() ([]*Run, error) {
	rows, err := s.Query(selectRun + " ORDER BY created_unix_nanos, run_id")
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

const (
	maxBusyRetries = 5
	busyBackoff    = 50 * time.Millisecond
)

// retryOnBusy retries fn with linear backoff while SQLite reports a lock.
func retryOnBusy(fn func() error) error {
	var err error
	for attempt := 0; attempt < maxBusyRetries; attempt++ {
		err = fn()
		if !isSQLiteBusy(err) {
			return err
		}
		time.Sleep(time.Duration(attempt+1) * busyBackoff)
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}
