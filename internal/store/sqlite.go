package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	// sqlite3 driver
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/multierr"

	"github.com/san-kum/cryostat/internal/config"
)

const schema = `
CREATE TABLE IF NOT EXISTS loop_config (
	loop_id                     TEXT PRIMARY KEY,
	p                           REAL NOT NULL,
	i                           REAL NOT NULL,
	d                           REAL NOT NULL,
	target_setpoint             REAL NOT NULL,
	inverted_output             INTEGER NOT NULL,
	time_step_s                 REAL NOT NULL,
	output_limit_low            REAL NOT NULL,
	output_limit_high           REAL NOT NULL,
	proportional_on_measurement INTEGER NOT NULL,
	differential_on_measurement INTEGER NOT NULL,
	target_timeout_s            REAL NOT NULL,
	high_thresh                 REAL NOT NULL,
	control_pv                  TEXT NOT NULL,
	target_pv                   TEXT NOT NULL,
	enabled                     INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS loop_status (
	loop_id    TEXT PRIMARY KEY,
	status     TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
);`

const configColumns = `p, i, d, target_setpoint, inverted_output, time_step_s,
	output_limit_low, output_limit_high, proportional_on_measurement,
	differential_on_measurement, target_timeout_s, high_thresh, control_pv,
	target_pv, enabled`

// SQLite keeps loop records in a shared settings database. Operators and
// the dashboard edit rows directly; every read goes to the database.
type SQLite struct {
	db         *sql.DB
	readStmt   *sql.Stmt
	writeStmt  *sql.Stmt
	statusStmt *sql.Stmt
}

func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, multierr.Append(fmt.Errorf("store: create schema: %w", err), db.Close())
	}

	s := &SQLite{db: db}
	prepare := func(dst **sql.Stmt, query string) {
		if err != nil {
			return
		}
		*dst, err = db.Prepare(query)
	}
	prepare(&s.readStmt, `SELECT `+configColumns+` FROM loop_config WHERE loop_id = ?`)
	prepare(&s.writeStmt, `INSERT OR REPLACE INTO loop_config (loop_id, `+configColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	prepare(&s.statusStmt, `INSERT OR REPLACE INTO loop_status (loop_id, status, updated_at) VALUES (?, ?, ?)`)
	if err != nil {
		return nil, multierr.Append(err, s.Close())
	}
	return s, nil
}

func (s *SQLite) ReadLoopConfig(ctx context.Context, id string) (config.LoopConfig, error) {
	var c config.LoopConfig
	err := s.readStmt.QueryRowContext(ctx, id).Scan(
		&c.P, &c.I, &c.D, &c.TargetSetpoint, &c.InvertedOutput, &c.TimeStepS,
		&c.OutputLimitLow, &c.OutputLimitHigh, &c.ProportionalOnMeasurement,
		&c.DifferentialOnMeasurement, &c.TargetTimeoutS, &c.HighThresh,
		&c.ControlPV, &c.TargetPV, &c.Enabled,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return config.LoopConfig{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return c, err
}

func (s *SQLite) WriteLoopConfig(ctx context.Context, id string, c config.LoopConfig) error {
	_, err := s.writeStmt.ExecContext(ctx, id,
		c.P, c.I, c.D, c.TargetSetpoint, c.InvertedOutput, c.TimeStepS,
		c.OutputLimitLow, c.OutputLimitHigh, c.ProportionalOnMeasurement,
		c.DifferentialOnMeasurement, c.TargetTimeoutS, c.HighThresh,
		c.ControlPV, c.TargetPV, c.Enabled,
	)
	return err
}

func (s *SQLite) WriteLoopStatus(ctx context.Context, id string, status string) error {
	_, err := s.statusStmt.ExecContext(ctx, id, status, time.Now().UTC())
	return err
}

func (s *SQLite) LoopStatus(ctx context.Context, id string) (string, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM loop_status WHERE loop_id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return status, err
}

func (s *SQLite) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT loop_id FROM loop_config ORDER BY loop_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLite) Close() error {
	var err error
	for _, stmt := range []*sql.Stmt{s.readStmt, s.writeStmt, s.statusStmt} {
		if stmt != nil {
			err = multierr.Append(err, stmt.Close())
		}
	}
	return multierr.Append(err, s.db.Close())
}
