package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/halcyon-data/weather-relay/internal/model"
)

// SQLiteJournal implements Journal using modernc.org/sqlite.
type SQLiteJournal struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteJournal{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS dropped_batches (
	id           TEXT PRIMARY KEY,
	batch_id     TEXT NOT NULL,
	cycle        INTEGER NOT NULL,
	records      TEXT NOT NULL,
	record_count INTEGER NOT NULL,
	reason       TEXT NOT NULL,
	attempts     INTEGER NOT NULL,
	last_error   TEXT,
	dropped_at   DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_dropped_batches_reason ON dropped_batches(reason);
CREATE INDEX IF NOT EXISTS idx_dropped_batches_dropped_at ON dropped_batches(dropped_at);
`

func (s *SQLiteJournal) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteJournal) Close() error {
	return s.db.Close()
}

func (s *SQLiteJournal) RecordDrop(ctx context.Context, batch model.ShipBatch, reason string) error {
	recordsJSON, err := json.Marshal(batch.Records)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal records")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO dropped_batches (id, batch_id, cycle, records, record_count, reason, attempts, last_error, dropped_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), batch.ID, batch.Cycle, string(recordsJSON), len(batch.Records),
		reason, batch.Attempts, batch.LastError, time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: record drop %s", batch.ID)
}

func (s *SQLiteJournal) ListDrops(ctx context.Context, filter DropFilter) ([]DroppedBatch, error) {
	query := `SELECT id, batch_id, cycle, records, reason, attempts, last_error, dropped_at
	          FROM dropped_batches WHERE 1=1`
	var args []any

	if filter.Reason != "" {
		query += ` AND reason = ?`
		args = append(args, filter.Reason)
	}
	query += ` ORDER BY dropped_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list drops")
	}
	defer rows.Close()

	var drops []DroppedBatch
	for rows.Next() {
		var d DroppedBatch
		var recordsJSON string
		var lastError sql.NullString
		if err := rows.Scan(&d.ID, &d.BatchID, &d.Cycle, &recordsJSON, &d.Reason, &d.Attempts, &lastError, &d.DroppedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan drop")
		}
		if err := json.Unmarshal([]byte(recordsJSON), &d.Records); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal records")
		}
		d.LastError = lastError.String
		drops = append(drops, d)
	}
	return drops, eris.Wrap(rows.Err(), "sqlite: list drops iterate")
}

func (s *SQLiteJournal) GetDrop(ctx context.Context, id string) (*DroppedBatch, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, batch_id, cycle, records, reason, attempts, last_error, dropped_at
		 FROM dropped_batches WHERE id = ?`,
		id,
	)

	var d DroppedBatch
	var recordsJSON string
	var lastError sql.NullString
	err := row.Scan(&d.ID, &d.BatchID, &d.Cycle, &recordsJSON, &d.Reason, &d.Attempts, &lastError, &d.DroppedAt)
	if err == sql.ErrNoRows {
		return nil, eris.New("drop not found")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan drop")
	}
	if err := json.Unmarshal([]byte(recordsJSON), &d.Records); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal records")
	}
	d.LastError = lastError.String
	return &d, nil
}

func (s *SQLiteJournal) CountDrops(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dropped_batches`).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count drops")
}
