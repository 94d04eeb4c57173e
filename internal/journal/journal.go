// Package journal keeps a durable record of finished secure transactions.
package journal

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/SimplyPrint/calypso-agent/internal/calypso"
	"github.com/SimplyPrint/calypso-agent/internal/logging"
)

//go:embed schema.sql
var schemaSQL string

const schemaVersion = 1

// writeTimeout bounds a Record call, which has no context of its own.
const writeTimeout = 5 * time.Second

// ErrNotFound is returned by Get for an unknown transaction.
var ErrNotFound = errors.New("transaction not found")

// Store is a SQLite transaction journal. It implements calypso.Recorder.
type Store struct {
	db *sql.DB
}

// Open creates or opens the journal at path. Use ":memory:" for a
// throwaway journal.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite has a single writer; one connection also keeps :memory: alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
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
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		db.Close()
		return nil, fmt.Errorf("set user_version: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Record writes rec, logging failures. Sessions never fail because the
// journal did.
func (s *Store) Record(rec calypso.TransactionRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := s.Write(ctx, rec); err != nil {
		logging.Error(logging.CatJournal, "Failed to journal transaction", map[string]any{
			"id":    rec.ID,
			"error": err.Error(),
		})
	}
}

// Write inserts rec. Writing the same ID twice is a no-op. Records without
// an ID get a fresh one.
func (s *Store) Write(ctx context.Context, rec calypso.TransactionRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	} else if _, err := uuid.Parse(rec.ID); err != nil {
		return fmt.Errorf("write transaction: invalid id %q: %w", rec.ID, err)
	}
	transcript, err := EncodeTranscript(rec.Exchanges)
	if err != nil {
		return fmt.Errorf("write transaction: %w", err)
	}
	var balance sql.NullInt64
	if rec.Balance != nil {
		balance = sql.NullInt64{Int64: int64(*rec.Balance), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO transactions
		(id, serial, family, level, sub_sessions, outcome, error, started_at, finished_at, balance, digest, transcript)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		rec.ID,
		rec.Serial,
		rec.Family,
		rec.Level,
		rec.SubSessions,
		string(rec.Outcome),
		rec.Error,
		rec.StartedAt.UnixNano(),
		rec.FinishedAt.UnixNano(),
		balance,
		rec.TranscriptDigest,
		transcript,
	)
	if err != nil {
		return fmt.Errorf("write transaction: %w", err)
	}
	logging.Debug(logging.CatJournal, "Transaction journaled", map[string]any{
		"id":      rec.ID,
		"serial":  rec.Serial,
		"outcome": string(rec.Outcome),
	})
	return nil
}

const selectColumns = `id, serial, family, level, sub_sessions, outcome, error, started_at, finished_at, balance, digest, transcript`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (calypso.TransactionRecord, error) {
	var (
		rec               calypso.TransactionRecord
		outcome           string
		started, finished int64
		balance           sql.NullInt64
		transcript        []byte
	)
	err := row.Scan(&rec.ID, &rec.Serial, &rec.Family, &rec.Level, &rec.SubSessions, &outcome,
		&rec.Error, &started, &finished, &balance, &rec.TranscriptDigest, &transcript)
	if err != nil {
		return rec, err
	}
	rec.Outcome = calypso.Outcome(outcome)
	rec.StartedAt = time.Unix(0, started).UTC()
	rec.FinishedAt = time.Unix(0, finished).UTC()
	if balance.Valid {
		b := int(balance.Int64)
		rec.Balance = &b
	}
	if rec.Exchanges, err = DecodeTranscript(transcript); err != nil {
		return rec, fmt.Errorf("transaction %s: %w", rec.ID, err)
	}
	return rec, nil
}

// Get returns the transaction with the given ID.
func (s *Store) Get(ctx context.Context, id string) (calypso.TransactionRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM transactions WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, fmt.Errorf("get transaction: %w", err)
	}
	return rec, nil
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	Serial  string
	Outcome calypso.Outcome
	Since   time.Time
	Limit   int
}

// List returns matching transactions, most recent first.
func (s *Store) List(ctx context.Context, f Filter) ([]calypso.TransactionRecord, error) {
	var (
		where []string
		args  []any
	)
	if f.Serial != "" {
		where = append(where, "serial = ?")
		args = append(args, strings.ToLower(f.Serial))
	}
	if f.Outcome != "" {
		where = append(where, "outcome = ?")
		args = append(args, string(f.Outcome))
	}
	if !f.Since.IsZero() {
		where = append(where, "finished_at >= ?")
		args = append(args, f.Since.UnixNano())
	}
	query := `SELECT ` + selectColumns + ` FROM transactions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY finished_at DESC, id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	records := []calypso.TransactionRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transactions: %w", err)
	}
	return records, nil
}

// Prune deletes transactions finished before cutoff and reports how many
// were removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM transactions WHERE finished_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune transactions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune transactions: %w", err)
	}
	if n > 0 {
		logging.Info(logging.CatJournal, "Pruned journal", map[string]any{
			"removed": n,
			"cutoff":  cutoff.Format(time.RFC3339),
		})
	}
	return n, nil
}

// Tee fans a record out to several recorders.
type Tee []calypso.Recorder

func (t Tee) Record(rec calypso.TransactionRecord) {
	for _, r := range t {
		if r != nil {
			r.Record(rec)
		}
	}
}
