// Package storage persists batch results in PostgreSQL.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/cabazares/automated-exam-parser/internal/omr"
)

const schema = `
CREATE TABLE IF NOT EXISTS students (
	id             uuid PRIMARY KEY,
	student_number text NOT NULL UNIQUE,
	created_at     timestamptz NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS batches (
	id         uuid PRIMARY KEY,
	images     text[] NOT NULL,
	failed     text[] NOT NULL,
	created_at timestamptz NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS answers (
	student_id uuid NOT NULL REFERENCES students(id),
	part       smallint NOT NULL CHECK (part BETWEEN 1 AND 9),
	item       integer NOT NULL CHECK (item > 0),
	answer     text NOT NULL,
	batch_id   uuid NOT NULL REFERENCES batches(id),
	updated_at timestamptz NOT NULL DEFAULT NOW(),
	PRIMARY KEY (student_id, part, item)
);
`

// Store writes batch summaries.
type Store struct {
	db *sql.DB
}

// Saved reports what SaveBatch wrote.
type Saved struct {
	StudentsCreated int
	Answers         int
}

// AnswerRow is one non-blank answer ready to be written.
type AnswerRow struct {
	Part   int
	Item   int
	Answer string
}

// NewStore connects to the database at databaseURL.
func NewStore(databaseURL string) (*Store, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{db: db}, nil
}

// EnsureSchema creates the tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// SaveBatch records the batch, resolves every student number to a stored student
// (creating unseen ones) and upserts the non-blank answers, all in one transaction.
func (s *Store) SaveBatch(ctx context.Context, summary *omr.Summary) (Saved, error) {
	var saved Saved

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return saved, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	failed := make([]string, 0, len(summary.Failures))
	for _, f := range summary.Failures {
		failed = append(failed, f.Source)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO batches (id, images, failed) VALUES ($1, $2, $3)`,
		summary.BatchID, pq.Array(summary.Processed), pq.Array(failed))
	if err != nil {
		return saved, fmt.Errorf("insert batch: %w", err)
	}

	for _, number := range summary.Result.StudentNumbers() {
		id, created, err := resolveStudent(ctx, tx, number)
		if err != nil {
			return saved, err
		}
		if created {
			saved.StudentsCreated++
		}
		for _, row := range AnswerRows(summary.Result[number]) {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO answers (student_id, part, item, answer, batch_id)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (student_id, part, item) DO UPDATE SET
					answer = EXCLUDED.answer,
					batch_id = EXCLUDED.batch_id,
					updated_at = NOW()`,
				id, row.Part, row.Item, row.Answer, summary.BatchID)
			if err != nil {
				return saved, fmt.Errorf("upsert answer %s part %d item %d: %w", number, row.Part, row.Item, err)
			}
			saved.Answers++
		}
	}

	if err := tx.Commit(); err != nil {
		return saved, fmt.Errorf("commit batch: %w", err)
	}
	return saved, nil
}

func resolveStudent(ctx context.Context, tx *sql.Tx, number string) (uuid.UUID, bool, error) {
	var id uuid.UUID
	err := tx.QueryRowContext(ctx, `SELECT id FROM students WHERE student_number = $1`, number).Scan(&id)
	if err == nil {
		return id, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return id, false, fmt.Errorf("look up student %s: %w", number, err)
	}

	id = uuid.New()
	if _, err := tx.ExecContext(ctx, `INSERT INTO students (id, student_number) VALUES ($1, $2)`, id, number); err != nil {
		return id, false, fmt.Errorf("create student %s: %w", number, err)
	}
	return id, true, nil
}

// AnswerRows flattens a record into its non-blank answers, ordered by part then item.
func AnswerRows(record omr.StudentRecord) []AnswerRow {
	var rows []AnswerRow
	for _, part := range record.Parts() {
		answers := record[part]
		for _, item := range answers.Items() {
			if answers[item] == omr.Blank {
				continue
			}
			rows = append(rows, AnswerRow{Part: part, Item: item, Answer: string(answers[item])})
		}
	}
	return rows
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}
