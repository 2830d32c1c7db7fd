package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const deadLetterColumns = `id, pipeline, job_type, payload, attempts, last_error, created_at, requeued_at`

func scanDeadLetter(row pgx.Row) (DeadLetter, error) {
	var d DeadLetter
	err := row.Scan(
		&d.ID, &d.Pipeline, &d.JobType, &d.Payload, &d.Attempts,
		&d.LastError, &d.CreatedAt, &d.RequeuedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return DeadLetter{}, ErrNotFound
	}
	if err != nil {
		return DeadLetter{}, fmt.Errorf("scan dead letter: %w", err)
	}
	return d, nil
}

type CreateDeadLetterParams struct {
	Pipeline  string
	JobType   string
	Payload   []byte
	Attempts  int32
	LastError string
}

func (q *Queries) CreateDeadLetter(ctx context.Context, arg CreateDeadLetterParams) (DeadLetter, error) {
	row := q.db.QueryRow(ctx, `
		INSERT INTO dead_letters (pipeline, job_type, payload, attempts, last_error)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+deadLetterColumns,
		arg.Pipeline, arg.JobType, arg.Payload, arg.Attempts, arg.LastError,
	)
	return scanDeadLetter(row)
}

func (q *Queries) GetDeadLetter(ctx context.Context, id uuid.UUID) (DeadLetter, error) {
	row := q.db.QueryRow(ctx, `
		SELECT `+deadLetterColumns+` FROM dead_letters WHERE id = $1`, id)
	return scanDeadLetter(row)
}

// ListDeadLetters returns unrequeued entries, oldest first.
func (q *Queries) ListDeadLetters(ctx context.Context, pipeline string, limit int32) ([]DeadLetter, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+deadLetterColumns+`
		FROM dead_letters
		WHERE requeued_at IS NULL AND ($1 = '' OR pipeline = $1)
		ORDER BY created_at
		LIMIT $2`,
		pipeline, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var letters []DeadLetter
	for rows.Next() {
		d, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		letters = append(letters, d)
	}
	return letters, rows.Err()
}

func (q *Queries) MarkDeadLetterRequeued(ctx context.Context, id uuid.UUID) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE dead_letters SET requeued_at = now()
		WHERE id = $1 AND requeued_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("mark dead letter requeued: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *Queries) DeleteDeadLetter(ctx context.Context, id uuid.UUID) error {
	tag, err := q.db.Exec(ctx, `DELETE FROM dead_letters WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete dead letter: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
