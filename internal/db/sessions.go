package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const sessionColumns = `id, owner, target_filename, original_filename, file_size, chunk_size,
	total_chunks, received, state, metadata, created_at, updated_at, expires_at`

func scanSession(row pgx.Row) (UploadSession, error) {
	var s UploadSession
	err := row.Scan(
		&s.ID, &s.Owner, &s.TargetFilename, &s.OriginalFilename, &s.FileSize, &s.ChunkSize,
		&s.TotalChunks, &s.Received, &s.State, &s.Metadata, &s.CreatedAt, &s.UpdatedAt, &s.ExpiresAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return UploadSession{}, ErrNotFound
	}
	if err != nil {
		return UploadSession{}, fmt.Errorf("scan session: %w", err)
	}
	return s, nil
}

type CreateSessionParams struct {
	ID               uuid.UUID
	Owner            uuid.UUID
	TargetFilename   string
	OriginalFilename string
	FileSize         int64
	ChunkSize        int64
	TotalChunks      int32
	Metadata         map[string]string
	ExpiresAt        time.Time
}

func (q *Queries) CreateSession(ctx context.Context, arg CreateSessionParams) (UploadSession, error) {
	row := q.db.QueryRow(ctx, `
		INSERT INTO upload_sessions (
			id, owner, target_filename, original_filename, file_size, chunk_size,
			total_chunks, received, state, metadata, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, '{}', 'pending', $8, $9)
		RETURNING `+sessionColumns,
		arg.ID, arg.Owner, arg.TargetFilename, arg.OriginalFilename, arg.FileSize,
		arg.ChunkSize, arg.TotalChunks, arg.Metadata, arg.ExpiresAt,
	)
	return scanSession(row)
}

func (q *Queries) GetSession(ctx context.Context, id uuid.UUID) (UploadSession, error) {
	row := q.db.QueryRow(ctx, `
		SELECT `+sessionColumns+` FROM upload_sessions WHERE id = $1`, id)
	return scanSession(row)
}

// GetSessionForUpdate takes a row lock; callers must hold a transaction.
func (q *Queries) GetSessionForUpdate(ctx context.Context, id uuid.UUID) (UploadSession, error) {
	row := q.db.QueryRow(ctx, `
		SELECT `+sessionColumns+` FROM upload_sessions WHERE id = $1 FOR UPDATE`, id)
	return scanSession(row)
}

type SetSessionChunksParams struct {
	ID       uuid.UUID
	Received []int64
	State    SessionState
}

// SetSessionChunks replaces the received set and state. The guard refuses to
// mutate sessions already in a terminal state; callers get ErrConflict so the
// upload surface can answer 409.
func (q *Queries) SetSessionChunks(ctx context.Context, arg SetSessionChunksParams) (UploadSession, error) {
	row := q.db.QueryRow(ctx, `
		UPDATE upload_sessions
		SET received = $2, state = $3, updated_at = now()
		WHERE id = $1 AND state NOT IN ('completed', 'failed')
		RETURNING `+sessionColumns,
		arg.ID, arg.Received, arg.State,
	)
	s, err := scanSession(row)
	if errors.Is(err, ErrNotFound) {
		// Either the row is gone or the guard rejected it.
		if _, getErr := q.GetSession(ctx, arg.ID); getErr == nil {
			return UploadSession{}, ErrConflict
		}
		return UploadSession{}, ErrNotFound
	}
	return s, err
}

func (q *Queries) SetSessionState(ctx context.Context, id uuid.UUID, state SessionState) (UploadSession, error) {
	row := q.db.QueryRow(ctx, `
		UPDATE upload_sessions
		SET state = $2, updated_at = now()
		WHERE id = $1
		RETURNING `+sessionColumns,
		id, state,
	)
	return scanSession(row)
}

func (q *Queries) DeleteSession(ctx context.Context, id uuid.UUID) error {
	tag, err := q.db.Exec(ctx, `DELETE FROM upload_sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

type ListSessionsByOwnerParams struct {
	Owner  uuid.UUID
	Limit  int32
	Offset int32
}

func (q *Queries) ListSessionsByOwner(ctx context.Context, arg ListSessionsByOwnerParams) ([]UploadSession, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+sessionColumns+`
		FROM upload_sessions
		WHERE owner = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`,
		arg.Owner, arg.Limit, arg.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []UploadSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

func (q *Queries) CountSessionsByOwner(ctx context.Context, owner uuid.UUID) (int64, error) {
	var count int64
	err := q.db.QueryRow(ctx, `
		SELECT count(*) FROM upload_sessions WHERE owner = $1`, owner).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return count, nil
}

// FindExpiredSessions returns sessions past their deadline that never
// completed, for the GC sweep.
func (q *Queries) FindExpiredSessions(ctx context.Context, now time.Time, limit int32) ([]UploadSession, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+sessionColumns+`
		FROM upload_sessions
		WHERE expires_at < $1 AND state <> 'completed'
		ORDER BY expires_at
		LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("find expired sessions: %w", err)
	}
	defer rows.Close()

	var sessions []UploadSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// RecordChunkSerialized merges one chunk index into the session under a row
// lock. It is the fallback path for when the chunk index in Redis is
// unavailable: concurrent commits serialise on the row instead of losing
// updates. The returned session is the post-merge image; added reports
// whether the index was new. Terminal sessions are a no-op.
func (s *Store) RecordChunkSerialized(ctx context.Context, id uuid.UUID, chunkIndex int64) (UploadSession, bool, error) {
	var (
		out   UploadSession
		added bool
	)
	err := s.inTx(ctx, func(q *Queries) error {
		sess, err := q.GetSessionForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if sess.State.Terminal() {
			out = sess
			return nil
		}

		received := sess.Received
		seen := false
		for _, idx := range received {
			if idx == chunkIndex {
				seen = true
				break
			}
		}
		if !seen {
			received = append(received, chunkIndex)
			added = true
		}

		state := SessionStateUploading
		if int32(len(received)) == sess.TotalChunks {
			state = SessionStateCompleted
		}

		out, err = q.SetSessionChunks(ctx, SetSessionChunksParams{
			ID:       id,
			Received: received,
			State:    state,
		})
		return err
	})
	if err != nil {
		return UploadSession{}, false, err
	}
	return out, added, nil
}
