package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dialog/internal/logger"
	"github.com/dialog/internal/model"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type BatchRepository struct {
	pool *pgxpool.Pool
}

func NewBatchRepository(pool *pgxpool.Pool) *BatchRepository {
	return &BatchRepository{pool: pool}
}

// OpenOrExtend opens an unread-activity batch for the recipient or extends
// the existing open one. A single upsert against the partial unique index on
// (user_id) WHERE NOT processed, so two concurrent messages cannot create two
// open batches. LEAST keeps first_message_at at the earliest unread message:
// the batch age is never reset by later activity, which bounds the maximum
// notification delay under a chatty sender.
func (r *BatchRepository) OpenOrExtend(ctx context.Context, userID string, messageAt time.Time) error {
	defer logger.DeferLogDuration("batch.OpenOrExtend", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO email_batches (id, user_id, first_message_at, processed)
		 VALUES ($1, $2, $3, false)
		 ON CONFLICT (user_id) WHERE NOT processed
		 DO UPDATE SET first_message_at = LEAST(email_batches.first_message_at, EXCLUDED.first_message_at)`,
		uuid.New().String(), userID, messageAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("batchRepo.OpenOrExtend: %w", err)
	}
	return nil
}

// ListAged returns the unprocessed batches whose first unread message is at
// least threshold old at the given instant.
func (r *BatchRepository) ListAged(ctx context.Context, now time.Time, threshold time.Duration) ([]model.EmailBatch, error) {
	defer logger.DeferLogDuration("batch.ListAged", time.Now())()
	cutoff := now.UTC().Add(-threshold)
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, first_message_at, processed, processed_at
		 FROM email_batches
		 WHERE processed = false AND first_message_at <= $1
		 ORDER BY first_message_at`, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("batchRepo.ListAged query: %w", err)
	}
	defer rows.Close()

	batches := make([]model.EmailBatch, 0, 16)
	for rows.Next() {
		var b model.EmailBatch
		if err := rows.Scan(&b.ID, &b.UserID, &b.FirstMessageAt, &b.Processed, &b.ProcessedAt); err != nil {
			return nil, fmt.Errorf("batchRepo.ListAged scan: %w", err)
		}
		batches = append(batches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("batchRepo.ListAged rows: %w", err)
	}
	return batches, nil
}

// ClaimAndProcess closes a batch under a row lock. The claim is taken with
// SELECT ... FOR UPDATE SKIP LOCKED before any side effect runs, so two
// concurrent promotion runs cannot process the same batch twice. fn executes
// while the claim is held; its error rolls the transaction back and the batch
// stays open for the next run. Returns false when the batch is already closed
// or currently held by another run.
func (r *BatchRepository) ClaimAndProcess(ctx context.Context, id string, now time.Time, fn func(ctx context.Context) error) (bool, error) {
	defer logger.DeferLogDuration("batch.ClaimAndProcess", time.Now())()
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("batchRepo.ClaimAndProcess begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var claimed string
	err = tx.QueryRow(ctx,
		`SELECT id FROM email_batches
		 WHERE id = $1 AND processed = false
		 FOR UPDATE SKIP LOCKED`, id,
	).Scan(&claimed)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("batchRepo.ClaimAndProcess lock: %w", err)
	}

	if err := fn(ctx); err != nil {
		return false, err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE email_batches SET processed = true, processed_at = $1 WHERE id = $2`,
		now.UTC(), id,
	); err != nil {
		return false, fmt.Errorf("batchRepo.ClaimAndProcess close: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("batchRepo.ClaimAndProcess commit: %w", err)
	}
	return true, nil
}

// GetOpenForUser returns the user's open batch, or ErrNotFound.
func (r *BatchRepository) GetOpenForUser(ctx context.Context, userID string) (*model.EmailBatch, error) {
	defer logger.DeferLogDuration("batch.GetOpenForUser", time.Now())()
	b := &model.EmailBatch{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, user_id, first_message_at, processed, processed_at
		 FROM email_batches WHERE user_id = $1 AND processed = false`,
		userID,
	).Scan(&b.ID, &b.UserID, &b.FirstMessageAt, &b.Processed, &b.ProcessedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("batchRepo.GetOpenForUser: %w", err)
	}
	return b, nil
}

// ListForUser returns all batches of a user, oldest first (diagnostics/tests).
func (r *BatchRepository) ListForUser(ctx context.Context, userID string) ([]model.EmailBatch, error) {
	defer logger.DeferLogDuration("batch.ListForUser", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, first_message_at, processed, processed_at
		 FROM email_batches WHERE user_id = $1 ORDER BY first_message_at`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("batchRepo.ListForUser query: %w", err)
	}
	defer rows.Close()

	batches := make([]model.EmailBatch, 0, 4)
	for rows.Next() {
		var b model.EmailBatch
		if err := rows.Scan(&b.ID, &b.UserID, &b.FirstMessageAt, &b.Processed, &b.ProcessedAt); err != nil {
			return nil, fmt.Errorf("batchRepo.ListForUser scan: %w", err)
		}
		batches = append(batches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("batchRepo.ListForUser rows: %w", err)
	}
	return batches, nil
}
