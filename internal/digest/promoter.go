// Package digest promotes aged email batches into at most one digest email
// per batch. The send/skip decision is always recomputed from live read-state
// at promotion time, never replayed from what the batch saw when it opened.
package digest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dialog/internal/logger"
	"github.com/dialog/internal/model"
	"github.com/dialog/internal/repository"
)

// Summary is the promotion job's response contract for operational visibility.
type Summary struct {
	TotalBatches int       `json:"totalBatches"`
	EmailsSent   int       `json:"emailsSent"`
	Skipped      int       `json:"skipped"`
	Errors       int       `json:"errors"`
	TimestampUTC time.Time `json:"timestampUtc"`
}

// Promoter closes aged batches: email if genuinely-unread content remains,
// silent skip if the user already read everything. Decoupled from any
// scheduler — Process takes the clock instant as an argument.
type Promoter struct {
	batchRepo  *repository.BatchRepository
	unreadRepo *repository.UnreadRepository
	userRepo   *repository.UserRepository
	sender     Sender
	threshold  time.Duration
}

func NewPromoter(
	batchRepo *repository.BatchRepository,
	unreadRepo *repository.UnreadRepository,
	userRepo *repository.UserRepository,
	sender Sender,
	threshold time.Duration,
) *Promoter {
	if threshold <= 0 {
		threshold = 15 * time.Minute
	}
	return &Promoter{
		batchRepo: batchRepo, unreadRepo: unreadRepo, userRepo: userRepo,
		sender: sender, threshold: threshold,
	}
}

// Process runs one promotion pass as of now: select aged batches, then per
// batch (isolated, one failure never aborts the rest) re-check the live
// unread set, send or skip, and close the batch. A send failure leaves the
// batch open for the next run; first_message_at is never advanced.
func (p *Promoter) Process(ctx context.Context, now time.Time) (*Summary, error) {
	defer logger.DeferLogDuration("digest.Process", time.Now())()
	now = now.UTC()

	batches, err := p.batchRepo.ListAged(ctx, now, p.threshold)
	if err != nil {
		return nil, err
	}

	summary := &Summary{TotalBatches: len(batches), TimestampUTC: now}
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := range batches {
		b := batches[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome := p.processBatch(ctx, b, now)
			mu.Lock()
			switch outcome {
			case outcomeSent:
				summary.EmailsSent++
			case outcomeSkipped:
				summary.Skipped++
			case outcomeError:
				summary.Errors++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	logger.Infof("digest: batches=%d sent=%d skipped=%d errors=%d",
		summary.TotalBatches, summary.EmailsSent, summary.Skipped, summary.Errors)
	return summary, nil
}

type outcome int

const (
	outcomeSent outcome = iota
	outcomeSkipped
	outcomeError
	outcomeNone
)

func (p *Promoter) processBatch(ctx context.Context, b model.EmailBatch, now time.Time) outcome {
	// Всё под claim: повторный запуск promotion job (cron retry, ручной вызов)
	// не доходит до отправки, пока claim держит другой запуск, а после его
	// коммита батч уже закрыт. Ошибка внутри (включая отказ SMTP) откатывает
	// claim, и батч остаётся открытым для следующего запуска.
	result := outcomeSkipped
	claimed, err := p.batchRepo.ClaimAndProcess(ctx, b.ID, now, func(ctx context.Context) error {
		// Live re-check: the user may have read everything between the batch
		// opening and this run. The window starts at the batch anchor so the
		// digest covers every unread message the batch accumulated, with a
		// minute of slack for clock drift between writers.
		window := now.Sub(b.FirstMessageAt) + time.Minute
		recent, err := p.unreadRepo.RecentUnread(ctx, b.UserID, window)
		if err != nil {
			return fmt.Errorf("unread: %w", err)
		}
		if len(recent) == 0 {
			// Skip path: close without sending so the next message opens a
			// fresh batch instead of being judged against this stale
			// first_message_at.
			return nil
		}

		user, err := p.userRepo.GetByID(ctx, b.UserID)
		if err != nil {
			return fmt.Errorf("recipient %s: %w", b.UserID, err)
		}
		to := Recipient{ID: user.ID, Email: user.Email, DisplayName: user.Username}
		if err := p.sender.Send(ctx, to, recent); err != nil {
			return fmt.Errorf("send to=%s: %w", user.ID, err)
		}
		result = outcomeSent
		return nil
	})
	if err != nil {
		logger.Errorf("digest batch=%s: %v", b.ID, err)
		return outcomeError
	}
	if !claimed {
		return outcomeNone // closed or held by a concurrent run
	}
	return result
}
