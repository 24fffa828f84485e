package digest

import (
	"context"

	"github.com/dialog/internal/model"
)

// Recipient is who the digest email goes to. The subsystem hands the sender a
// resolved identity, never a bare user id.
type Recipient struct {
	ID          string
	Email       string
	DisplayName string
}

// Sender transmits one digest email with the given unread messages. The
// promotion job treats any non-nil error as "not sent": the batch stays open
// and is retried on the next run.
type Sender interface {
	Send(ctx context.Context, to Recipient, messages []model.Message) error
}
