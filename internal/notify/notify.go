// Package notify makes a plain notification transport safe to retry by
// recording each dedup key in a ledger before sending.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/lookout/internal/incident"
)

const releaseTimeout = 5 * time.Second

// Sender delivers one notification. It has no memory of earlier sends.
type Sender interface {
	Send(ctx context.Context, n incident.Notification) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, n incident.Notification) error

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, n incident.Notification) error { return f(ctx, n) }

// Ledger records which dedup keys have been notified. Claim returns false
// when key is already recorded.
type Ledger interface {
	Claim(ctx context.Context, key string, n incident.Notification) (bool, error)
	Release(ctx context.Context, key string) error
}

// Deduper implements incident.Notifier on top of a Sender and a Ledger.
type Deduper struct {
	sender Sender
	ledger Ledger
	logger log.Logger
}

var _ incident.Notifier = (*Deduper)(nil)

// NewDeduper wires sender behind ledger.
func NewDeduper(sender Sender, ledger Ledger, logger log.Logger) *Deduper {
	if logger == nil {
		logger = log.Nop()
	}
	return &Deduper{sender: sender, ledger: ledger, logger: logger}
}

// SendIfNotSent claims key and sends n. An existing claim yields
// SendAlreadySent without contacting the sender. A failed send releases the
// claim so the caller may retry.
func (d *Deduper) SendIfNotSent(ctx context.Context, key string, n incident.Notification) (incident.SendResult, error) {
	claimed, err := d.ledger.Claim(ctx, key, n)
	if err != nil {
		return 0, fmt.Errorf("claim %s: %w", key, err)
	}
	if !claimed {
		return incident.SendAlreadySent, nil
	}

	if err := d.sender.Send(ctx, n); err != nil {
		// release on a fresh context: ctx may be the reason Send failed
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if rerr := d.ledger.Release(relCtx, key); rerr != nil {
			d.logger.Error(ctx, rerr, "release notification claim", "dedup_key", key)
			return 0, errors.Join(err, fmt.Errorf("release %s: %w", key, rerr))
		}
		return 0, err
	}
	return incident.SendSent, nil
}
