package incident

import "context"

// PutResult is the outcome of a conditional incident write.
type PutResult int

const (
	PutCreated PutResult = iota
	PutExists
)

func (r PutResult) String() string {
	if r == PutExists {
		return "already_exists"
	}
	return "created"
}

// SendResult is the outcome of a conditional notification send.
type SendResult int

const (
	SendSent SendResult = iota
	SendAlreadySent
)

func (r SendResult) String() string {
	if r == SendAlreadySent {
		return "already_sent"
	}
	return "sent"
}

// IncidentStore is the persistence sink. PutIfAbsent is a single atomic
// conditional write: a second write with the same key in the same partition
// returns PutExists and leaves the first record untouched.
type IncidentStore interface {
	PutIfAbsent(ctx context.Context, partition, key string, rec Record) (PutResult, error)
}

// Notifier is the notification sink. SendIfNotSent delivers at most once per
// key as far as the sink can tell.
type Notifier interface {
	SendIfNotSent(ctx context.Context, key string, n Notification) (SendResult, error)
}

// RunStore is the persistence interface for intake runs.
type RunStore interface {
	Get(ctx context.Context, id string) (*Run, bool, error)
	GetByFingerprint(ctx context.Context, fingerprint string) (*Run, bool, error)
	Put(ctx context.Context, run *Run) error
}
