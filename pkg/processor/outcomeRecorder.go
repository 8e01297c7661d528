package processor

import (
	"time"

	"github.com/fleet-management/outbox-relay/pkg/store"
)

// Outcome is the result of one publish attempt.
type Outcome struct {
	Delivered bool
	Cause     string
}

func Delivered() Outcome {
	return Outcome{Delivered: true}
}

func Failed(cause string) Outcome {
	if cause == "" {
		cause = "publish failed"
	}
	return Outcome{Cause: cause}
}

// RecordOutcome applies o to msg and reports whether msg changed.
//
// A delivered message is final: it is never modified again, whatever the
// outcome. A failure only records the cause; the message stays pending and is
// picked up again by a later cycle.
func RecordOutcome(msg *store.OutboxMessage, o Outcome, now time.Time) bool {
	if msg.Delivered() {
		return false
	}

	if o.Delivered {
		processedAt := now
		msg.ProcessedAt = &processedAt
		msg.LastError = nil
		return true
	}

	cause := o.Cause
	msg.LastError = &cause
	return true
}
