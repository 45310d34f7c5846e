package orchestrator

import (
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/document-ingestion/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/document-ingestion/pkg/resilience"
)

// RetryPolicy is the full retry configuration of a job. It does not depend
// on the queue transport; the handler only reads MaxDeliveries and
// RedeliveryDelay from it.
type RetryPolicy struct {
	// MaxDeliveries bounds whole-job attempts, counting the first one.
	MaxDeliveries int
	// Redelivery is the backoff schedule between whole-job attempts.
	Redelivery resilience.RetryConfig
	// EmbedRounds and IndexRounds bound how often a stage is re-run for the
	// positions a previous round left failed within one attempt.
	EmbedRounds int
	IndexRounds int
	// Retryable reports whether an attempt that failed with err may succeed
	// when re-run. Defaults to errors.IsRetryable.
	Retryable func(err error) bool
}

// DefaultRetryPolicy returns a policy with three deliveries and two extra
// rounds for partially failed stages.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxDeliveries: 3,
		Redelivery: resilience.RetryConfig{
			InitialDelay:   5 * time.Second,
			MaxDelay:       5 * time.Minute,
			Multiplier:     2,
			JitterFraction: 0.1,
		},
		EmbedRounds: 2,
		IndexRounds: 2,
		Retryable:   apperrors.IsRetryable,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxDeliveries <= 0 {
		p.MaxDeliveries = d.MaxDeliveries
	}
	if p.EmbedRounds < 0 {
		p.EmbedRounds = 0
	}
	if p.IndexRounds < 0 {
		p.IndexRounds = 0
	}
	if p.Retryable == nil {
		p.Retryable = d.Retryable
	}
	return p
}

// CanRedeliver reports whether a job whose attempt-th delivery failed with
// err gets another delivery.
func (p RetryPolicy) CanRedeliver(attempt int, err error) bool {
	return p.Retryable(err) && attempt < p.MaxDeliveries
}

// RedeliveryDelay is the wait before delivery attempt+1.
func (p RetryPolicy) RedeliveryDelay(attempt int) time.Duration {
	return resilience.Backoff(attempt, p.Redelivery)
}
