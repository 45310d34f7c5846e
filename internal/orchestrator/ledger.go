package orchestrator

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/Adithya-Monish-Kumar-K/document-ingestion/internal/ingestion"
	apperrors "github.com/Adithya-Monish-Kumar-K/document-ingestion/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/document-ingestion/pkg/redis"
)

// LedgerEntry is what the pipeline remembers about the last finished
// attempt of a file. An empty Fingerprint means the points in the vector
// store are in an unknown state and must be deleted before re-indexing.
type LedgerEntry struct {
	Status      ingestion.IngestionStatus
	Fingerprint string
	CreatedAt   time.Time
	PointCount  int
	UpdatedAt   time.Time
}

// Ledger is the idempotency record keyed by file id.
type Ledger interface {
	// Get returns nil without error when the file has no entry.
	Get(ctx context.Context, fileID string) (*LedgerEntry, error)
	Put(ctx context.Context, fileID string, e LedgerEntry) error
	// Reset marks the entry pending so the next delivery is processed even
	// if it repeats an indexed message. Fingerprint and point count stay.
	Reset(ctx context.Context, fileID string) error
	// Lock claims the file for one attempt. A lock held elsewhere yields
	// ErrConflict.
	Lock(ctx context.Context, fileID string) (unlock func(), err error)
}

const (
	ledgerPrefix = "ingest:file:"
	lockPrefix   = "ingest:lock:"
)

// RedisLedger stores entries as Redis hashes with a TTL and implements the
// per-file lock with SET NX.
type RedisLedger struct {
	client  *redis.Client
	ttl     time.Duration
	lockTTL time.Duration
}

func NewRedisLedger(client *redis.Client, ttl, lockTTL time.Duration) *RedisLedger {
	if lockTTL <= 0 {
		lockTTL = 15 * time.Minute
	}
	return &RedisLedger{client: client, ttl: ttl, lockTTL: lockTTL}
}

func (l *RedisLedger) Get(ctx context.Context, fileID string) (*LedgerEntry, error) {
	fields, err := l.client.HGetAll(ctx, ledgerPrefix+fileID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrTimeout, err, "reading ledger")
	}
	if len(fields) == 0 {
		return nil, nil
	}
	e := &LedgerEntry{
		Status:      ingestion.IngestionStatus(fields["status"]),
		Fingerprint: fields["fingerprint"],
	}
	e.PointCount, _ = strconv.Atoi(fields["points"])
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, fields["created_at"])
	e.UpdatedAt, _ = time.Parse(time.RFC3339Nano, fields["updated_at"])
	return e, nil
}

func (l *RedisLedger) Put(ctx context.Context, fileID string, e LedgerEntry) error {
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now().UTC()
	}
	err := l.client.HSet(ctx, ledgerPrefix+fileID, map[string]any{
		"status":      string(e.Status),
		"fingerprint": e.Fingerprint,
		"points":      e.PointCount,
		"created_at":  e.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at":  e.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}, l.ttl)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrTimeout, err, "writing ledger")
	}
	return nil
}

func (l *RedisLedger) Reset(ctx context.Context, fileID string) error {
	err := l.client.HSet(ctx, ledgerPrefix+fileID, map[string]any{
		"status":     string(ingestion.StatusPending),
		"updated_at": time.Now().UTC().Format(time.RFC3339Nano),
	}, l.ttl)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrTimeout, err, "resetting ledger")
	}
	return nil
}

func (l *RedisLedger) Lock(ctx context.Context, fileID string) (func(), error) {
	key := lockPrefix + fileID
	token := uuid.NewString()
	ok, err := l.client.AcquireLock(ctx, key, token, l.lockTTL)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrTimeout, err, "locking file")
	}
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrConflict, "file %s is locked by another worker", fileID)
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = l.client.ReleaseLock(ctx, key, token)
	}, nil
}
