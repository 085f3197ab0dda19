// Package faststore holds the validator's shared fast state: idempotency
// markers keyed by transaction id and the current block / epoch counters.
package faststore

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

const (
	KeyCurrentBlock = "validator:block:current"
	KeyCurrentEpoch = "validator:epoch:current"

	markerPrefix = "validator:tx:"
)

var (
	ErrKeyNotFound = errors.New("key not found")
	ErrNotOwner    = errors.New("marker held by another owner")
	// ErrUnavailable means the store cannot serve writes right now, for
	// example on a raft follower.
	ErrUnavailable = errors.New("fast store unavailable")
)

// Store is implemented by the in-memory cache and by the raft replicated
// store.
type Store interface {
	// Acquire sets key to token unless it is already set. The marker expires
	// after ttl unless committed.
	Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	// Commit makes a marker held by token permanent.
	Commit(ctx context.Context, key, token string) error
	// Release removes a marker held by token.
	Release(ctx context.Context, key, token string) error
	Exists(ctx context.Context, key string) (bool, error)
	GetInt(ctx context.Context, key string) (int64, error)
	SetInt(ctx context.Context, key string, v int64) error
}

func MarkerKey(txID string) string {
	return markerPrefix + txID
}

// ChainView reads the current block and epoch counters.
func ChainView(ctx context.Context, s Store) (block, epoch int64, err error) {
	if block, err = s.GetInt(ctx, KeyCurrentBlock); err != nil {
		return 0, 0, errors.Wrap(err, "current block")
	}
	if epoch, err = s.GetInt(ctx, KeyCurrentEpoch); err != nil {
		return 0, 0, errors.Wrap(err, "current epoch")
	}

	return block, epoch, nil
}
