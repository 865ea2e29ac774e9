// Package cache holds the shared key-value stores that mirror metric snapshots
// and budget notification claims between engine replicas.
package cache

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/miradorstack/mirador-vitals/internal/models"
)

const (
	snapshotPrefix = "vitals:snapshot:"
	notifyPrefix   = "vitals:notify:"
)

// SnapshotKey is where the latest snapshot of metric lives.
func SnapshotKey(metric string) string { return snapshotPrefix + metric }

// NotifyKey identifies one budget transition. Replicas that observe the same
// transition compute the same key, so only the first SetNX on it wins.
func NotifyKey(ev models.BudgetEvent) string {
	return notifyPrefix + ev.Metric + ":" + ev.BudgetID + ":" + string(ev.Kind) + ":" + strconv.FormatInt(ev.Timestamp, 10)
}

// SnapshotCache is the subset of a store the snapshot mirror writes through:
// whole-value reads and writes of snapshots plus first-writer-wins claims.
type SnapshotCache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
}

// Provider is a SnapshotCache with a connection lifecycle.
type Provider interface {
	SnapshotCache
	// Ping reports whether the backing store is reachable; used for readiness.
	Ping(ctx context.Context) error
	Close() error
}

// ErrCacheMiss signals that a key was not found.
var ErrCacheMiss = errors.New("cache miss")

// NoopProvider disables mirroring. Every claim succeeds so a single replica
// still announces its own budget events.
type NoopProvider struct{}

func (NoopProvider) Get(context.Context, string) ([]byte, error) {
	return nil, ErrCacheMiss
}

func (NoopProvider) Set(context.Context, string, []byte, time.Duration) error {
	return nil
}

func (NoopProvider) SetNX(context.Context, string, []byte, time.Duration) (bool, error) {
	return true, nil
}

func (NoopProvider) Ping(context.Context) error { return nil }

func (NoopProvider) Close() error { return nil }
