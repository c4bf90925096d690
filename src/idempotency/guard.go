package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v3"
	logger "github.com/sirupsen/logrus"
)

// Fingerprint modes. "payload" hashes the full canonical payload; "coarse"
// collapses deliveries to (webhook, symbol, action) within the bucket.
const (
	ModePayload = "payload"
	ModeCoarse  = "coarse"
)

// ErrAborted is returned to waiters when the first processor of a fingerprint
// gave up without producing a result.
var ErrAborted = errors.New("first execution aborted before producing a result")

type flight struct {
	done   chan struct{}
	result []byte
	err    error
}

// Guard prevents duplicate processing of retried or replayed deliveries.
// Results live in badger under the entry TTL so they survive a restart within
// the dedup window; in-flight coalescing is process-local.
type Guard struct {
	db     *badger.DB
	ttl    time.Duration
	bucket time.Duration
	mode   string

	mu       sync.Mutex
	inflight map[string]*flight

	now func() time.Time
}

func NewGuard() (*Guard, error) {
	config := GetConfig()

	opts := badger.DefaultOptions(config.StorePath)
	opts.Logger = nil
	if config.InMemory {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open idempotency store: %w", err)
	}

	return &Guard{
		db:       db,
		ttl:      config.TTL,
		bucket:   config.Bucket,
		mode:     config.FingerprintMode,
		inflight: make(map[string]*flight),
		now:      time.Now,
	}, nil
}

// NewInMemoryGuard builds a guard backed by an in-memory badger instance.
func NewInMemoryGuard(ttl, bucket time.Duration) (*Guard, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open idempotency store: %w", err)
	}

	return &Guard{
		db:       db,
		ttl:      ttl,
		bucket:   bucket,
		mode:     ModePayload,
		inflight: make(map[string]*flight),
		now:      time.Now,
	}, nil
}

func (g *Guard) Close() error {
	return g.db.Close()
}

// Fingerprint derives the dedup key for one delivery. The coarse time bucket
// bounds the window: the same payload is only a duplicate within it.
func (g *Guard) Fingerprint(webhookID uint, canonical []byte, symbol, action string) string {
	bucket := g.now().Truncate(g.bucket).Unix()

	h := sha256.New()
	fmt.Fprintf(h, "%d|%d|", webhookID, bucket)
	if g.mode == ModeCoarse {
		fmt.Fprintf(h, "%s|%s", symbol, action)
	} else {
		h.Write(canonical)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Ticket represents the right to perform the single real execution for a
// fingerprint. Exactly one of Commit or Abort must be called.
type Ticket struct {
	guard       *Guard
	fingerprint string
	flight      *flight
}

// Acquire admits a fingerprint for processing. Returns the cached result when
// the fingerprint was already processed (ticket nil), waits for a concurrent
// first execution and returns its result, or hands the caller a Ticket making
// it the one real executor.
func (g *Guard) Acquire(ctx context.Context, fingerprint string) ([]byte, *Ticket, error) {
	g.mu.Lock()
	if f, ok := g.inflight[fingerprint]; ok {
		g.mu.Unlock()
		select {
		case <-f.done:
			return f.result, nil, f.err
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}

	cached, err := g.lookup(fingerprint)
	if err != nil {
		g.mu.Unlock()
		return nil, nil, err
	}
	if cached != nil {
		g.mu.Unlock()
		return cached, nil, nil
	}

	f := &flight{done: make(chan struct{})}
	g.inflight[fingerprint] = f
	g.mu.Unlock()

	return nil, &Ticket{guard: g, fingerprint: fingerprint, flight: f}, nil
}

// Commit stores the first execution's result and releases all waiters.
func (t *Ticket) Commit(result []byte) {
	err := t.guard.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(t.fingerprint), result).WithTTL(t.guard.ttl)
		return txn.SetEntry(entry)
	})
	if err != nil {
		// Waiters still get the in-process result; only restart durability is lost.
		logger.WithError(err).Error("Failed to persist idempotency entry")
	}

	t.finish(result, nil)
}

// Abort releases waiters without caching anything, so a later retry performs a
// fresh execution.
func (t *Ticket) Abort() {
	t.finish(nil, ErrAborted)
}

func (t *Ticket) finish(result []byte, err error) {
	t.flight.result = result
	t.flight.err = err

	t.guard.mu.Lock()
	delete(t.guard.inflight, t.fingerprint)
	t.guard.mu.Unlock()

	close(t.flight.done)
}

func (g *Guard) lookup(fingerprint string) ([]byte, error) {
	var result []byte
	err := g.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(fingerprint))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			result = append([]byte(nil), val...)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read idempotency entry: %w", err)
	}
	return result, nil
}
