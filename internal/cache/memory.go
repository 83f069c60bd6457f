package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryCache mirrors the Redis script semantics in process. Used by unit
// tests and by the gateway's test harness.
type MemoryCache struct {
	mu        sync.Mutex
	limit     map[string]int64
	reserved  map[string]int64
	committed map[string]int64
	processed map[string]time.Time
	now       func() time.Time

	// Unavailable makes every call fail closed, for dependency-down tests.
	Unavailable error
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		limit:     make(map[string]int64),
		reserved:  make(map[string]int64),
		committed: make(map[string]int64),
		processed: make(map[string]time.Time),
		now:       time.Now,
	}
}

// SetClock overrides the time source for tests.
func (c *MemoryCache) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// markProcessed records an idempotence key with the same lapse window
// the Redis scripts apply. Returns false when the key is still live.
// Callers hold c.mu.
func (c *MemoryCache) markProcessed(key string) bool {
	if exp, ok := c.processed[key]; ok && c.now().Before(exp) {
		return false
	}
	c.processed[key] = c.now().Add(processedTTL)
	return true
}

func (c *MemoryCache) Ping(ctx context.Context) error { return c.Unavailable }

func (c *MemoryCache) InitLimit(ctx context.Context, account string, deltaCents int64, mintKey string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Unavailable != nil {
		return false, c.Unavailable
	}
	if !c.markProcessed(mintKey) {
		return false, nil
	}
	c.limit[account] += deltaCents
	return true, nil
}

func (c *MemoryCache) Reserve(ctx context.Context, account, period string, cents int64) (*ReserveResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Unavailable != nil {
		return nil, c.Unavailable
	}
	rk := account + ":" + period
	available := c.limit[account] - c.committed[rk] - c.reserved[rk]
	if available < cents {
		return &ReserveResult{OK: false, ShortfallCents: cents - available}, nil
	}
	c.reserved[rk] += cents
	return &ReserveResult{OK: true}, nil
}

func (c *MemoryCache) Finalize(ctx context.Context, account, period string, reservedCents, actualCents int64, mode, idemKey string) (*FinalizeResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Unavailable != nil {
		return nil, c.Unavailable
	}
	if !c.markProcessed(idemKey) {
		return &FinalizeResult{Applied: false}, nil
	}
	rk := account + ":" + period
	var overrun int64
	commit := actualCents
	if actualCents > reservedCents {
		overrun = actualCents - reservedCents
		if mode == "live" {
			commit = reservedCents
		}
	}
	c.reserved[rk] -= reservedCents
	if c.reserved[rk] < 0 {
		c.reserved[rk] = 0
	}
	c.committed[rk] += commit
	return &FinalizeResult{Applied: true, OverrunCents: overrun}, nil
}

func (c *MemoryCache) Cancel(ctx context.Context, account, period string, cents int64, idemKey string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Unavailable != nil {
		return false, c.Unavailable
	}
	if !c.markProcessed(idemKey) {
		return false, nil
	}
	rk := account + ":" + period
	c.reserved[rk] -= cents
	if c.reserved[rk] < 0 {
		c.reserved[rk] = 0
	}
	return true, nil
}

func (c *MemoryCache) CreditBack(ctx context.Context, account string, cents int64, idemKey string) (bool, error) {
	return c.InitLimit(ctx, account, cents, idemKey)
}

func (c *MemoryCache) LimitCents(ctx context.Context, account string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Unavailable != nil {
		return 0, c.Unavailable
	}
	return c.limit[account], nil
}

func (c *MemoryCache) ReservedCents(ctx context.Context, account, period string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Unavailable != nil {
		return 0, c.Unavailable
	}
	return c.reserved[account+":"+period], nil
}

func (c *MemoryCache) CommittedCents(ctx context.Context, account, period string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Unavailable != nil {
		return 0, c.Unavailable
	}
	return c.committed[account+":"+period], nil
}

var _ Cache = (*MemoryCache)(nil)
