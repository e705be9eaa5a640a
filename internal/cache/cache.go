package cache

import (
	"context"
	"sync"
	"time"
)

const sentTotalKey = "stats:messages_sent"

// ReceiptCache records delivered messages and keeps the running total shown
// on the dashboard.
type ReceiptCache interface {
	StoreSent(ctx context.Context, jobID, providerMessageID string, sentAt time.Time) error
	IncrSent(ctx context.Context) (int64, error)
	SentTotal(ctx context.Context) (int64, error)
}

type receipt struct {
	ProviderMessageID string    `json:"providerMessageId"`
	SentAt            time.Time `json:"sentAt"`
}

// MemoryCache is used when Redis is not configured. Receipts are not
// expired; the process restart clears them.
type MemoryCache struct {
	mu       sync.Mutex
	receipts map[string]receipt
	total    int64
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{receipts: make(map[string]receipt)}
}

func (c *MemoryCache) StoreSent(ctx context.Context, jobID, providerMessageID string, sentAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.receipts[jobID] = receipt{ProviderMessageID: providerMessageID, SentAt: sentAt.UTC()}
	return nil
}

func (c *MemoryCache) IncrSent(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.total++
	return c.total, nil
}

func (c *MemoryCache) SentTotal(context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total, nil
}

func (c *MemoryCache) receipt(jobID string) (receipt, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.receipts[jobID]
	return r, ok
}
