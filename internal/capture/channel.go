package capture

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrChannelClosed is returned by Receive when the channel closed with no URL
var ErrChannelClosed = errors.New("capture channel closed")

// DefaultQueueSize is the buffer used when NewChannel gets a non-positive size
const DefaultQueueSize = 16

// Channel carries captured URLs from many intercepted sessions to one waiter.
// Only the first value received matters; later offers may be dropped.
type Channel struct {
	ch     chan string
	mu     sync.RWMutex
	closed bool
	stats  CaptureStats
}

// CaptureStats tracks capture channel statistics
type CaptureStats struct {
	Offered atomic.Int64
	Dropped atomic.Int64
}

// CaptureStatsSnapshot is a point-in-time copy of CaptureStats
type CaptureStatsSnapshot struct {
	Offered int64 `json:"offered"`
	Dropped int64 `json:"dropped"`
}

// NewChannel creates a capture channel buffering up to size URLs
func NewChannel(size int) *Channel {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Channel{ch: make(chan string, size)}
}

// Offer enqueues url without blocking. It returns false when the channel is
// full or closed.
func (c *Channel) Offer(url string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		c.stats.Dropped.Add(1)
		return false
	}

	select {
	case c.ch <- url:
		c.stats.Offered.Add(1)
		return true
	default:
		c.stats.Dropped.Add(1)
		return false
	}
}

// Close closes the channel. Safe to call more than once.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.ch)
	}
}

// Receive waits for a URL. URLs offered before Close are still delivered.
func (c *Channel) Receive(ctx context.Context) (string, error) {
	select {
	case url, ok := <-c.ch:
		if !ok {
			return "", ErrChannelClosed
		}
		return url, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// GetStats returns channel statistics
func (c *Channel) GetStats() CaptureStatsSnapshot {
	return CaptureStatsSnapshot{
		Offered: c.stats.Offered.Load(),
		Dropped: c.stats.Dropped.Load(),
	}
}
