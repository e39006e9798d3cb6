package writeback

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter gates outbound calls per organization
type Limiter interface {
	Wait(ctx context.Context, organizationID string) error
}

// OrgLimiter one token bucket per organization. Calls of one organization
// are spaced by at least 1/permitsPerSecond, so no one-second window sees
// more than permitsPerSecond calls.
type OrgLimiter struct {
	every time.Duration

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewOrgLimiter returns a limiter allowing permitsPerSecond calls per
// organization. A value <= 0 disables limiting.
func NewOrgLimiter(permitsPerSecond float64) (l *OrgLimiter) {
	l = &OrgLimiter{buckets: make(map[string]*rate.Limiter)}
	if permitsPerSecond > 0 {
		l.every = time.Duration(float64(time.Second) / permitsPerSecond)
	}
	return l
}

// Wait blocks until the organization has a permit or ctx is done
func (l *OrgLimiter) Wait(ctx context.Context, organizationID string) error {
	if l.every <= 0 {
		return nil
	}
	return l.bucket(organizationID).Wait(ctx)
}

func (l *OrgLimiter) bucket(organizationID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[organizationID]
	if !ok {
		b = rate.NewLimiter(rate.Every(l.every), 1)
		l.buckets[organizationID] = b
	}
	return b
}
