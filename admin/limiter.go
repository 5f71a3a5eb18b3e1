package admin

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

const defaultSubWindows int64 = 1 << 5

// slideWindowLimiter admits at most permitsPerWindow requests in any window
// of windowSize, counted in subWindows buckets.
type slideWindowLimiter struct {
	permitsPerWindow int64
	windowSize       int64
	subWindows       int64
	subWindowSize    int64
	windows          map[int64]int64
	totalCount       int64
	lock             sync.Mutex
	now              func() time.Time
}

type limiterOption func(limiter *slideWindowLimiter)

func withMaxPassingPerWindow(n int64) limiterOption {
	return func(limiter *slideWindowLimiter) {
		limiter.permitsPerWindow = n
	}
}

func withWindowSize(d time.Duration) limiterOption {
	return func(limiter *slideWindowLimiter) {
		limiter.windowSize = d.Nanoseconds()
	}
}

// withSubWindows trades bookkeeping for a smoother limit at window edges.
func withSubWindows(n int64) limiterOption {
	return func(limiter *slideWindowLimiter) {
		limiter.subWindows = n
	}
}

func withClock(now func() time.Time) limiterOption {
	return func(limiter *slideWindowLimiter) {
		limiter.now = now
	}
}

func newLimiter(options ...limiterOption) *slideWindowLimiter {
	l := &slideWindowLimiter{
		permitsPerWindow: 10,
		windowSize:       int64(time.Second),
		subWindows:       defaultSubWindows,
		now:              time.Now,
	}
	for _, o := range options {
		o(l)
	}
	if l.subWindows < 1 {
		l.subWindows = 1
	}
	l.subWindowSize = l.windowSize / l.subWindows
	if l.subWindowSize < 1 {
		l.subWindowSize = 1
	}
	// one spare bucket for the window being entered
	l.windows = make(map[int64]int64, l.subWindows+1)
	return l
}

// TryAcquire takes a permit if the current window has one left.
func (s *slideWindowLimiter) TryAcquire() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	index := s.now().UnixNano() / s.subWindowSize
	for i, n := range s.windows {
		if i <= index-s.subWindows {
			s.totalCount -= n
			delete(s.windows, i)
		}
	}
	if s.totalCount >= s.permitsPerWindow {
		return false
	}
	s.totalCount++
	s.windows[index]++
	return true
}

// Middleware rejects requests over the limit with 429.
func (s *slideWindowLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.TryAcquire() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many collection requests"})
			return
		}
		c.Next()
	}
}
