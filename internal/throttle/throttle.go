// Package throttle implements the bounded per-source request-rate
// tracker used by the status UDP endpoint: same package name and
// New(logger) constructor shape as a generic endpoint throttle, but
// the bookkeeping here is a per-(time-bucket,host) request-count LRU
// rather than a success-rate/backoff tracker.
package throttle

import (
	"encoding/binary"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// DefaultCacheSize is the default bound on distinct (bucket, host)
// entries tracked at once.
const DefaultCacheSize = 1024

// DefaultRate is the default per-host request count within one time
// bucket at which responses start being dropped: the DefaultRate-th
// request and every later one in that bucket are dropped.
const DefaultRate = 10

// Throttle tracks per-source request counts in fixed-width time
// buckets and reports when a source has exceeded the configured rate.
// The "current" bucket advances only when Advance is called, driven by
// an internal monotonic clock independent of wall time — see Advance.
type Throttle struct {
	cache    *lru.Cache[string, int]
	rate     int
	elapsed  time.Duration
	lastTick time.Time
	haveLast bool
	logger   *zap.Logger
}

// New creates a throttle with the default capacity and rate.
func New(logger *zap.Logger) *Throttle {
	return NewSized(logger, DefaultCacheSize, DefaultRate)
}

// NewSized creates a throttle with an explicit capacity and rate.
func NewSized(logger *zap.Logger, cacheSize, rate int) *Throttle {
	cache, err := lru.New[string, int](cacheSize)
	if err != nil {
		// Only returns an error for a non-positive size; fall back to
		// the documented default rather than panic on a bad config.
		cache, _ = lru.New[string, int](DefaultCacheSize)
	}
	return &Throttle{
		cache:  cache,
		rate:   rate,
		logger: logger,
	}
}

// Advance moves the internal monotonic clock forward to now, deriving
// the elapsed delta since the previous call itself — the Go analogue
// of the source's perf_counter() bookkeeping in datagram_received. The
// first call establishes the baseline and does not advance the bucket.
func (t *Throttle) Advance(now time.Time) {
	if !t.haveLast {
		t.haveLast = true
		t.lastTick = now
		return
	}
	if d := now.Sub(t.lastTick); d > 0 {
		t.elapsed += d
	}
	t.lastTick = now
}

// bucketSeconds is the current time bucket, truncated to whole
// seconds, matching the source's int(self._time_now) truncation.
func (t *Throttle) bucketSeconds() int32 {
	return int32(t.elapsed / time.Second)
}

// ShouldThrottle records one request from host in the current time
// bucket and reports whether it has reached the configured rate.
func (t *Throttle) ShouldThrottle(host string) bool {
	key := bucketKey(t.bucketSeconds(), host)
	count, _ := t.cache.Get(key)
	count++
	t.cache.Add(key, count)
	throttled := count >= t.rate
	if throttled && t.logger != nil {
		t.logger.Debug("throttling status request", zap.String("host", host), zap.Int("count", count))
	}
	return throttled
}

// bucketKey concatenates the 4-byte big-endian bucket with the UTF-8
// host, keyed on the remote address alone.
func bucketKey(bucket int32, host string) string {
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(bucket))
	return string(prefix[:]) + host
}
