package queue

import "time"

// Defaults for the retry policy.
const (
	DefaultBaseDelay           = time.Second
	DefaultMaxDelay            = 5 * time.Minute
	DefaultMaxAttempts         = 5
	DefaultConflictMaxAttempts = 1
	DefaultAuditTrailSize      = 100
)

// Config is the queue's retry policy.
type Config struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	// ConflictMaxAttempts is how many unresolved conflicts an item may retry
	// before it is marked failed.
	ConflictMaxAttempts int
	// AuditTrailSize bounds the audit trail; zero disables it.
	AuditTrailSize int
}

// DefaultConfig returns the default retry policy.
func DefaultConfig() Config {
	return Config{
		BaseDelay:           DefaultBaseDelay,
		MaxDelay:            DefaultMaxDelay,
		MaxAttempts:         DefaultMaxAttempts,
		ConflictMaxAttempts: DefaultConflictMaxAttempts,
		AuditTrailSize:      DefaultAuditTrailSize,
	}
}

func (c Config) withDefaults() Config {
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.ConflictMaxAttempts < 0 {
		c.ConflictMaxAttempts = 0
	}
	if c.AuditTrailSize < 0 {
		c.AuditTrailSize = 0
	}
	return c
}

// Backoff returns the jittered retry delay after the given number of
// attempts: min(base*2^attempts, max) scaled by a factor in [0.8, 1.2).
func (q *SyncQueue) Backoff(attempts int) time.Duration {
	q.randMu.Lock()
	r := q.random()
	q.randMu.Unlock()
	return calculateBackoff(q.cfg.BaseDelay, q.cfg.MaxDelay, attempts, r)
}

func calculateBackoff(base, max time.Duration, attempts int, r float64) time.Duration {
	delay := base
	for i := 0; i < attempts && delay < max; i++ {
		delay *= 2
	}
	if delay > max {
		delay = max
	}
	return time.Duration(float64(delay) * (0.8 + 0.4*r))
}
