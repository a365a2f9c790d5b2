package dialer

import (
	"time"
)

type Config struct {
	// Timeout bounds one lookup. Zero means no extra deadline.
	Timeout time.Duration
	// CacheTTL is how long answers are reused. Zero disables caching.
	CacheTTL time.Duration
	// NegativeTTL is how long lookup failures are reused.
	NegativeTTL time.Duration
}

// DefaultNegativeTTL is how long failed lookups are cached unless overridden.
const DefaultNegativeTTL = 5 * time.Second
