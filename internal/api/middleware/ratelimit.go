package middleware

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	burstCapacityMultiplier    int     = 2
	defaultMaxOperators        int     = 1000
	defaultGlobalRPS           int     = 50
	defaultOperatorRPS         int     = 10
	defaultUnAuthRPS           int     = 5
	thresholdMultiplier        float64 = 0.8
	thresholdPercentage        int     = 80
	rateLimiterCleanupInterval         = 5 * time.Minute
	rateLimiterIdleTimeout             = 1 * time.Hour
)

type (
	// RateLimiter decides whether a request may proceed.
	RateLimiter interface {
		// Allow reports whether a request from operatorID is allowed.
		// An empty operatorID means the request is unauthenticated.
		Allow(operatorID string) bool
	}

	// InMemoryRateLimiter implements RateLimiter with token buckets from
	// golang.org/x/time/rate.
	//
	// A global bucket gates every request; each operator then has its own
	// bucket, and unauthenticated requests share one. Operator buckets idle
	// longer than IdleTimeout are dropped by a background sweep.
	InMemoryRateLimiter struct {
		global          *rate.Limiter
		perOperator     map[string]*operatorLimiter
		unauthenticated *rate.Limiter
		mu              sync.RWMutex
		cleanupTicker   *time.Ticker
		done            chan struct{}
		closeOnce       sync.Once

		operatorRPS     int
		operatorBurst   int
		cleanupInterval time.Duration
		idleTimeout     time.Duration
		maxOperators    int
	}

	operatorLimiter struct {
		limiter    *rate.Limiter
		lastAccess time.Time
		mu         sync.Mutex
	}
)

// NewInMemoryRateLimiter creates a rate limiter and starts its cleanup sweep.
// Callers must Close it.
func NewInMemoryRateLimiter(config *Config) *InMemoryRateLimiter {
	rl := &InMemoryRateLimiter{
		global: rate.NewLimiter(rate.Limit(config.GlobalRPS),
			computeBurstCapacity(config.GlobalRPS, config.GlobalBurst)),
		perOperator: make(map[string]*operatorLimiter),
		unauthenticated: rate.NewLimiter(rate.Limit(config.UnAuthRPS),
			computeBurstCapacity(config.UnAuthRPS, config.UnAuthBurst)),
		done:            make(chan struct{}),
		operatorRPS:     config.OperatorRPS,
		operatorBurst:   computeBurstCapacity(config.OperatorRPS, config.OperatorBurst),
		cleanupInterval: config.CleanupInterval,
		idleTimeout:     config.IdleTimeout,
		maxOperators:    config.MaxOperators,
	}

	rl.startCleanup()

	return rl
}

// computeBurstCapacity returns burstOverride when positive, else 2 × rate.
func computeBurstCapacity(rate, burstOverride int) int {
	if burstOverride > 0 {
		return burstOverride
	}

	return rate * burstCapacityMultiplier
}

// Allow implements RateLimiter.
func (rl *InMemoryRateLimiter) Allow(operatorID string) bool {
	if !rl.global.Allow() {
		return false
	}

	if operatorID == "" {
		return rl.unauthenticated.Allow()
	}

	ol := rl.limiterFor(operatorID)

	ol.mu.Lock()
	ol.lastAccess = time.Now()
	ol.mu.Unlock()

	return ol.limiter.Allow()
}

func (rl *InMemoryRateLimiter) limiterFor(operatorID string) *operatorLimiter {
	rl.mu.RLock()
	ol, ok := rl.perOperator[operatorID]
	rl.mu.RUnlock()

	if ok {
		return ol
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if ol, ok = rl.perOperator[operatorID]; ok {
		return ol
	}

	ol = &operatorLimiter{
		limiter:    rate.NewLimiter(rate.Limit(rl.operatorRPS), rl.operatorBurst),
		lastAccess: time.Now(),
	}
	rl.perOperator[operatorID] = ol

	if count := len(rl.perOperator); rl.maxOperators > 0 &&
		count >= int(float64(rl.maxOperators)*thresholdMultiplier) {
		slog.Warn("rate limiter approaching max operators limit",
			"current_operators", count,
			"max_operators", rl.maxOperators,
			"threshold_percent", thresholdPercentage,
		)
	}

	return ol
}

// Close stops the cleanup goroutine. It is safe to call more than once.
func (rl *InMemoryRateLimiter) Close() error {
	rl.closeOnce.Do(func() {
		if rl.cleanupTicker != nil {
			rl.cleanupTicker.Stop()
		}

		close(rl.done)
	})

	return nil
}

func (rl *InMemoryRateLimiter) startCleanup() {
	interval := rl.cleanupInterval
	if interval == 0 {
		interval = rateLimiterCleanupInterval
	}

	rl.cleanupTicker = time.NewTicker(interval)

	go func() {
		for {
			select {
			case <-rl.cleanupTicker.C:
				rl.cleanup()
			case <-rl.done:
				return
			}
		}
	}()
}

// cleanup removes operator limiters that have not been used recently.
func (rl *InMemoryRateLimiter) cleanup() {
	idleTimeout := rl.idleTimeout
	if idleTimeout == 0 {
		idleTimeout = rateLimiterIdleTimeout
	}

	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	for id, ol := range rl.perOperator {
		ol.mu.Lock()
		idle := now.Sub(ol.lastAccess)
		ol.mu.Unlock()

		if idle > idleTimeout {
			delete(rl.perOperator, id)
		}
	}
}

// operatorCount returns the number of tracked operator buckets.
func (rl *InMemoryRateLimiter) operatorCount() int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	return len(rl.perOperator)
}

// RateLimit returns a middleware that answers 429 with an RFC 7807 body when
// the limiter refuses a request. It must run after authentication so
// operators get their own bucket.
func RateLimit(limiter RateLimiter, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			operatorID := ""
			if opCtx, ok := GetOperatorContext(r.Context()); ok {
				operatorID = opCtx.OperatorID
			}

			if !limiter.Allow(operatorID) {
				w.Header().Set("Retry-After", "1")
				writeProblemOrText(w, r, logger, http.StatusTooManyRequests, "Too Many Requests",
					"Rate limit exceeded. Please retry after some time.")

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
