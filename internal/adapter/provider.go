package adapter

import (
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// ProviderHealth is the health snapshot of one chain's RPC endpoints
type ProviderHealth struct {
	CurrentURL       string    `json:"currentUrl"`
	TotalRequests    int64     `json:"totalRequests"`
	FailedReqs       int64     `json:"failedRequests"`
	SuccessRate      float64   `json:"successRate"`
	ConsecutiveFails int       `json:"consecutiveFails"`
	LastFailure      time.Time `json:"lastFailure,omitempty"`
	BreakerState     string    `json:"breakerState"`
	IsHealthy        bool      `json:"isHealthy"`
}

// RPCProvider tracks a primary and an optional secondary endpoint and the
// health of whichever is current.
type RPCProvider struct {
	mu sync.RWMutex

	primaryURL   string
	secondaryURL string
	currentURL   string

	totalRequests    int64
	failedReqs       int64
	lastFailure      time.Time
	consecutiveFails int

	maxConsecutiveFails int
	minSuccessRate      float64
}

// NewRPCProvider creates a new RPC provider with primary and optional secondary URLs
func NewRPCProvider(primaryURL, secondaryURL string) (*RPCProvider, error) {
	if primaryURL == "" {
		return nil, fmt.Errorf("primary URL cannot be empty")
	}

	return &RPCProvider{
		primaryURL:          primaryURL,
		secondaryURL:        secondaryURL,
		currentURL:          primaryURL,
		maxConsecutiveFails: 5,
		minSuccessRate:      0.5,
	}, nil
}

// CurrentURL returns the currently active endpoint
func (p *RPCProvider) CurrentURL() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.currentURL
}

// Failover switches between primary and secondary. It fails when only one
// endpoint is configured.
func (p *RPCProvider) Failover() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.secondaryURL == "" {
		return "", fmt.Errorf("no secondary provider configured: %w", ErrProviderUnavailable)
	}
	if p.currentURL == p.primaryURL {
		p.currentURL = p.secondaryURL
	} else {
		p.currentURL = p.primaryURL
	}
	p.consecutiveFails = 0
	return p.currentURL, nil
}

// RecordSuccess records a successful request for health tracking
func (p *RPCProvider) RecordSuccess() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.totalRequests++
	p.consecutiveFails = 0
}

// RecordFailure records a failed request for health tracking
func (p *RPCProvider) RecordFailure() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.totalRequests++
	p.failedReqs++
	p.lastFailure = time.Now()
	p.consecutiveFails++
}

// Health returns the current health snapshot
func (p *RPCProvider) Health() ProviderHealth {
	p.mu.RLock()
	defer p.mu.RUnlock()

	successRate := 1.0
	if p.totalRequests > 0 {
		successRate = float64(p.totalRequests-p.failedReqs) / float64(p.totalRequests)
	}

	return ProviderHealth{
		CurrentURL:       p.currentURL,
		TotalRequests:    p.totalRequests,
		FailedReqs:       p.failedReqs,
		SuccessRate:      successRate,
		ConsecutiveFails: p.consecutiveFails,
		LastFailure:      p.lastFailure,
		IsHealthy:        p.isHealthyLocked(),
	}
}

// IsHealthy returns true if the provider is considered healthy
func (p *RPCProvider) IsHealthy() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.isHealthyLocked()
}

// isHealthyLocked checks health status (must be called with lock held)
func (p *RPCProvider) isHealthyLocked() bool {
	if p.consecutiveFails >= p.maxConsecutiveFails {
		return false
	}

	// Only judge the success rate once there is enough data
	if p.totalRequests >= 10 {
		successRate := float64(p.totalRequests-p.failedReqs) / float64(p.totalRequests)
		if successRate < p.minSuccessRate {
			return false
		}
	}

	return true
}

// Reset resets the provider to use the primary endpoint
func (p *RPCProvider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.currentURL = p.primaryURL
	p.consecutiveFails = 0
}

// newBreaker builds the circuit breaker guarding one chain provider.
// Rate limits do not count as failures; they are handled by returning
// partial results instead.
func newBreaker(name string, logger *zap.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || isRateLimitError(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("chain provider circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
}
