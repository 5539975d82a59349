package transport

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/addonrt/model"
)

// Factory builds a fresh Client for every invocation while sharing the HTTP
// connection pool and one circuit breaker per integration.
type Factory struct {
	http     *http.Client
	breaker  BreakerConfig
	expired  ExpiredFunc
	observer Observer
	logger   *zap.Logger

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// FactoryOption configures a Factory.
type FactoryOption func(*Factory)

// WithFactoryHTTPClient sets the shared HTTP client.
func WithFactoryHTTPClient(hc *http.Client) FactoryOption {
	return func(f *Factory) { f.http = hc }
}

// WithTimeout sets the per-request timeout of the shared HTTP client.
func WithTimeout(d time.Duration) FactoryOption {
	return func(f *Factory) { f.http = &http.Client{Timeout: d} }
}

// WithFactoryObserver reports events of every client to o.
func WithFactoryObserver(o Observer) FactoryOption {
	return func(f *Factory) { f.observer = o }
}

// WithFactoryLogger sets the logger handed to every client.
func WithFactoryLogger(l *zap.Logger) FactoryOption {
	return func(f *Factory) { f.logger = l }
}

// WithFactoryExpiredFunc overrides expired-credential detection for every client.
func WithFactoryExpiredFunc(fn ExpiredFunc) FactoryOption {
	return func(f *Factory) { f.expired = fn }
}

// NewFactory creates a client factory.
func NewFactory(breaker BreakerConfig, opts ...FactoryOption) *Factory {
	f := &Factory{
		breaker:  breaker,
		expired:  UnauthorizedExpired,
		observer: nopObserver{},
		logger:   zap.NewNop(),
		breakers: make(map[string]*CircuitBreaker),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.http == nil {
		f.http = &http.Client{Timeout: 30 * time.Second}
	}
	return f
}

// For returns a new Client for the integration. Each client carries its
// own single refresh allowance.
func (f *Factory) For(in *model.Integration) (*Client, error) {
	if in == nil || in.Grant == nil {
		return nil, fmt.Errorf("transport: integration has no authorization grant")
	}
	return NewClient(in.ID, in.BaseURL, in.Grant,
		WithHTTPClient(f.http),
		WithBreaker(f.breakerFor(in.ID)),
		WithExpiredFunc(f.expired),
		WithObserver(f.observer),
		WithLogger(f.logger.With(zap.String("integration_id", in.ID))),
	)
}

// BreakerState returns the breaker state of an integration, or closed if
// no request was made yet.
func (f *Factory) BreakerState(integrationID string) BreakerState {
	f.mu.Lock()
	cb, ok := f.breakers[integrationID]
	f.mu.Unlock()
	if !ok {
		return BreakerClosed
	}
	return cb.State()
}

func (f *Factory) breakerFor(integrationID string) *CircuitBreaker {
	f.mu.Lock()
	defer f.mu.Unlock()
	cb, ok := f.breakers[integrationID]
	if !ok {
		cb = NewCircuitBreaker(f.breaker)
		f.breakers[integrationID] = cb
	}
	return cb
}
