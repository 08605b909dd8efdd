// Package api provides the HTTP API server implementation.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/deposit-custody/internal/adapter"
	"github.com/deposit-custody/internal/job"
	"github.com/deposit-custody/internal/logging"
	"github.com/deposit-custody/internal/models"
	"github.com/deposit-custody/internal/service"
	"github.com/deposit-custody/internal/types"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
)

// Service interfaces for dependency injection and testing

// LedgerServiceInterface defines the balance operations exposed to users
type LedgerServiceInterface interface {
	GetBalance(ctx context.Context, userID string) (decimal.Decimal, error)
	ListTransactions(ctx context.Context, userID string, filter models.TransactionFilter) ([]*models.Transaction, error)
	Withdraw(ctx context.Context, input service.WithdrawInput) (*models.Transaction, error)
	SetBalance(ctx context.Context, userID string, value decimal.Decimal, network, address string) error
}

// AddressServiceInterface defines the address registry operations
type AddressServiceInterface interface {
	ProvisionDepositAddress(ctx context.Context, userID string, chain types.ChainID) (*service.DepositAddress, error)
	BindUserAddress(ctx context.Context, input service.BindAddressInput) (*models.DepositWallet, error)
	ListDepositWallets(ctx context.Context, userID string) ([]*models.DepositWallet, error)
	SetPrimaryWallet(ctx context.Context, userID, walletID string) error
	DeactivateWallet(ctx context.Context, userID, walletID string) error
}

// ReconcilerInterface triggers deposit reconciliation
type ReconcilerInterface interface {
	Run(ctx context.Context) (*job.ReconcileResult, error)
	ProcessManualDeposit(ctx context.Context, input job.ManualDepositInput) (*job.ManualDepositResult, error)
}

// SweeperInterface triggers a sweep run
type SweeperInterface interface {
	Run(ctx context.Context) (*job.SweepResult, error)
}

// ProviderHealthSource reports chain provider health
type ProviderHealthSource interface {
	Health() map[types.ChainID]adapter.ProviderHealth
}

// HealthCheck reports whether one dependency is reachable
type HealthCheck func(ctx context.Context) error

// Dependencies are the collaborators the server routes to. Reconciler,
// Sweeper, Providers and Metrics are optional; their routes report 503 or
// are not mounted when absent.
type Dependencies struct {
	Ledger     LedgerServiceInterface
	Addresses  AddressServiceInterface
	Reconciler ReconcilerInterface
	Sweeper    SweeperInterface
	Providers  ProviderHealthSource
	Checks     map[string]HealthCheck
	Metrics    http.Handler
	Logger     *logging.Logger
}

// Server represents the HTTP API server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	deps       Dependencies
	auth       *Authenticator
	logger     *logging.Logger
	config     *ServerConfig
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	// JobTimeout bounds manually triggered job runs
	JobTimeout        time.Duration
	JWTSecret         string
	CronSecret        string
	RequestsPerSecond float64
	Burst             int
}

// NewServer creates a new API server instance.
func NewServer(config *ServerConfig, deps Dependencies) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	if config.JobTimeout <= 0 {
		config.JobTimeout = 5 * time.Minute
	}
	s := &Server{
		router: mux.NewRouter(),
		deps:   deps,
		auth:   NewAuthenticator(config.JWTSecret),
		logger: logger,
		config: config,
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	rateLimiter := NewRateLimiter(s.config.RequestsPerSecond, s.config.Burst)

	// order matters: the request logger must wrap recovery
	s.router.Use(RequestLoggerMiddleware(s.logger))
	s.router.Use(RecoveryMiddleware)
	s.router.Use(CORSMiddleware)
	s.router.Use(RateLimitMiddleware(rateLimiter))

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	if s.deps.Metrics != nil {
		s.router.Handle("/metrics", s.deps.Metrics).Methods("GET")
	}

	api := s.router.PathPrefix("/api").Subrouter()

	// Operator endpoints, authorized by the shared cron secret
	ops := api.PathPrefix("/deposits").Subrouter()
	ops.Use(CronSecretMiddleware(s.config.CronSecret))
	ops.HandleFunc("/check", s.handleTriggerReconciliation).Methods("POST")
	ops.HandleFunc("/process", s.handleProcessDeposit).Methods("POST")
	ops.HandleFunc("/sweep", s.handleTriggerSweep).Methods("POST")
	ops.HandleFunc("/sync-balance", s.handleSyncBalance).Methods("POST")

	// User endpoints
	user := api.NewRoute().Subrouter()
	user.Use(s.auth.Middleware)
	user.HandleFunc("/deposits/address", s.handleGetDepositAddress).Methods("GET")
	user.HandleFunc("/wallets", s.handleListWallets).Methods("GET")
	user.HandleFunc("/wallets", s.handleBindWallet).Methods("POST")
	user.HandleFunc("/wallets/{id}/primary", s.handleSetPrimaryWallet).Methods("PUT")
	user.HandleFunc("/wallets/{id}", s.handleDeactivateWallet).Methods("DELETE")
	user.HandleFunc("/balance", s.handleGetBalance).Methods("GET")
	user.HandleFunc("/transactions", s.handleListTransactions).Methods("GET")
	user.HandleFunc("/account/withdraw", s.handleWithdraw).Methods("POST")
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("starting API server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down API server")
	return s.httpServer.Shutdown(ctx)
}

// HealthResponse reports dependency and chain provider health
type HealthResponse struct {
	Status    string                                   `json:"status"`
	Service   string                                   `json:"service"`
	Checks    map[string]string                        `json:"checks"`
	Providers map[types.ChainID]adapter.ProviderHealth `json:"providers,omitempty"`
}

// handleHealth handles health check requests. A failing dependency check
// makes the service unhealthy; degraded chain providers are only reported.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	resp := HealthResponse{Status: "healthy", Service: "deposit-custody", Checks: map[string]string{}}
	for name, check := range s.deps.Checks {
		if err := check(ctx); err != nil {
			resp.Status = "unhealthy"
			resp.Checks[name] = "error"
			logging.FromContext(ctx).WithError(err).WithField("check", name).Warn("health check failed")
			continue
		}
		resp.Checks[name] = "ok"
	}
	if s.deps.Providers != nil {
		resp.Providers = s.deps.Providers.Health()
	}

	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, resp)
}
