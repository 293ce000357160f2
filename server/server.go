// Package server exposes the treasury HTTP API: the deposit webhook,
// allocation voting, settlement claims, the manual rebalance trigger
// and the processing event stream.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	lru "github.com/hashicorp/golang-lru"
	"github.com/wagmilabs/treasury/evm"
	"github.com/wagmilabs/treasury/jobs"
	"github.com/wagmilabs/treasury/kv"
	"github.com/wagmilabs/treasury/ledger"
	"github.com/wagmilabs/treasury/locks"
	"github.com/wagmilabs/treasury/pricing"
	"github.com/wagmilabs/treasury/settlement"
	"github.com/wagmilabs/treasury/vault"
	"github.com/wagmilabs/treasury/votes"
	"github.com/wagmilabs/treasury/worker"
)

// txCacheSize bounds the LRU over immutable confirmed-transaction
// lookups serving the deposit webhook.
const txCacheSize = 1024

// Config wires the HTTP service's collaborators.
type Config struct {
	Addr       string
	Store      kv.Store
	Client     evm.Client
	Ledger     *ledger.Ledger
	Votes      *votes.Store
	Prices     *pricing.Service
	Reader     *vault.Reader
	Queue      *jobs.Queue
	Locks      *locks.Registry
	Worker     *worker.Service
	Settlement *settlement.Service
}

// Service is the treasury HTTP API server.
type Service struct {
	cfg        *Config
	server     *http.Server
	txCache    *lru.Cache
	failStatus error
	now        func() time.Time
}

// New builds the HTTP service and its router.
func New(cfg *Config) (*Service, error) {
	cache, err := lru.New(txCacheSize)
	if err != nil {
		return nil, err
	}
	s := &Service{cfg: cfg, txCache: cache, now: time.Now}

	router := mux.NewRouter()
	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/deposits", s.PostDeposit).Methods(http.MethodPost)
	api.HandleFunc("/deposits/{address}", s.GetDeposits).Methods(http.MethodGet)
	api.HandleFunc("/votes", s.PostVote).Methods(http.MethodPost)
	api.HandleFunc("/votes", s.GetVotes).Methods(http.MethodGet)
	api.HandleFunc("/claims", s.PostClaim).Methods(http.MethodPost)
	api.HandleFunc("/claims/{address}", s.GetClaim).Methods(http.MethodGet)
	api.HandleFunc("/rebalances", s.PostRebalance).Methods(http.MethodPost)
	api.HandleFunc("/rebalances", s.GetRebalances).Methods(http.MethodGet)
	api.HandleFunc("/status", s.GetStatus).Methods(http.MethodGet)
	api.HandleFunc("/events", s.StreamEvents).Methods(http.MethodGet)

	s.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Router returns the configured handler, used by tests to serve
// requests without a listener.
func (s *Service) Router() http.Handler {
	return s.server.Handler
}

// Start the HTTP service.
func (s *Service) Start() {
	log.WithField("endpoint", s.server.Addr).Info("Starting HTTP server")
	go func() {
		err := s.server.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			log.WithError(err).Errorf("Could not listen on %s", s.server.Addr)
			s.failStatus = err
		}
	}()
}

// Stop the service gracefully.
func (s *Service) Stop() error {
	log.Info("Stopping HTTP server")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// Status checks for any service failure conditions.
func (s *Service) Status() error {
	return s.failStatus
}
