package routes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"inkprotocol/gateway/audit"
	"inkprotocol/gateway/middleware"
	"inkprotocol/native/authority"
	"inkprotocol/native/bank"
	"inkprotocol/native/escrow"
)

// Mediator is a mediator hosted by this node. It rules on escalated
// transactions under its own address.
type Mediator interface {
	Address() common.Address
	Confirm(ctx context.Context, id uint64) (*escrow.Transaction, error)
	Refund(ctx context.Context, id uint64) (*escrow.Transaction, error)
	Settle(ctx context.Context, id uint64, buyerAmount, sellerAmount *big.Int) (*escrow.Transaction, error)
}

// Config wires the protocol modules and the gateway middleware into the HTTP API.
type Config struct {
	Engine        *escrow.Engine
	Registry      *authority.Registry
	Ledger        *bank.Ledger
	Authenticator *middleware.Authenticator
	RateLimiter   *middleware.RateLimiter
	Observability *middleware.Observability
	// Mediators handle the /mediator/* calls made under their address. Other
	// callers reach the engine directly.
	Mediators []Mediator
	// Audit is optional; without it requests are not recorded and
	// Idempotency-Key headers are ignored.
	Audit *audit.Store
	// Gatherers are exposed on /metrics next to the gateway's own registry.
	Gatherers []prometheus.Gatherer
	Logger    *slog.Logger
	// RequestTimeout bounds each engine call, collaborator calls included.
	RequestTimeout time.Duration
	Tracing        bool
}

type server struct {
	engine    *escrow.Engine
	registry  *authority.Registry
	ledger    *bank.Ledger
	mediators map[common.Address]Mediator
	audit     *audit.Store
	logger    *slog.Logger
	timeout   time.Duration
	now       func() time.Time
}

func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil || cfg.Registry == nil || cfg.Ledger == nil {
		return nil, errors.New("routes: engine, registry and ledger are required")
	}
	if cfg.Authenticator == nil {
		return nil, errors.New("routes: authenticator required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &server{
		engine:    cfg.Engine,
		registry:  cfg.Registry,
		ledger:    cfg.Ledger,
		mediators: make(map[common.Address]Mediator, len(cfg.Mediators)),
		audit:     cfg.Audit,
		logger:    logger,
		timeout:   cfg.RequestTimeout,
		now:       time.Now,
	}
	for _, m := range cfg.Mediators {
		if m == nil {
			continue
		}
		if _, dup := s.mediators[m.Address()]; dup {
			return nil, fmt.Errorf("routes: mediator %s configured twice", m.Address().Hex())
		}
		s.mediators[m.Address()] = m
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	obs := cfg.Observability
	if obs != nil {
		r.Use(obs.Middleware("root"))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if obs != nil {
		r.Handle("/metrics", obs.MetricsHandler(cfg.Gatherers...))
	}

	limit := func(key string) func(http.Handler) http.Handler {
		if cfg.RateLimiter == nil {
			return func(next http.Handler) http.Handler { return next }
		}
		return cfg.RateLimiter.Middleware(key)
	}
	traced := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			if obs == nil {
				return next
			}
			return obs.Middleware(name)(next)
		}
	}

	r.Route("/v1", func(v1 chi.Router) {
		// Reads are public.
		v1.Group(func(pub chi.Router) {
			pub.Use(limit("read"))
			pub.Get("/transactions/{id}", s.instrument("escrow", "get", s.handleGetTransaction))
			pub.Get("/escrow", s.instrument("escrow", "status", s.handleEscrowStatus))
			pub.Get("/authorizations/{principal}", s.instrument("authority", "agent", s.handleGetAgent))
			pub.Get("/authorizations/{principal}/{caller}", s.instrument("authority", "authorized_by", s.handleAuthorizedBy))
			pub.Get("/balances/{address}", s.instrument("bank", "balance", s.handleBalance))
		})

		v1.Group(func(tx chi.Router) {
			tx.Use(cfg.Authenticator.Middleware())
			tx.Use(limit("escrow"))
			tx.Use(traced("escrow"))
			tx.Post("/transactions", s.instrument("escrow", "create", s.handleCreate(createByBuyer)))
			tx.Post("/transactions/for-buyer", s.instrument("escrow", "create_for_buyer", s.handleCreate(createForBuyer)))
			tx.Post("/transactions/for-buyer-and-seller", s.instrument("escrow", "create_for_buyer_and_seller", s.handleCreate(createForBuyerAndSeller)))
			tx.Post("/transactions/{id}/mediator/settle", s.instrument("escrow", "settle_by_mediator", s.handleSettleByMediator))
			tx.Post("/transactions/{id}/mediator/{action}", s.instrument("escrow", "mediator", s.handleMediatorAction))
			tx.Post("/transactions/{id}/{action}", s.instrument("escrow", "transition", s.handleTransition))
		})

		v1.Group(func(auth chi.Router) {
			auth.Use(cfg.Authenticator.Middleware())
			auth.Use(limit("authority"))
			auth.Use(traced("authority"))
			auth.Post("/authorizations", s.instrument("authority", "authorize", s.handleAuthorize))
			auth.Delete("/authorizations/{agent}", s.instrument("authority", "deauthorize", s.handleDeauthorize))
		})
	})

	handler := http.Handler(r)
	if cfg.Tracing {
		handler = otelhttp.NewHandler(handler, "inkd")
	}
	return handler, nil
}
