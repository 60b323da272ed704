package main

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"

	"inkprotocol/config"
	"inkprotocol/core/events"
	"inkprotocol/core/state"
	"inkprotocol/gateway/audit"
	"inkprotocol/gateway/middleware"
	"inkprotocol/gateway/routes"
	"inkprotocol/native/authority"
	"inkprotocol/native/bank"
	nativecommon "inkprotocol/native/common"
	"inkprotocol/native/escrow"
	"inkprotocol/native/escrow/mediation"
	"inkprotocol/observability"
	"inkprotocol/storage"
)

var genesisKey = []byte("inkd/genesis")

// node holds the services assembled from a configuration.
type node struct {
	db        storage.Database
	state     *state.Manager
	ledger    *bank.Ledger
	registry  *authority.Registry
	engine    *escrow.Engine
	mediators []*mediation.FeeSchedule
	audit     *audit.Store
	handler   http.Handler
}

func (n *node) Close() error {
	var err error
	if n.audit != nil {
		err = n.audit.Close()
	}
	if n.db != nil {
		n.db.Close()
	}
	return err
}

func openDatabase(cfg *config.Config) (storage.Database, error) {
	switch cfg.Storage.Backend {
	case config.BackendMemory:
		return storage.NewMemDB(), nil
	case config.BackendLevelDB:
		return storage.NewLevelDB(cfg.ResolvePath(cfg.Storage.Path))
	case config.BackendBolt:
		path := cfg.ResolvePath(cfg.Storage.Path)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
		return storage.NewBoltDB(path)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// applyGenesis credits the configured balances once. It reports whether the
// allocation ran.
func applyGenesis(manager *state.Manager, balances []config.GenesisBalance, now time.Time) (bool, error) {
	type credit struct {
		to     common.Address
		amount *big.Int
	}
	credits := make([]credit, 0, len(balances))
	for i, entry := range balances {
		addr, amount, err := entry.Balance()
		if err != nil {
			return false, fmt.Errorf("genesis[%d]: %w", i, err)
		}
		credits = append(credits, credit{to: addr, amount: amount})
	}
	applied := false
	err := manager.Update(func(txn *state.Txn) error {
		var at uint64
		ok, err := txn.KVGet(genesisKey, &at)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		for _, c := range credits {
			if err := bank.Credit(txn, c.to, c.amount); err != nil {
				return err
			}
		}
		applied = true
		return txn.KVPut(genesisKey, uint64(now.Unix()))
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// buildDirectory registers the configured collaborators and returns the fee
// schedules that still need binding to the engine.
func buildDirectory(cfg *config.Config) (*escrow.Directory, []*mediation.FeeSchedule, error) {
	directory := escrow.NewDirectory()
	for i, p := range cfg.Policies {
		addr, err := config.ParseAddress(p.Address)
		if err != nil {
			return nil, nil, fmt.Errorf("policies[%d]: %w", i, err)
		}
		policy := mediation.FixedPolicy{
			Fulfillment: p.FulfillmentExpiry.Std(),
			Transaction: p.TransactionExpiry.Std(),
			Escalation:  p.EscalationExpiry.Std(),
		}
		if err := directory.RegisterPolicy(addr, policy); err != nil {
			return nil, nil, fmt.Errorf("policies[%d]: %w", i, err)
		}
	}
	schedules := make([]*mediation.FeeSchedule, 0, len(cfg.Mediators))
	for i, m := range cfg.Mediators {
		addr, err := config.ParseAddress(m.Address)
		if err != nil {
			return nil, nil, fmt.Errorf("mediators[%d]: %w", i, err)
		}
		limits, err := m.Limits()
		if err != nil {
			return nil, nil, fmt.Errorf("mediators[%d]: %w", i, err)
		}
		schedule := mediation.NewFeeSchedule(addr, m.MediationExpiry.Std(), limits)
		for raw, bps := range m.FeesBPS {
			kind, err := mediation.ParseFeeKind(raw)
			if err != nil {
				return nil, nil, fmt.Errorf("mediators[%d]: %w", i, err)
			}
			if err := schedule.SetRate(kind, bps); err != nil {
				return nil, nil, fmt.Errorf("mediators[%d]: %w", i, err)
			}
		}
		if err := directory.RegisterMediator(addr, schedule); err != nil {
			return nil, nil, fmt.Errorf("mediators[%d]: %w", i, err)
		}
		schedules = append(schedules, schedule)
	}
	for i, o := range cfg.Owners {
		addr, err := config.ParseAddress(o.Address)
		if err != nil {
			return nil, nil, fmt.Errorf("owners[%d]: %w", i, err)
		}
		buyers := make([]common.Address, 0, len(o.Buyers))
		for _, raw := range o.Buyers {
			buyer, err := config.ParseAddress(raw)
			if err != nil {
				return nil, nil, fmt.Errorf("owners[%d]: %w", i, err)
			}
			buyers = append(buyers, buyer)
		}
		if err := directory.RegisterOwner(addr, mediation.NewAllowlistOwner(buyers...)); err != nil {
			return nil, nil, fmt.Errorf("owners[%d]: %w", i, err)
		}
	}
	return directory, schedules, nil
}

func rateLimits(cfg *config.Config) map[string]middleware.RateLimit {
	limits := make(map[string]middleware.RateLimit, len(cfg.RateLimits))
	for _, entry := range cfg.RateLimits {
		if entry.ID == "" {
			continue
		}
		limits[entry.ID] = middleware.RateLimit{RatePerSecond: entry.PerSecond(), Burst: entry.Burst}
	}
	return limits
}

// buildNode assembles storage, the native modules and the HTTP gateway.
func buildNode(cfg *config.Config, logger *slog.Logger) (_ *node, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	escrowAddr, err := config.ParseAddress(cfg.EscrowAddress)
	if err != nil {
		return nil, fmt.Errorf("escrow address: %w", err)
	}
	secret := cfg.AuthSecret()
	if cfg.Auth.Enabled && secret == "" {
		return nil, errors.New("auth enabled but no HMAC secret configured; set auth.HMACSecret or the variable named by auth.HMACSecretEnv")
	}

	db, err := openDatabase(cfg)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	n := &node{db: db}
	defer func() {
		if err != nil {
			_ = n.Close()
		}
	}()

	n.state = state.NewManager(db)
	applied, err := applyGenesis(n.state, cfg.Genesis, time.Now())
	if err != nil {
		return nil, fmt.Errorf("apply genesis: %w", err)
	}
	if applied {
		logger.Info("genesis allocation applied", "accounts", len(cfg.Genesis))
	}

	emitter := events.MultiEmitter{observability.Events(), &logEmitter{logger: logger}}
	pauses := nativecommon.NewPauses(cfg.PausedModules...)

	n.ledger = bank.NewLedger(n.state)
	n.ledger.SetEmitter(emitter)
	n.registry = authority.NewRegistry(n.state)
	n.registry.SetEmitter(emitter)
	n.registry.SetPauses(pauses)

	directory, schedules, err := buildDirectory(cfg)
	if err != nil {
		return nil, err
	}
	n.engine = escrow.NewEngine(n.state, n.registry, directory, escrowAddr)
	n.engine.SetLogger(logger.With("module", "escrow"))
	n.engine.SetObserver(observability.Escrow())
	n.engine.SetEmitter(emitter)
	n.engine.SetPauses(pauses)
	hosted := make([]routes.Mediator, 0, len(schedules))
	for _, schedule := range schedules {
		schedule.Bind(n.engine)
		hosted = append(hosted, schedule)
	}
	n.mediators = schedules

	if cfg.Audit.Enabled {
		n.audit, err = audit.Open(cfg.ResolvePath(cfg.Audit.Path))
		if err != nil {
			return nil, fmt.Errorf("open audit store: %w", err)
		}
	}

	auth := middleware.NewAuthenticator(middleware.AuthConfig{
		Enabled:    cfg.Auth.Enabled,
		HMACSecret: secret,
		Issuer:     cfg.Auth.Issuer,
		Audience:   cfg.Auth.Audience,
		ScopeClaim: cfg.Auth.ScopeClaim,
		ClockSkew:  cfg.Auth.ClockSkew.Std(),
	}, logger)
	limiter := middleware.NewRateLimiter(rateLimits(cfg), logger)
	limiter.OnLimit(func(key string) {
		observability.ModuleMetrics().RecordThrottle(key, "rate_limit")
	})
	obs := middleware.NewObservability(middleware.ObservabilityConfig{
		ServiceName: "inkd",
		LogRequests: cfg.Telemetry.LogRequests,
		Enabled:     true,
	}, logger)

	n.handler, err = routes.New(routes.Config{
		Engine:         n.engine,
		Registry:       n.registry,
		Ledger:         n.ledger,
		Authenticator:  auth,
		RateLimiter:    limiter,
		Observability:  obs,
		Mediators:      hosted,
		Audit:          n.audit,
		Gatherers:      []prometheus.Gatherer{prometheus.DefaultGatherer},
		Logger:         logger,
		RequestTimeout: cfg.RequestTimeout.Std(),
		Tracing:        cfg.Telemetry.Traces,
	})
	if err != nil {
		return nil, fmt.Errorf("configure routes: %w", err)
	}
	return n, nil
}

// logEmitter writes committed events to the structured log.
type logEmitter struct {
	logger *slog.Logger
}

func (l *logEmitter) Emit(evt events.Event) {
	if evt == nil {
		return
	}
	e := evt.Event()
	if e == nil {
		return
	}
	l.logger.Debug("event", "type", e.Type, "attributes", e.Attributes)
}

func buildTLSConfig(baseDir string, sec config.SecurityConfig) (*tls.Config, error) {
	certPath := resolveTLSPath(baseDir, sec.TLSCertFile)
	keyPath := resolveTLSPath(baseDir, sec.TLSKeyFile)
	if certPath == "" && keyPath == "" {
		return nil, nil
	}
	if certPath == "" || keyPath == "" {
		return nil, fmt.Errorf("security.TLSCertFile and security.TLSKeyFile must both be provided when enabling TLS")
	}
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load TLS key pair: %w", err)
	}
	if _, err := x509.ParseCertificate(cert.Certificate[0]); err != nil {
		return nil, fmt.Errorf("parse TLS certificate: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil
}

func resolveTLSPath(baseDir, path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return ""
	}
	if baseDir == "" || filepath.IsAbs(trimmed) {
		return trimmed
	}
	return filepath.Join(baseDir, trimmed)
}

func isLoopbackAddress(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if host == "" {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}
