package config

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"inkprotocol/native/bank"
	"inkprotocol/native/escrow/mediation"
)

// ParseAddress parses a non-zero hex address.
func ParseAddress(raw string) (common.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, fmt.Errorf("invalid address %q", raw)
	}
	addr := common.HexToAddress(trimmed)
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("zero address not allowed")
	}
	return addr, nil
}

func parseOptionalAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, nil
	}
	return bank.ParseAmount(trimmed)
}

// Balance parses the genesis entry.
func (g GenesisBalance) Balance() (common.Address, *big.Int, error) {
	addr, err := ParseAddress(g.Address)
	if err != nil {
		return common.Address{}, nil, err
	}
	amount, err := bank.ParseAmount(strings.TrimSpace(g.Amount))
	if err != nil {
		return common.Address{}, nil, err
	}
	return addr, amount, nil
}

// Limits parses the amount bounds of the mediator.
func (m MediatorConfig) Limits() (mediation.Limits, error) {
	lower, err := parseOptionalAmount(m.MinAmount)
	if err != nil {
		return mediation.Limits{}, fmt.Errorf("MinAmount: %w", err)
	}
	upper, err := parseOptionalAmount(m.MaxAmount)
	if err != nil {
		return mediation.Limits{}, fmt.Errorf("MaxAmount: %w", err)
	}
	if lower != nil && upper != nil && lower.Cmp(upper) > 0 {
		return mediation.Limits{}, fmt.Errorf("MinAmount %s exceeds MaxAmount %s", lower, upper)
	}
	return mediation.Limits{Min: lower, Max: upper}, nil
}

// Validate checks addresses, durations, fee tables and the storage backend.
func (cfg *Config) Validate() error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		return fmt.Errorf("ListenAddress required")
	}
	escrowAddr, err := ParseAddress(cfg.EscrowAddress)
	if err != nil {
		return fmt.Errorf("EscrowAddress: %w", err)
	}
	switch cfg.Storage.Backend {
	case BackendMemory:
	case BackendLevelDB, BackendBolt:
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			return fmt.Errorf("storage.Path required for %s backend", cfg.Storage.Backend)
		}
	default:
		return fmt.Errorf("storage.Backend %q not one of memory, leveldb, bolt", cfg.Storage.Backend)
	}
	for name, d := range map[string]Duration{
		"RequestTimeout": cfg.RequestTimeout,
		"ReadTimeout":    cfg.ReadTimeout,
		"WriteTimeout":   cfg.WriteTimeout,
		"IdleTimeout":    cfg.IdleTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.SampleRatio must be within [0,1]")
	}
	if cfg.Audit.Enabled && strings.TrimSpace(cfg.Audit.Path) == "" {
		return fmt.Errorf("audit.Path required when the audit log is enabled")
	}
	seenLimits := make(map[string]struct{}, len(cfg.RateLimits))
	for i, limit := range cfg.RateLimits {
		id := strings.TrimSpace(limit.ID)
		if id == "" {
			return fmt.Errorf("ratelimits[%d].ID required", i)
		}
		if _, dup := seenLimits[id]; dup {
			return fmt.Errorf("ratelimits: duplicate ID %q", id)
		}
		seenLimits[id] = struct{}{}
		if limit.PerSecond() <= 0 || limit.Burst <= 0 {
			return fmt.Errorf("ratelimits[%s]: rate and burst must be positive", id)
		}
	}
	for i, entry := range cfg.Genesis {
		addr, _, err := entry.Balance()
		if err != nil {
			return fmt.Errorf("Genesis[%d]: %w", i, err)
		}
		if addr == escrowAddr {
			return fmt.Errorf("Genesis[%d]: escrow account cannot be funded at genesis", i)
		}
	}
	return cfg.validateCollaborators(escrowAddr)
}

func (cfg *Config) validateCollaborators(escrowAddr common.Address) error {
	seen := map[common.Address]string{escrowAddr: "escrow"}
	claim := func(kind string, i int, raw string) error {
		addr, err := ParseAddress(raw)
		if err != nil {
			return fmt.Errorf("%s[%d].Address: %w", kind, i, err)
		}
		if prev, dup := seen[addr]; dup {
			return fmt.Errorf("%s[%d].Address %s already used by %s", kind, i, addr.Hex(), prev)
		}
		seen[addr] = kind
		return nil
	}
	for i, p := range cfg.Policies {
		if err := claim("Policies", i, p.Address); err != nil {
			return err
		}
		if p.FulfillmentExpiry < 0 || p.TransactionExpiry < 0 || p.EscalationExpiry < 0 {
			return fmt.Errorf("Policies[%d]: expiries must not be negative", i)
		}
	}
	for i, m := range cfg.Mediators {
		if err := claim("Mediators", i, m.Address); err != nil {
			return err
		}
		if m.MediationExpiry < 0 {
			return fmt.Errorf("Mediators[%d]: MediationExpiry must not be negative", i)
		}
		if _, err := m.Limits(); err != nil {
			return fmt.Errorf("Mediators[%d]: %w", i, err)
		}
		for kind, bps := range m.FeesBPS {
			if _, err := mediation.ParseFeeKind(kind); err != nil {
				return fmt.Errorf("Mediators[%d].FeesBPS: %w", i, err)
			}
			if bps > 10_000 {
				return fmt.Errorf("Mediators[%d].FeesBPS[%s]: %d exceeds 10000", i, kind, bps)
			}
		}
	}
	for i, o := range cfg.Owners {
		if err := claim("Owners", i, o.Address); err != nil {
			return err
		}
		for j, buyer := range o.Buyers {
			if _, err := ParseAddress(buyer); err != nil {
				return fmt.Errorf("Owners[%d].Buyers[%d]: %w", i, j, err)
			}
		}
	}
	return nil
}
