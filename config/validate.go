package config

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"ilpconnector/ccp"
	"ilpconnector/ledger"
	"ilpconnector/packet"
	"ilpconnector/peers"
	"ilpconnector/pipeline"
	"ilpconnector/storage"
)

// Validate reports the first inconsistency in cfg.
func (cfg Config) Validate() error {
	if err := packet.ValidateAddress(cfg.Node.Address); err != nil {
		return fmt.Errorf("node.address %q: %w", cfg.Node.Address, err)
	}
	if strings.TrimSpace(cfg.Listen) == "" {
		return errors.New("listen address required")
	}
	switch cfg.Storage.Backend {
	case storage.BackendMemory:
	case storage.BackendLevelDB, storage.BackendBolt:
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			return fmt.Errorf("storage.path required for %s backend", cfg.Storage.Backend)
		}
	default:
		return fmt.Errorf("storage.backend %q unsupported", cfg.Storage.Backend)
	}
	switch cfg.Registry.Driver {
	case "memory":
	case "sqlite", "postgres":
		if strings.TrimSpace(cfg.Registry.DSN) == "" {
			return fmt.Errorf("registry.dsn required for %s driver", cfg.Registry.Driver)
		}
	default:
		return fmt.Errorf("registry.driver %q unsupported", cfg.Registry.Driver)
	}
	if cfg.Routing.MinBroadcastInterval.Duration > cfg.Routing.BroadcastInterval.Duration {
		return errors.New("routing.min_broadcast_interval exceeds routing.broadcast_interval")
	}
	if cfg.Routing.LivenessInterval.Duration > cfg.Routing.ResyncTimeout.Duration {
		return errors.New("routing.liveness_interval exceeds routing.resync_timeout")
	}
	if cfg.Pipeline.ExpiryMargin.Duration >= cfg.Pipeline.MaxHoldTime.Duration {
		return errors.New("pipeline.expiry_margin must be below pipeline.max_hold_time")
	}

	accounts := make(map[string]struct{}, len(cfg.Accounts))
	for _, acc := range cfg.Accounts {
		if _, err := acc.Spec(); err != nil {
			return err
		}
		if _, dup := accounts[acc.ID]; dup {
			return fmt.Errorf("account %q listed twice", acc.ID)
		}
		accounts[acc.ID] = struct{}{}
		if _, err := parseAmount(acc.Deposit, false); err != nil {
			return fmt.Errorf("account %q deposit: %w", acc.ID, err)
		}
	}
	for _, l := range cfg.Liquidity {
		if strings.TrimSpace(l.AssetCode) == "" {
			return errors.New("liquidity asset_code required")
		}
		if _, err := parseAmount(l.Amount, false); err != nil {
			return fmt.Errorf("liquidity %s: %w", l.AssetCode, err)
		}
	}
	seen := make(map[string]struct{}, len(cfg.Peers))
	for _, pc := range cfg.Peers {
		if _, err := pc.Peer(); err != nil {
			return err
		}
		if _, dup := seen[pc.ID]; dup {
			return fmt.Errorf("peer %q listed twice", pc.ID)
		}
		seen[pc.ID] = struct{}{}
		if _, ok := accounts[pc.ID]; !ok {
			return fmt.Errorf("peer %q has no account", pc.ID)
		}
	}
	return nil
}

// Asset is the node's own asset.
func (n NodeConfig) Asset() ledger.Asset {
	return ledger.Asset{Code: n.AssetCode, Scale: n.AssetScale}
}

// Spec converts the account entry into a ledger account spec.
func (a AccountConfig) Spec() (ledger.AccountSpec, error) {
	if strings.TrimSpace(a.ID) == "" {
		return ledger.AccountSpec{}, errors.New("account id required")
	}
	minBalance, err := parseAmount(a.MinBalance, true)
	if err != nil {
		return ledger.AccountSpec{}, fmt.Errorf("account %q min_balance: %w", a.ID, err)
	}
	maxBalance, err := parseAmount(a.MaxBalance, true)
	if err != nil {
		return ledger.AccountSpec{}, fmt.Errorf("account %q max_balance: %w", a.ID, err)
	}
	return ledger.AccountSpec{
		ID:             a.ID,
		Asset:          ledger.Asset{Code: a.AssetCode, Scale: a.AssetScale},
		MinBalance:     minBalance,
		MaxBalance:     maxBalance,
		IncomingTokens: append([]string(nil), a.IncomingTokens...),
	}, nil
}

// DepositAmount is the startup deposit, or nil when none is configured.
func (a AccountConfig) DepositAmount() *big.Int {
	v, _ := parseAmount(a.Deposit, false)
	return v
}

// LiquidityAmount is the pool's startup funding, or nil.
func (l LiquidityConfig) LiquidityAmount() *big.Int {
	v, _ := parseAmount(l.Amount, false)
	return v
}

// Peer converts the peer entry into a registry record.
func (p PeerConfig) Peer() (peers.Peer, error) {
	rel, err := peers.ParseRelation(p.Relation)
	if err != nil {
		return peers.Peer{}, fmt.Errorf("peer %q: %w", p.ID, err)
	}
	out := peers.Peer{
		ID:              p.ID,
		Relation:        rel,
		Prefixes:        append([]string(nil), p.Prefixes...),
		Endpoint:        p.Endpoint,
		OutgoingToken:   p.OutgoingToken,
		MaxPacketAmount: p.MaxPacketAmount,
	}
	if p.RateLimit != nil {
		out.RateLimit = &peers.RateLimit{
			Capacity:     p.RateLimit.Capacity,
			RefillPeriod: p.RateLimit.RefillPeriod.Duration,
			RefillCount:  p.RateLimit.RefillCount,
		}
	}
	if p.Throughput != nil {
		out.Throughput = &peers.Throughput{Amount: p.Throughput.Amount, Period: p.Throughput.Period.Duration}
	}
	if err := out.Validate(); err != nil {
		return peers.Peer{}, err
	}
	return out, nil
}

// CCP converts the routing timers.
func (r RoutingConfig) CCP() ccp.Config {
	return ccp.Config{
		BroadcastInterval:    r.BroadcastInterval.Duration,
		MinBroadcastInterval: r.MinBroadcastInterval.Duration,
		MaxEpochsPerUpdate:   r.MaxEpochsPerUpdate,
		HoldDownTime:         r.HoldDownTime.Duration,
		UpdateTimeout:        r.UpdateTimeout.Duration,
		LivenessInterval:     r.LivenessInterval.Duration,
		ResyncTimeout:        r.ResyncTimeout.Duration,
	}
}

// PipelineSettings converts the pipeline margins for the node address.
func (cfg Config) PipelineSettings() pipeline.Config {
	return pipeline.Config{
		Address:      cfg.Node.Address,
		ExpiryMargin: cfg.Pipeline.ExpiryMargin.Duration,
		MaxHoldTime:  cfg.Pipeline.MaxHoldTime.Duration,
	}
}

// parseAmount reads a base-10 integer. Empty yields nil.
func parseAmount(raw string, signed bool) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	if !signed && v.Sign() <= 0 {
		return nil, fmt.Errorf("amount %q must be positive", raw)
	}
	return v, nil
}
