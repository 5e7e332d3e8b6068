// Package ledger implements double-entry balances with two-phase transfers.
//
// Every account and asset pool keeps four counters (pending and posted debits
// and credits). A payment first reserves its amount as pending, which
// immediately lowers the source's available balance, and is later committed
// (pending becomes posted) or rolled back (pending is released). Asset pools
// are created lazily: a liquidity pool funds cross-asset payments and a
// settlement pool mirrors funds held in external custody.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"ilpconnector/storage"
)

// Option customises a Ledger.
type Option func(*Ledger)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.log = logger
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// Ledger is safe for concurrent use. All balance mutation goes through
// reservations, commits, rollbacks and the single-step deposit and withdrawal
// transfers.
type Ledger struct {
	mu        sync.Mutex
	db        storage.Database
	log       *slog.Logger
	now       func() time.Time
	entries   map[string]*entry
	tokens    map[string]string
	transfers map[string]*transferRecord
}

// Open builds a ledger journaling to db and replays any state already in it.
func Open(db storage.Database, opts ...Option) (*Ledger, error) {
	if db == nil {
		db = storage.NewMemDB()
	}
	l := &Ledger{
		db:        db,
		log:       slog.Default(),
		now:       time.Now,
		entries:   make(map[string]*entry),
		tokens:    make(map[string]string),
		transfers: make(map[string]*transferRecord),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.log = l.log.With("component", "ledger")
	if err := l.load(); err != nil {
		return nil, fmt.Errorf("load ledger journal: %w", err)
	}
	return l, nil
}

// CreateAccount allocates a balance for spec and lazily creates the asset's
// liquidity and settlement pools.
func (l *Ledger) CreateAccount(ctx context.Context, spec AccountSpec) (Account, error) {
	if err := ctx.Err(); err != nil {
		return Account{}, err
	}
	id := strings.TrimSpace(spec.ID)
	if id == "" {
		id = uuid.NewString()
	}
	if err := spec.Asset.validate(); err != nil {
		return Account{}, err
	}
	if spec.MinBalance != nil && spec.MaxBalance != nil && spec.MinBalance.Cmp(spec.MaxBalance) > 0 {
		return Account{}, fmt.Errorf("ledger: min balance %s exceeds max balance %s", spec.MinBalance, spec.MaxBalance)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.entries[id]; exists {
		return Account{}, ErrDuplicateAccountID
	}
	seen := make(map[string]struct{}, len(spec.IncomingTokens))
	tokens := make([]string, 0, len(spec.IncomingTokens))
	for _, token := range spec.IncomingTokens {
		if token == "" {
			continue
		}
		if _, taken := l.tokens[token]; taken {
			return Account{}, ErrDuplicateIncomingToken
		}
		if _, dup := seen[token]; dup {
			return Account{}, ErrDuplicateIncomingToken
		}
		seen[token] = struct{}{}
		tokens = append(tokens, token)
	}
	if spec.ParentID != "" {
		parent, ok := l.entries[spec.ParentID]
		if !ok || parent.Kind != kindAccount {
			return Account{}, ErrUnknownAccount
		}
	}

	now := l.now().UTC()
	acc := &entry{
		ID:             id,
		Kind:           kindAccount,
		Asset:          spec.Asset,
		ParentID:       spec.ParentID,
		Disabled:       spec.Disabled,
		IncomingTokens: tokens,
		CreatedAt:      now,
	}
	if spec.MinBalance != nil {
		acc.MinBalance = new(big.Int).Set(spec.MinBalance)
	}
	if spec.MaxBalance != nil {
		acc.MaxBalance = new(big.Int).Set(spec.MaxBalance)
	}
	changed := append(l.poolsLocked(spec.Asset, now), acc)
	if err := l.persistLocked(changed, nil); err != nil {
		return Account{}, err
	}
	l.installLocked(changed)
	l.log.Debug("account created", "account", id, "asset", spec.Asset.String())
	return acc.view(), nil
}

// poolsLocked returns the pools for asset that do not exist yet.
func (l *Ledger) poolsLocked(asset Asset, now time.Time) []*entry {
	var out []*entry
	for _, pool := range []struct {
		id   string
		kind entryKind
	}{
		{LiquidityPoolID(asset), kindLiquidity},
		{SettlementPoolID(asset), kindSettlement},
	} {
		if _, ok := l.entries[pool.id]; ok {
			continue
		}
		out = append(out, &entry{ID: pool.id, Kind: pool.kind, Asset: asset, CreatedAt: now})
	}
	return out
}

func (l *Ledger) installLocked(changed []*entry) {
	for _, e := range changed {
		l.entries[e.ID] = e
		for _, token := range e.IncomingTokens {
			l.tokens[token] = e.ID
		}
	}
}

// Account returns the account with id. Disabled accounts are still readable.
func (l *Ledger) Account(ctx context.Context, id string) (Account, error) {
	if err := ctx.Err(); err != nil {
		return Account{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[id]
	if !ok || e.Kind != kindAccount {
		return Account{}, ErrUnknownAccount
	}
	return e.view(), nil
}

// AccountByToken resolves an incoming bearer token to its account.
func (l *Ledger) AccountByToken(ctx context.Context, token string) (Account, error) {
	if err := ctx.Err(); err != nil {
		return Account{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	id, ok := l.tokens[token]
	if !ok || token == "" {
		return Account{}, ErrUnknownAccount
	}
	return l.entries[id].view(), nil
}

// SetDisabled toggles whether the account may be used to forward packets.
func (l *Ledger) SetDisabled(ctx context.Context, id string, disabled bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[id]
	if !ok || e.Kind != kindAccount {
		return ErrUnknownAccount
	}
	cp := e.clone()
	cp.Disabled = disabled
	if err := l.persistLocked([]*entry{cp}, nil); err != nil {
		return err
	}
	l.installLocked([]*entry{cp})
	return nil
}

// GetBalance returns the available balance of an account. Reserved debits are
// already subtracted; reserved credits are not yet included.
func (l *Ledger) GetBalance(ctx context.Context, id string) (*big.Int, error) {
	acc, err := l.Account(ctx, id)
	if err != nil {
		return nil, err
	}
	return acc.Balance, nil
}

// GetLiquidityBalance returns the balance of the asset's liquidity pool.
func (l *Ledger) GetLiquidityBalance(ctx context.Context, asset Asset) (*big.Int, error) {
	return l.poolBalance(ctx, LiquidityPoolID(asset))
}

// GetSettlementBalance returns the amount the asset's settlement pool reports
// as held in external custody.
func (l *Ledger) GetSettlementBalance(ctx context.Context, asset Asset) (*big.Int, error) {
	return l.poolBalance(ctx, SettlementPoolID(asset))
}

func (l *Ledger) poolBalance(ctx context.Context, id string) (*big.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[id]
	if !ok {
		return nil, ErrUnknownLiquidityAccount
	}
	return e.available(), nil
}

// DepositOptions moves funds from the settlement pool into an account.
type DepositOptions struct {
	AccountID      string
	Amount         *big.Int
	IdempotencyKey string
}

// Deposit credits an account from its asset's settlement pool. A repeated key
// returns ErrDepositExists without applying the deposit twice.
func (l *Ledger) Deposit(ctx context.Context, opts DepositOptions) error {
	return l.single(ctx, transferDeposit, opts.IdempotencyKey, opts.Amount, func() (string, string, error) {
		acc, ok := l.entries[opts.AccountID]
		if !ok || acc.Kind != kindAccount {
			return "", "", ErrUnknownAccount
		}
		return SettlementPoolID(acc.Asset), acc.ID, nil
	})
}

// Withdraw debits an account back to its asset's settlement pool.
func (l *Ledger) Withdraw(ctx context.Context, opts DepositOptions) error {
	return l.single(ctx, transferWithdrawal, opts.IdempotencyKey, opts.Amount, func() (string, string, error) {
		acc, ok := l.entries[opts.AccountID]
		if !ok || acc.Kind != kindAccount {
			return "", "", ErrUnknownAccount
		}
		return acc.ID, SettlementPoolID(acc.Asset), nil
	})
}

// LiquidityOptions moves funds between an asset's settlement and liquidity pools.
type LiquidityOptions struct {
	Asset          Asset
	Amount         *big.Int
	IdempotencyKey string
}

// DepositLiquidity funds the asset's liquidity pool from its settlement pool,
// creating both pools if the asset has not been seen before.
func (l *Ledger) DepositLiquidity(ctx context.Context, opts LiquidityOptions) error {
	if err := opts.Asset.validate(); err != nil {
		return err
	}
	return l.single(ctx, transferLiquidityDeposit, opts.IdempotencyKey, opts.Amount, func() (string, string, error) {
		pools := l.poolsLocked(opts.Asset, l.now().UTC())
		if len(pools) > 0 {
			if err := l.persistLocked(pools, nil); err != nil {
				return "", "", err
			}
			l.installLocked(pools)
		}
		return SettlementPoolID(opts.Asset), LiquidityPoolID(opts.Asset), nil
	})
}

// WithdrawLiquidity drains the asset's liquidity pool into its settlement pool.
func (l *Ledger) WithdrawLiquidity(ctx context.Context, opts LiquidityOptions) error {
	return l.single(ctx, transferLiquidityWithdrawal, opts.IdempotencyKey, opts.Amount, func() (string, string, error) {
		id := LiquidityPoolID(opts.Asset)
		if _, ok := l.entries[id]; !ok {
			return "", "", ErrUnknownLiquidityAccount
		}
		return id, SettlementPoolID(opts.Asset), nil
	})
}

// single posts a one-leg transfer immediately. resolve runs under the lock and
// names the debit and credit entries.
func (l *Ledger) single(ctx context.Context, kind transferKind, key string, amount *big.Int, resolve func() (string, string, error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	value, ok := toAmount(amount)
	if !ok {
		return ErrInvalidAmount
	}
	id := strings.TrimSpace(key)
	if id == "" {
		id = uuid.NewString()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.transfers[id]; exists {
		switch kind {
		case transferDeposit, transferLiquidityDeposit:
			return ErrDepositExists
		default:
			return ErrWithdrawalExists
		}
	}
	debit, credit, err := resolve()
	if err != nil {
		return err
	}
	now := l.now().UTC()
	rec := &transferRecord{
		ID:         id,
		Kind:       kind,
		Legs:       []leg{{Debit: debit, Credit: credit, Amount: value}},
		State:      StateCommitted,
		CreatedAt:  now,
		ResolvedAt: now,
	}
	changed, err := l.stageLocked(rec.Legs, postDirect)
	if err != nil {
		return err
	}
	if err := l.persistLocked(changed, rec); err != nil {
		return err
	}
	l.installLocked(changed)
	l.transfers[id] = rec
	l.log.Debug("single-step transfer posted", "kind", string(kind), "transfer", id, "amount", value.Dec())
	return nil
}

// TransferOptions describes a two-phase payment between two accounts.
type TransferOptions struct {
	// TransferID is generated when empty.
	TransferID           string
	SourceAccountID      string
	DestinationAccountID string
	SourceAmount         *big.Int
	// DestinationAmount is required when the accounts use different assets
	// and must equal SourceAmount otherwise.
	DestinationAmount *big.Int
}

// TransferFunds reserves a payment. The returned handle must be committed or
// rolled back exactly once; repeated calls report the resolved state.
func (l *Ledger) TransferFunds(ctx context.Context, opts TransferOptions) (*Transfer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sourceAmount, ok := toAmount(opts.SourceAmount)
	if !ok {
		return nil, ErrInvalidSourceAmount
	}
	var destinationAmount uint256.Int
	hasDestination := opts.DestinationAmount != nil
	if hasDestination {
		if destinationAmount, ok = toAmount(opts.DestinationAmount); !ok {
			return nil, ErrInvalidDestinationAmount
		}
	}
	if opts.SourceAccountID == opts.DestinationAccountID {
		return nil, ErrSameAccounts
	}
	id := strings.TrimSpace(opts.TransferID)
	if id == "" {
		id = uuid.NewString()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	source, ok := l.entries[opts.SourceAccountID]
	if !ok || source.Kind != kindAccount {
		return nil, ErrUnknownSourceAccount
	}
	destination, ok := l.entries[opts.DestinationAccountID]
	if !ok || destination.Kind != kindAccount {
		return nil, ErrUnknownDestinationAccount
	}
	if source.Disabled || destination.Disabled {
		return nil, ErrAccountDisabled
	}
	if _, exists := l.transfers[id]; exists {
		return nil, ErrTransferExists
	}

	var legs []leg
	if source.Asset == destination.Asset {
		if hasDestination && !destinationAmount.Eq(&sourceAmount) {
			return nil, ErrInvalidDestinationAmount
		}
		legs = []leg{{Debit: source.ID, Credit: destination.ID, Amount: sourceAmount}}
	} else {
		if !hasDestination {
			return nil, ErrInvalidDestinationAmount
		}
		legs = []leg{
			{Debit: source.ID, Credit: LiquidityPoolID(source.Asset), Amount: sourceAmount},
			{Debit: LiquidityPoolID(destination.Asset), Credit: destination.ID, Amount: destinationAmount},
		}
	}

	changed, err := l.stageLocked(legs, reserve)
	if err != nil {
		return nil, err
	}
	rec := &transferRecord{
		ID:        id,
		Kind:      transferPayment,
		Legs:      legs,
		State:     StateReserved,
		CreatedAt: l.now().UTC(),
	}
	if err := l.persistLocked(changed, rec); err != nil {
		return nil, err
	}
	l.installLocked(changed)
	l.transfers[id] = rec
	l.log.Debug("transfer reserved", "transfer", id, "source", source.ID, "destination", destination.ID, "amount", sourceAmount.Dec())
	return &Transfer{ID: id, ledger: l}, nil
}

// Transfer returns a handle for a previously reserved payment, for example
// after a restart.
func (l *Ledger) Transfer(ctx context.Context, id string) (*Transfer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.transfers[id]
	if !ok || rec.Kind != transferPayment {
		return nil, ErrUnknownTransfer
	}
	return &Transfer{ID: id, ledger: l}, nil
}

type phase int

const (
	reserve phase = iota
	post
	void
	postDirect
)

// stageLocked applies legs to working copies of the affected entries and
// checks every bound. Nothing is installed; the caller persists and installs
// the returned copies.
func (l *Ledger) stageLocked(legs []leg, p phase) ([]*entry, error) {
	work := make(map[string]*entry)
	order := make([]string, 0, 2*len(legs))
	get := func(id string) (*entry, error) {
		if e, ok := work[id]; ok {
			return e, nil
		}
		e, ok := l.entries[id]
		if !ok {
			return nil, fmt.Errorf("ledger: entry %s missing from journal: %w", id, ErrUnknownAccount)
		}
		cp := e.clone()
		work[id] = cp
		order = append(order, id)
		return cp, nil
	}
	for _, lg := range legs {
		debit, err := get(lg.Debit)
		if err != nil {
			return nil, err
		}
		credit, err := get(lg.Credit)
		if err != nil {
			return nil, err
		}
		amount := lg.Amount
		switch p {
		case reserve:
			if err := addTo(&debit.DebitsPending, &amount); err != nil {
				return nil, err
			}
			if err := addTo(&credit.CreditsPending, &amount); err != nil {
				return nil, err
			}
		case post:
			debit.DebitsPending.Sub(&debit.DebitsPending, &amount)
			credit.CreditsPending.Sub(&credit.CreditsPending, &amount)
			if err := addTo(&debit.DebitsPosted, &amount); err != nil {
				return nil, err
			}
			if err := addTo(&credit.CreditsPosted, &amount); err != nil {
				return nil, err
			}
		case void:
			debit.DebitsPending.Sub(&debit.DebitsPending, &amount)
			credit.CreditsPending.Sub(&credit.CreditsPending, &amount)
		case postDirect:
			if err := addTo(&debit.DebitsPosted, &amount); err != nil {
				return nil, err
			}
			if err := addTo(&credit.CreditsPosted, &amount); err != nil {
				return nil, err
			}
		}
		if p == reserve || p == postDirect {
			if err := debit.checkLimits(); err != nil {
				return nil, err
			}
			if err := credit.checkLimits(); err != nil {
				return nil, err
			}
		}
	}
	out := make([]*entry, 0, len(order))
	for _, id := range order {
		out = append(out, work[id])
	}
	return out, nil
}

func addTo(counter, amount *uint256.Int) error {
	if _, overflow := counter.AddOverflow(counter, amount); overflow {
		return ErrInvalidAmount
	}
	return nil
}
