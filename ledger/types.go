package ledger

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Asset identifies a currency and the number of decimal places its amounts
// are expressed in.
type Asset struct {
	Code  string `json:"code" yaml:"code" toml:"code"`
	Scale uint8  `json:"scale" yaml:"scale" toml:"scale"`
}

func (a Asset) String() string { return fmt.Sprintf("%s/%d", a.Code, a.Scale) }

func (a Asset) validate() error {
	if strings.TrimSpace(a.Code) == "" {
		return ErrInvalidAsset
	}
	return nil
}

// poolNamespace seeds the deterministic ids of asset pools.
var poolNamespace = uuid.MustParse("6d1a3f2e-7c2b-4f0a-9a51-3c6f5b0e8d21")

// LiquidityPoolID returns the id of the asset's liquidity pool.
func LiquidityPoolID(a Asset) string {
	return uuid.NewSHA1(poolNamespace, []byte("liquidity/"+a.String())).String()
}

// SettlementPoolID returns the id of the asset's settlement pool.
func SettlementPoolID(a Asset) string {
	return uuid.NewSHA1(poolNamespace, []byte("settlement/"+a.String())).String()
}

type entryKind string

const (
	kindAccount    entryKind = "account"
	kindLiquidity  entryKind = "liquidity"
	kindSettlement entryKind = "settlement"
)

// AccountSpec describes an account to create.
type AccountSpec struct {
	ID       string
	Asset    Asset
	ParentID string
	Disabled bool
	// MinBalance defaults to zero when nil. A negative value grants a credit line.
	MinBalance *big.Int
	// MaxBalance is unbounded when nil.
	MaxBalance     *big.Int
	IncomingTokens []string
}

// Account is a read-only view of a ledger account.
type Account struct {
	ID         string
	Asset      Asset
	ParentID   string
	Disabled   bool
	MinBalance *big.Int
	MaxBalance *big.Int
	Balance    *big.Int
	CreatedAt  time.Time
}

// entry is one balance in the ledger: an account or an asset pool. Amounts
// are tracked as four monotone counters so that reservations stay visible
// until they are posted or voided.
type entry struct {
	ID             string
	Kind           entryKind
	Asset          Asset
	ParentID       string
	Disabled       bool
	MinBalance     *big.Int
	MaxBalance     *big.Int
	IncomingTokens []string
	CreatedAt      time.Time

	DebitsPending  uint256.Int
	DebitsPosted   uint256.Int
	CreditsPending uint256.Int
	CreditsPosted  uint256.Int
}

func (e *entry) clone() *entry {
	cp := *e
	cp.IncomingTokens = append([]string(nil), e.IncomingTokens...)
	return &cp
}

// available is the spendable balance: posted credits minus posted and
// reserved debits. For settlement pools it is the amount held in external
// custody, posted debits minus posted credits.
func (e *entry) available() *big.Int {
	if e.Kind == kindSettlement {
		return new(big.Int).Sub(e.DebitsPosted.ToBig(), e.CreditsPosted.ToBig())
	}
	out := new(big.Int).Sub(e.CreditsPosted.ToBig(), e.DebitsPosted.ToBig())
	return out.Sub(out, e.DebitsPending.ToBig())
}

// ceiling is the balance the entry would hold if every reservation crediting
// it were posted.
func (e *entry) ceiling() *big.Int {
	out := new(big.Int).Add(e.CreditsPosted.ToBig(), e.CreditsPending.ToBig())
	return out.Sub(out, e.DebitsPosted.ToBig())
}

func (e *entry) minBalance() *big.Int {
	if e.MinBalance != nil {
		return e.MinBalance
	}
	return new(big.Int)
}

// checkLimits enforces the entry's bounds after a change has been applied to a
// working copy.
func (e *entry) checkLimits() error {
	switch e.Kind {
	case kindSettlement:
		return nil
	case kindLiquidity:
		if e.available().Sign() < 0 {
			return ErrInsufficientLiquidity
		}
		return nil
	}
	if e.available().Cmp(e.minBalance()) < 0 {
		return ErrInsufficientBalance
	}
	if e.MaxBalance != nil && e.ceiling().Cmp(e.MaxBalance) > 0 {
		return ErrExceedsMaxBalance
	}
	return nil
}

func (e *entry) view() Account {
	acc := Account{
		ID:        e.ID,
		Asset:     e.Asset,
		ParentID:  e.ParentID,
		Disabled:  e.Disabled,
		Balance:   e.available(),
		CreatedAt: e.CreatedAt,
	}
	if e.MinBalance != nil {
		acc.MinBalance = new(big.Int).Set(e.MinBalance)
	}
	if e.MaxBalance != nil {
		acc.MaxBalance = new(big.Int).Set(e.MaxBalance)
	}
	return acc
}

// State is the lifecycle position of a transfer.
type State string

const (
	StateReserved   State = "reserved"
	StateCommitted  State = "committed"
	StateRolledBack State = "rolled_back"
)

type transferKind string

const (
	transferPayment             transferKind = "payment"
	transferDeposit             transferKind = "deposit"
	transferWithdrawal          transferKind = "withdrawal"
	transferLiquidityDeposit    transferKind = "liquidity_deposit"
	transferLiquidityWithdrawal transferKind = "liquidity_withdrawal"
)

// leg moves Amount from the Debit entry to the Credit entry.
type leg struct {
	Debit  string
	Credit string
	Amount uint256.Int
}

type transferRecord struct {
	ID         string
	Kind       transferKind
	Legs       []leg
	State      State
	CreatedAt  time.Time
	ResolvedAt time.Time
}

// toAmount converts a caller supplied amount to a counter delta. ok is false
// for nil, non-positive or out of range values.
func toAmount(v *big.Int) (uint256.Int, bool) {
	var out uint256.Int
	if v == nil || v.Sign() <= 0 {
		return out, false
	}
	if overflow := out.SetFromBig(v); overflow {
		return out, false
	}
	return out, true
}
