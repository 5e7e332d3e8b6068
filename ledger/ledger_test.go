package ledger

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ilpconnector/storage"
)

var (
	usd = Asset{Code: "USD", Scale: 2}
	eur = Asset{Code: "EUR", Scale: 2}
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(storage.NewMemDB(), WithClock(func() time.Time {
		return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	}))
	require.NoError(t, err)
	return l
}

func mustAccount(t *testing.T, l *Ledger, spec AccountSpec) Account {
	t.Helper()
	acc, err := l.CreateAccount(context.Background(), spec)
	require.NoError(t, err)
	return acc
}

func mustDeposit(t *testing.T, l *Ledger, id string, amount int64) {
	t.Helper()
	require.NoError(t, l.Deposit(context.Background(), DepositOptions{AccountID: id, Amount: big.NewInt(amount)}))
}

func requireBalance(t *testing.T, l *Ledger, id string, want int64) {
	t.Helper()
	got, err := l.GetBalance(context.Background(), id)
	require.NoError(t, err)
	require.Zero(t, got.Cmp(big.NewInt(want)), "balance of %s: got %s want %d", id, got, want)
}

func requireBig(t *testing.T, got *big.Int, want int64) {
	t.Helper()
	require.Zero(t, got.Cmp(big.NewInt(want)), "got %s want %d", got, want)
}

func TestTransferReserveAndCommit(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	mustAccount(t, l, AccountSpec{ID: "alice", Asset: usd})
	mustAccount(t, l, AccountSpec{ID: "bob", Asset: usd})
	mustDeposit(t, l, "alice", 1000)

	settled, err := l.GetSettlementBalance(ctx, usd)
	require.NoError(t, err)
	requireBig(t, settled, 1000)

	tr, err := l.TransferFunds(ctx, TransferOptions{
		SourceAccountID:      "alice",
		DestinationAccountID: "bob",
		SourceAmount:         big.NewInt(100),
	})
	require.NoError(t, err)
	require.Equal(t, StateReserved, tr.State())
	requireBalance(t, l, "alice", 900)
	requireBalance(t, l, "bob", 0)

	require.NoError(t, tr.Commit(ctx))
	require.Equal(t, StateCommitted, tr.State())
	requireBalance(t, l, "alice", 900)
	requireBalance(t, l, "bob", 100)

	require.ErrorIs(t, tr.Commit(ctx), ErrTransferAlreadyCommitted)
	require.ErrorIs(t, tr.Rollback(ctx), ErrTransferAlreadyCommitted)
	requireBalance(t, l, "bob", 100)
}

func TestTransferRollbackRestoresSource(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	mustAccount(t, l, AccountSpec{ID: "alice", Asset: usd})
	mustAccount(t, l, AccountSpec{ID: "bob", Asset: usd})
	mustDeposit(t, l, "alice", 1000)

	tr, err := l.TransferFunds(ctx, TransferOptions{
		SourceAccountID:      "alice",
		DestinationAccountID: "bob",
		SourceAmount:         big.NewInt(250),
	})
	require.NoError(t, err)
	requireBalance(t, l, "alice", 750)

	require.NoError(t, tr.Rollback(ctx))
	requireBalance(t, l, "alice", 1000)
	requireBalance(t, l, "bob", 0)
	require.ErrorIs(t, tr.Commit(ctx), ErrTransferAlreadyRejected)
}

func TestCrossAssetTransferUsesLiquidity(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	mustAccount(t, l, AccountSpec{ID: "alice", Asset: usd})
	mustAccount(t, l, AccountSpec{ID: "carol", Asset: eur})
	mustDeposit(t, l, "alice", 1000)
	require.NoError(t, l.DepositLiquidity(ctx, LiquidityOptions{Asset: eur, Amount: big.NewInt(500)}))

	_, err := l.TransferFunds(ctx, TransferOptions{
		SourceAccountID:      "alice",
		DestinationAccountID: "carol",
		SourceAmount:         big.NewInt(100),
	})
	require.ErrorIs(t, err, ErrInvalidDestinationAmount)

	_, err = l.TransferFunds(ctx, TransferOptions{
		SourceAccountID:      "alice",
		DestinationAccountID: "carol",
		SourceAmount:         big.NewInt(100),
		DestinationAmount:    big.NewInt(600),
	})
	require.ErrorIs(t, err, ErrInsufficientLiquidity)
	requireBalance(t, l, "alice", 1000)

	tr, err := l.TransferFunds(ctx, TransferOptions{
		SourceAccountID:      "alice",
		DestinationAccountID: "carol",
		SourceAmount:         big.NewInt(100),
		DestinationAmount:    big.NewInt(200),
	})
	require.NoError(t, err)

	eurPool, err := l.GetLiquidityBalance(ctx, eur)
	require.NoError(t, err)
	requireBig(t, eurPool, 300)

	require.NoError(t, tr.Commit(ctx))
	requireBalance(t, l, "alice", 900)
	requireBalance(t, l, "carol", 200)

	usdPool, err := l.GetLiquidityBalance(ctx, usd)
	require.NoError(t, err)
	requireBig(t, usdPool, 100)
	eurPool, err = l.GetLiquidityBalance(ctx, eur)
	require.NoError(t, err)
	requireBig(t, eurPool, 300)
}

func TestTransferValidation(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	mustAccount(t, l, AccountSpec{ID: "alice", Asset: usd})
	mustAccount(t, l, AccountSpec{ID: "bob", Asset: usd})
	mustDeposit(t, l, "alice", 100)

	cases := []struct {
		name string
		opts TransferOptions
		want error
	}{
		{"zero amount", TransferOptions{SourceAccountID: "alice", DestinationAccountID: "bob", SourceAmount: big.NewInt(0)}, ErrInvalidSourceAmount},
		{"negative amount", TransferOptions{SourceAccountID: "alice", DestinationAccountID: "bob", SourceAmount: big.NewInt(-5)}, ErrInvalidSourceAmount},
		{"nil amount", TransferOptions{SourceAccountID: "alice", DestinationAccountID: "bob"}, ErrInvalidSourceAmount},
		{"bad destination amount", TransferOptions{SourceAccountID: "alice", DestinationAccountID: "bob", SourceAmount: big.NewInt(5), DestinationAmount: big.NewInt(-1)}, ErrInvalidDestinationAmount},
		{"mismatched same asset", TransferOptions{SourceAccountID: "alice", DestinationAccountID: "bob", SourceAmount: big.NewInt(5), DestinationAmount: big.NewInt(6)}, ErrInvalidDestinationAmount},
		{"same account", TransferOptions{SourceAccountID: "alice", DestinationAccountID: "alice", SourceAmount: big.NewInt(5)}, ErrSameAccounts},
		{"unknown source", TransferOptions{SourceAccountID: "mallory", DestinationAccountID: "bob", SourceAmount: big.NewInt(5)}, ErrUnknownSourceAccount},
		{"unknown destination", TransferOptions{SourceAccountID: "alice", DestinationAccountID: "mallory", SourceAmount: big.NewInt(5)}, ErrUnknownDestinationAccount},
		{"insufficient balance", TransferOptions{SourceAccountID: "alice", DestinationAccountID: "bob", SourceAmount: big.NewInt(101)}, ErrInsufficientBalance},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := l.TransferFunds(ctx, tc.opts)
			require.ErrorIs(t, err, tc.want)
		})
	}
	requireBalance(t, l, "alice", 100)
}

func TestBalanceLimits(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	mustAccount(t, l, AccountSpec{ID: "credit", Asset: usd, MinBalance: big.NewInt(-50)})
	mustAccount(t, l, AccountSpec{ID: "capped", Asset: usd, MaxBalance: big.NewInt(150)})

	_, err := l.TransferFunds(ctx, TransferOptions{SourceAccountID: "credit", DestinationAccountID: "capped", SourceAmount: big.NewInt(60)})
	require.ErrorIs(t, err, ErrInsufficientBalance)

	first, err := l.TransferFunds(ctx, TransferOptions{SourceAccountID: "credit", DestinationAccountID: "capped", SourceAmount: big.NewInt(50)})
	require.NoError(t, err)
	requireBalance(t, l, "credit", -50)

	mustDeposit(t, l, "credit", 200)
	_, err = l.TransferFunds(ctx, TransferOptions{SourceAccountID: "credit", DestinationAccountID: "capped", SourceAmount: big.NewInt(101)})
	require.ErrorIs(t, err, ErrExceedsMaxBalance)

	require.NoError(t, first.Commit(ctx))
	requireBalance(t, l, "capped", 50)
}

func TestCreateAccountConflicts(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	mustAccount(t, l, AccountSpec{ID: "alice", Asset: usd, IncomingTokens: []string{"secret"}})

	_, err := l.CreateAccount(ctx, AccountSpec{ID: "alice", Asset: usd})
	require.ErrorIs(t, err, ErrDuplicateAccountID)

	_, err = l.CreateAccount(ctx, AccountSpec{ID: "bob", Asset: usd, IncomingTokens: []string{"secret"}})
	require.ErrorIs(t, err, ErrDuplicateIncomingToken)

	_, err = l.CreateAccount(ctx, AccountSpec{ID: "bob", Asset: Asset{}})
	require.ErrorIs(t, err, ErrInvalidAsset)

	_, err = l.CreateAccount(ctx, AccountSpec{ID: "child", Asset: usd, ParentID: "nobody"})
	require.ErrorIs(t, err, ErrUnknownAccount)

	acc, err := l.AccountByToken(ctx, "secret")
	require.NoError(t, err)
	require.Equal(t, "alice", acc.ID)

	_, err = l.AccountByToken(ctx, "unknown")
	require.ErrorIs(t, err, ErrUnknownAccount)

	generated := mustAccount(t, l, AccountSpec{Asset: usd})
	require.NotEmpty(t, generated.ID)
}

func TestDepositAndWithdrawIdempotency(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	mustAccount(t, l, AccountSpec{ID: "alice", Asset: usd})

	opts := DepositOptions{AccountID: "alice", Amount: big.NewInt(300), IdempotencyKey: "dep-1"}
	require.NoError(t, l.Deposit(ctx, opts))
	require.ErrorIs(t, l.Deposit(ctx, opts), ErrDepositExists)
	requireBalance(t, l, "alice", 300)

	require.ErrorIs(t, l.Deposit(ctx, DepositOptions{AccountID: "alice", Amount: big.NewInt(0)}), ErrInvalidAmount)
	require.ErrorIs(t, l.Deposit(ctx, DepositOptions{AccountID: "nobody", Amount: big.NewInt(1)}), ErrUnknownAccount)

	wd := DepositOptions{AccountID: "alice", Amount: big.NewInt(100), IdempotencyKey: "wd-1"}
	require.NoError(t, l.Withdraw(ctx, wd))
	require.ErrorIs(t, l.Withdraw(ctx, wd), ErrWithdrawalExists)
	requireBalance(t, l, "alice", 200)

	require.ErrorIs(t, l.Withdraw(ctx, DepositOptions{AccountID: "alice", Amount: big.NewInt(201)}), ErrInsufficientBalance)

	settled, err := l.GetSettlementBalance(ctx, usd)
	require.NoError(t, err)
	requireBig(t, settled, 200)
}

func TestLiquidityPools(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	err := l.WithdrawLiquidity(ctx, LiquidityOptions{Asset: eur, Amount: big.NewInt(1)})
	require.ErrorIs(t, err, ErrUnknownLiquidityAccount)
	_, err = l.GetLiquidityBalance(ctx, eur)
	require.ErrorIs(t, err, ErrUnknownLiquidityAccount)

	require.NoError(t, l.DepositLiquidity(ctx, LiquidityOptions{Asset: eur, Amount: big.NewInt(40), IdempotencyKey: "liq-1"}))
	require.ErrorIs(t, l.DepositLiquidity(ctx, LiquidityOptions{Asset: eur, Amount: big.NewInt(40), IdempotencyKey: "liq-1"}), ErrDepositExists)

	err = l.WithdrawLiquidity(ctx, LiquidityOptions{Asset: eur, Amount: big.NewInt(41)})
	require.ErrorIs(t, err, ErrInsufficientLiquidity)
	require.NoError(t, l.WithdrawLiquidity(ctx, LiquidityOptions{Asset: eur, Amount: big.NewInt(15)}))

	pool, err := l.GetLiquidityBalance(ctx, eur)
	require.NoError(t, err)
	requireBig(t, pool, 25)
	settled, err := l.GetSettlementBalance(ctx, eur)
	require.NoError(t, err)
	requireBig(t, settled, 25)
}

func TestDisabledAccountRejectsTransfers(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	mustAccount(t, l, AccountSpec{ID: "alice", Asset: usd})
	mustAccount(t, l, AccountSpec{ID: "bob", Asset: usd})
	mustDeposit(t, l, "alice", 10)

	require.NoError(t, l.SetDisabled(ctx, "bob", true))
	_, err := l.TransferFunds(ctx, TransferOptions{SourceAccountID: "alice", DestinationAccountID: "bob", SourceAmount: big.NewInt(1)})
	require.ErrorIs(t, err, ErrAccountDisabled)

	acc, err := l.Account(ctx, "bob")
	require.NoError(t, err)
	require.True(t, acc.Disabled)
}

func TestDuplicateTransferID(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	mustAccount(t, l, AccountSpec{ID: "alice", Asset: usd})
	mustAccount(t, l, AccountSpec{ID: "bob", Asset: usd})
	mustDeposit(t, l, "alice", 10)

	opts := TransferOptions{TransferID: "t-1", SourceAccountID: "alice", DestinationAccountID: "bob", SourceAmount: big.NewInt(1)}
	_, err := l.TransferFunds(ctx, opts)
	require.NoError(t, err)
	_, err = l.TransferFunds(ctx, opts)
	require.ErrorIs(t, err, ErrTransferExists)

	_, err = l.Transfer(ctx, "missing")
	require.ErrorIs(t, err, ErrUnknownTransfer)
}

func TestJournalSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")

	db, err := storage.NewBoltDB(path)
	require.NoError(t, err)
	l, err := Open(db)
	require.NoError(t, err)
	mustAccount(t, l, AccountSpec{ID: "alice", Asset: usd, IncomingTokens: []string{"tok"}})
	mustAccount(t, l, AccountSpec{ID: "bob", Asset: usd, MinBalance: big.NewInt(-5)})
	mustDeposit(t, l, "alice", 500)
	tr, err := l.TransferFunds(ctx, TransferOptions{SourceAccountID: "alice", DestinationAccountID: "bob", SourceAmount: big.NewInt(120)})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = storage.NewBoltDB(path)
	require.NoError(t, err)
	defer db.Close()
	reopened, err := Open(db)
	require.NoError(t, err)

	requireBalance(t, reopened, "alice", 380)
	acc, err := reopened.AccountByToken(ctx, "tok")
	require.NoError(t, err)
	require.Equal(t, "alice", acc.ID)
	bob, err := reopened.Account(ctx, "bob")
	require.NoError(t, err)
	requireBig(t, bob.MinBalance, -5)

	again, err := reopened.Transfer(ctx, tr.ID)
	require.NoError(t, err)
	require.Equal(t, StateReserved, again.State())
	require.NoError(t, again.Commit(ctx))
	requireBalance(t, reopened, "bob", 120)
}

func TestSecondRollbackIsRejected(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	mustAccount(t, l, AccountSpec{ID: "alice", Asset: usd})
	mustAccount(t, l, AccountSpec{ID: "bob", Asset: usd})
	mustDeposit(t, l, "alice", 1000)

	tr, err := l.TransferFunds(ctx, TransferOptions{
		SourceAccountID:      "alice",
		DestinationAccountID: "bob",
		SourceAmount:         big.NewInt(400),
	})
	require.NoError(t, err)
	require.NoError(t, tr.Rollback(ctx))
	require.Equal(t, StateRolledBack, tr.State())

	require.ErrorIs(t, tr.Rollback(ctx), ErrTransferAlreadyRejected)
	requireBalance(t, l, "alice", 1000)
	requireBalance(t, l, "bob", 0)

	again, err := l.Transfer(ctx, tr.ID)
	require.NoError(t, err)
	require.ErrorIs(t, again.Rollback(ctx), ErrTransferAlreadyRejected)
	requireBalance(t, l, "alice", 1000)
}

func TestCrossAssetRollbackRestoresPools(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	mustAccount(t, l, AccountSpec{ID: "alice", Asset: usd})
	mustAccount(t, l, AccountSpec{ID: "carol", Asset: eur})
	mustDeposit(t, l, "alice", 1000)
	require.NoError(t, l.DepositLiquidity(ctx, LiquidityOptions{Asset: usd, Amount: big.NewInt(50)}))
	require.NoError(t, l.DepositLiquidity(ctx, LiquidityOptions{Asset: eur, Amount: big.NewInt(500)}))

	tr, err := l.TransferFunds(ctx, TransferOptions{
		SourceAccountID:      "alice",
		DestinationAccountID: "carol",
		SourceAmount:         big.NewInt(100),
		DestinationAmount:    big.NewInt(200),
	})
	require.NoError(t, err)
	requireBalance(t, l, "alice", 900)

	require.NoError(t, tr.Rollback(ctx))
	requireBalance(t, l, "alice", 1000)
	requireBalance(t, l, "carol", 0)
	usdPool, err := l.GetLiquidityBalance(ctx, usd)
	require.NoError(t, err)
	requireBig(t, usdPool, 50)
	eurPool, err := l.GetLiquidityBalance(ctx, eur)
	require.NoError(t, err)
	requireBig(t, eurPool, 500)
}

func TestConcurrentReservationsNeverOvercommit(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	mustAccount(t, l, AccountSpec{ID: "alice", Asset: usd})
	mustAccount(t, l, AccountSpec{ID: "bob", Asset: usd})
	mustDeposit(t, l, "alice", 1000)

	const workers = 64
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		reserved  []*Transfer
		failures  int
		otherErrs []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr, err := l.TransferFunds(ctx, TransferOptions{
				SourceAccountID:      "alice",
				DestinationAccountID: "bob",
				SourceAmount:         big.NewInt(30),
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				reserved = append(reserved, tr)
			case errors.Is(err, ErrInsufficientBalance):
				failures++
			default:
				otherErrs = append(otherErrs, err)
			}
		}()
	}
	wg.Wait()

	require.Empty(t, otherErrs)
	require.Len(t, reserved, 1000/30)
	require.Equal(t, workers-1000/30, failures)
	requireBalance(t, l, "alice", 1000-30*int64(len(reserved)))

	for _, tr := range reserved {
		require.NoError(t, tr.Commit(ctx))
	}
	requireBalance(t, l, "alice", 10)
	requireBalance(t, l, "bob", 990)
}
