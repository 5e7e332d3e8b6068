package ledger

import (
	"context"
)

// Transfer is a handle to a reserved payment.
type Transfer struct {
	ID     string
	ledger *Ledger
}

// Commit posts the reservation: the destination is credited and the source
// debit becomes permanent. Only the first resolution takes effect; later calls
// return ErrTransferAlreadyCommitted or ErrTransferAlreadyRejected.
func (t *Transfer) Commit(ctx context.Context) error {
	return t.ledger.resolve(ctx, t.ID, StateCommitted)
}

// Rollback releases the reservation, restoring the source balance.
func (t *Transfer) Rollback(ctx context.Context) error {
	return t.ledger.resolve(ctx, t.ID, StateRolledBack)
}

// State reports the current lifecycle position of the transfer.
func (t *Transfer) State() State {
	l := t.ledger
	l.mu.Lock()
	defer l.mu.Unlock()
	if rec, ok := l.transfers[t.ID]; ok {
		return rec.State
	}
	return ""
}

func (l *Ledger) resolve(ctx context.Context, id string, target State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.transfers[id]
	if !ok {
		return ErrUnknownTransfer
	}
	switch rec.State {
	case StateCommitted:
		return ErrTransferAlreadyCommitted
	case StateRolledBack:
		return ErrTransferAlreadyRejected
	}

	p := post
	if target == StateRolledBack {
		p = void
	}
	changed, err := l.stageLocked(rec.Legs, p)
	if err != nil {
		return err
	}
	next := *rec
	next.State = target
	next.ResolvedAt = l.now().UTC()
	if err := l.persistLocked(changed, &next); err != nil {
		return err
	}
	l.installLocked(changed)
	l.transfers[id] = &next
	l.log.Debug("transfer resolved", "transfer", id, "state", string(target))
	return nil
}
