package ledger

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/holiman/uint256"

	"ilpconnector/storage"
)

var (
	entryPrefix    = []byte("acct/")
	transferPrefix = []byte("xfer/")
)

type entryRecord struct {
	ID             string    `json:"id"`
	Kind           entryKind `json:"kind"`
	Asset          Asset     `json:"asset"`
	ParentID       string    `json:"parentId,omitempty"`
	Disabled       bool      `json:"disabled,omitempty"`
	MinBalance     *big.Int  `json:"minBalance,omitempty"`
	MaxBalance     *big.Int  `json:"maxBalance,omitempty"`
	IncomingTokens []string  `json:"incomingTokens,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	DebitsPending  string    `json:"debitsPending"`
	DebitsPosted   string    `json:"debitsPosted"`
	CreditsPending string    `json:"creditsPending"`
	CreditsPosted  string    `json:"creditsPosted"`
}

type legRecord struct {
	Debit  string `json:"debit"`
	Credit string `json:"credit"`
	Amount string `json:"amount"`
}

type transferJournal struct {
	ID         string       `json:"id"`
	Kind       transferKind `json:"kind"`
	Legs       []legRecord  `json:"legs"`
	State      State        `json:"state"`
	CreatedAt  time.Time    `json:"createdAt"`
	ResolvedAt time.Time    `json:"resolvedAt,omitempty"`
}

func entryKey(id string) []byte    { return append(append([]byte(nil), entryPrefix...), id...) }
func transferKey(id string) []byte { return append(append([]byte(nil), transferPrefix...), id...) }

// persistLocked writes the changed entries and transfer in one batch.
func (l *Ledger) persistLocked(changed []*entry, rec *transferRecord) error {
	batch := new(storage.Batch)
	for _, e := range changed {
		raw, err := json.Marshal(encodeEntry(e))
		if err != nil {
			return fmt.Errorf("encode entry %s: %w", e.ID, err)
		}
		batch.Put(entryKey(e.ID), raw)
	}
	if rec != nil {
		raw, err := json.Marshal(encodeTransfer(rec))
		if err != nil {
			return fmt.Errorf("encode transfer %s: %w", rec.ID, err)
		}
		batch.Put(transferKey(rec.ID), raw)
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := l.db.Write(batch); err != nil {
		return fmt.Errorf("write ledger journal: %w", err)
	}
	return nil
}

func (l *Ledger) load() error {
	err := l.db.Iterate(entryPrefix, func(_, value []byte) error {
		var rec entryRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return err
		}
		e, err := decodeEntry(rec)
		if err != nil {
			return err
		}
		l.installLocked([]*entry{e})
		return nil
	})
	if err != nil {
		return err
	}
	var pending int
	err = l.db.Iterate(transferPrefix, func(_, value []byte) error {
		var rec transferJournal
		if err := json.Unmarshal(value, &rec); err != nil {
			return err
		}
		t, err := decodeTransfer(rec)
		if err != nil {
			return err
		}
		if t.State == StateReserved {
			pending++
		}
		l.transfers[t.ID] = t
		return nil
	})
	if err != nil {
		return err
	}
	if len(l.entries) > 0 {
		l.log.Info("ledger journal replayed", "entries", len(l.entries), "transfers", len(l.transfers), "reserved", pending)
	}
	return nil
}

func encodeEntry(e *entry) entryRecord {
	return entryRecord{
		ID:             e.ID,
		Kind:           e.Kind,
		Asset:          e.Asset,
		ParentID:       e.ParentID,
		Disabled:       e.Disabled,
		MinBalance:     e.MinBalance,
		MaxBalance:     e.MaxBalance,
		IncomingTokens: e.IncomingTokens,
		CreatedAt:      e.CreatedAt,
		DebitsPending:  e.DebitsPending.Dec(),
		DebitsPosted:   e.DebitsPosted.Dec(),
		CreditsPending: e.CreditsPending.Dec(),
		CreditsPosted:  e.CreditsPosted.Dec(),
	}
}

func decodeEntry(rec entryRecord) (*entry, error) {
	e := &entry{
		ID:             rec.ID,
		Kind:           rec.Kind,
		Asset:          rec.Asset,
		ParentID:       rec.ParentID,
		Disabled:       rec.Disabled,
		MinBalance:     rec.MinBalance,
		MaxBalance:     rec.MaxBalance,
		IncomingTokens: rec.IncomingTokens,
		CreatedAt:      rec.CreatedAt,
	}
	for _, f := range []struct {
		dst *uint256.Int
		src string
	}{
		{&e.DebitsPending, rec.DebitsPending},
		{&e.DebitsPosted, rec.DebitsPosted},
		{&e.CreditsPending, rec.CreditsPending},
		{&e.CreditsPosted, rec.CreditsPosted},
	} {
		if err := f.dst.SetFromDecimal(f.src); err != nil {
			return nil, fmt.Errorf("entry %s: %w", rec.ID, err)
		}
	}
	return e, nil
}

func encodeTransfer(t *transferRecord) transferJournal {
	out := transferJournal{
		ID:         t.ID,
		Kind:       t.Kind,
		State:      t.State,
		CreatedAt:  t.CreatedAt,
		ResolvedAt: t.ResolvedAt,
		Legs:       make([]legRecord, 0, len(t.Legs)),
	}
	for _, lg := range t.Legs {
		out.Legs = append(out.Legs, legRecord{Debit: lg.Debit, Credit: lg.Credit, Amount: lg.Amount.Dec()})
	}
	return out
}

func decodeTransfer(rec transferJournal) (*transferRecord, error) {
	t := &transferRecord{
		ID:         rec.ID,
		Kind:       rec.Kind,
		State:      rec.State,
		CreatedAt:  rec.CreatedAt,
		ResolvedAt: rec.ResolvedAt,
	}
	for _, lr := range rec.Legs {
		var lg leg
		lg.Debit, lg.Credit = lr.Debit, lr.Credit
		if err := lg.Amount.SetFromDecimal(lr.Amount); err != nil {
			return nil, fmt.Errorf("transfer %s: %w", rec.ID, err)
		}
		t.Legs = append(t.Legs, lg)
	}
	return t, nil
}
