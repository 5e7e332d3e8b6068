package peers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// peerRow is the persisted form of a Peer.
type peerRow struct {
	ID               string `gorm:"primaryKey;size:128"`
	Relation         string `gorm:"size:16;index"`
	Prefixes         string `gorm:"type:text"`
	Weight           int
	Endpoint         string `gorm:"size:512"`
	OutgoingToken    string `gorm:"size:512"`
	MaxPacketAmount  int64
	RateCapacity     int
	RateRefillPeriod int64
	RateRefillCount  int
	ThroughputAmount int64
	ThroughputPeriod int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (peerRow) TableName() string { return "peers" }

func toRow(p Peer) (peerRow, error) {
	prefixes, err := json.Marshal(p.Prefixes)
	if err != nil {
		return peerRow{}, err
	}
	row := peerRow{
		ID:              p.ID,
		Relation:        string(p.Relation),
		Prefixes:        string(prefixes),
		Weight:          p.Weight,
		Endpoint:        p.Endpoint,
		OutgoingToken:   p.OutgoingToken,
		MaxPacketAmount: int64(p.MaxPacketAmount),
	}
	if p.RateLimit != nil {
		row.RateCapacity = p.RateLimit.Capacity
		row.RateRefillPeriod = int64(p.RateLimit.RefillPeriod)
		row.RateRefillCount = p.RateLimit.RefillCount
	}
	if p.Throughput != nil {
		row.ThroughputAmount = int64(p.Throughput.Amount)
		row.ThroughputPeriod = int64(p.Throughput.Period)
	}
	return row, nil
}

func (row peerRow) peer() (Peer, error) {
	p := Peer{
		ID:              row.ID,
		Relation:        Relation(row.Relation),
		Weight:          row.Weight,
		Endpoint:        row.Endpoint,
		OutgoingToken:   row.OutgoingToken,
		MaxPacketAmount: uint64(row.MaxPacketAmount),
	}
	if row.Prefixes != "" {
		if err := json.Unmarshal([]byte(row.Prefixes), &p.Prefixes); err != nil {
			return Peer{}, fmt.Errorf("decode prefixes of %s: %w", row.ID, err)
		}
	}
	if row.RateCapacity > 0 {
		p.RateLimit = &RateLimit{
			Capacity:     row.RateCapacity,
			RefillPeriod: time.Duration(row.RateRefillPeriod),
			RefillCount:  row.RateRefillCount,
		}
	}
	if row.ThroughputAmount > 0 {
		p.Throughput = &Throughput{
			Amount: uint64(row.ThroughputAmount),
			Period: time.Duration(row.ThroughputPeriod),
		}
	}
	return p, nil
}

// OpenDB connects gorm to the named driver: "postgres" or "sqlite".
func OpenDB(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "postgres", "postgresql":
		dialector = postgres.Open(dsn)
	case "sqlite", "sqlite3":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("peers: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open peer database: %w", err)
	}
	return db, nil
}

// SQLRegistry persists peers through gorm.
type SQLRegistry struct {
	db  *gorm.DB
	hub hub
}

// NewSQLRegistry migrates the peers table and returns a registry over db.
func NewSQLRegistry(db *gorm.DB) (*SQLRegistry, error) {
	if db == nil {
		return nil, errors.New("peers: database required")
	}
	if err := db.AutoMigrate(&peerRow{}); err != nil {
		return nil, fmt.Errorf("migrate peers: %w", err)
	}
	return &SQLRegistry{db: db}, nil
}

func (r *SQLRegistry) Get(ctx context.Context, id string) (Peer, error) {
	var row peerRow
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Peer{}, ErrPeerNotFound
	}
	if err != nil {
		return Peer{}, fmt.Errorf("load peer %s: %w", id, err)
	}
	return row.peer()
}

// List returns peers ordered by id.
func (r *SQLRegistry) List(ctx context.Context) ([]Peer, error) {
	var rows []peerRow
	if err := r.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	out := make([]Peer, 0, len(rows))
	for _, row := range rows {
		p, err := row.peer()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (r *SQLRegistry) Add(ctx context.Context, p Peer) error {
	if err := p.Validate(); err != nil {
		return err
	}
	row, err := toRow(p)
	if err != nil {
		return err
	}
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&peerRow{}).Where("id = ?", p.ID).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrPeerExists
		}
		return tx.Create(&row).Error
	})
	if err != nil {
		if errors.Is(err, ErrPeerExists) {
			return err
		}
		return fmt.Errorf("add peer %s: %w", p.ID, err)
	}
	r.hub.publish(Event{Kind: EventAdded, Peer: p})
	return nil
}

func (r *SQLRegistry) Update(ctx context.Context, p Peer) error {
	if err := p.Validate(); err != nil {
		return err
	}
	row, err := toRow(p)
	if err != nil {
		return err
	}
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing peerRow
		if err := tx.Where("id = ?", p.ID).First(&existing).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrPeerNotFound
			}
			return err
		}
		row.CreatedAt = existing.CreatedAt
		return tx.Save(&row).Error
	})
	if err != nil {
		if errors.Is(err, ErrPeerNotFound) {
			return err
		}
		return fmt.Errorf("update peer %s: %w", p.ID, err)
	}
	r.hub.publish(Event{Kind: EventUpdated, Peer: p})
	return nil
}

func (r *SQLRegistry) Remove(ctx context.Context, id string) error {
	var removed Peer
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row peerRow
		if err := tx.Where("id = ?", id).First(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrPeerNotFound
			}
			return err
		}
		p, err := row.peer()
		if err != nil {
			return err
		}
		removed = p
		return tx.Delete(&peerRow{}, "id = ?", id).Error
	})
	if err != nil {
		if errors.Is(err, ErrPeerNotFound) {
			return err
		}
		return fmt.Errorf("remove peer %s: %w", id, err)
	}
	r.hub.publish(Event{Kind: EventRemoved, Peer: removed})
	return nil
}

func (r *SQLRegistry) Subscribe(fn func(Event)) func() { return r.hub.subscribe(fn) }
