// Package ccp implements the route broadcast protocol peers use to keep
// each other's routing tables current. Messages travel as zero-amount
// Prepare packets addressed to peer.route.control and peer.route.update.
package ccp

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"ilpconnector/oer"
	"ilpconnector/packet"
)

var ErrInvalidMessage = errors.New("ccp: invalid message")

// Mode tells a sender whether the requesting peer wants route updates.
type Mode uint8

const (
	ModeIdle Mode = 0
	ModeSync Mode = 1
)

func (m Mode) String() string {
	switch m {
	case ModeIdle:
		return "IDLE"
	case ModeSync:
		return "SYNC"
	default:
		return fmt.Sprintf("Mode(%d)", uint8(m))
	}
}

// ControlRequest asks a sender to start or stop broadcasting, reporting the
// last table id and epoch the requester applied.
type ControlRequest struct {
	Mode                    Mode
	LastKnownRoutingTableID uuid.UUID
	LastKnownEpoch          uint32
	Features                []string
}

// RouteProp is an opaque route property carried alongside an advertisement.
type RouteProp struct {
	Optional   bool
	Transitive bool
	Partial    bool
	UTF8       bool
	ID         uint16
	Value      []byte
}

// AdvertisedRoute is a route as it appears on the wire.
type AdvertisedRoute struct {
	Prefix string
	Path   []string
	Auth   [32]byte
	Props  []RouteProp
}

// UpdateRequest carries the route changes of epochs [FromEpoch, ToEpoch).
type UpdateRequest struct {
	RoutingTableID  uuid.UUID
	CurrentEpoch    uint32
	FromEpoch       uint32
	ToEpoch         uint32
	HoldDownTime    uint32 // milliseconds
	Speaker         string
	NewRoutes       []AdvertisedRoute
	WithdrawnRoutes []string
}

// MarshalBinary encodes the request in OER.
func (c ControlRequest) MarshalBinary() ([]byte, error) {
	w := oer.NewWriter(32)
	w.WriteUint8(uint8(c.Mode))
	w.WriteOctets(c.LastKnownRoutingTableID[:])
	w.WriteUint32(c.LastKnownEpoch)
	w.WriteVarUint(uint64(len(c.Features)))
	for _, f := range c.Features {
		w.WriteVarString(f)
	}
	return w.Bytes(), nil
}

// UnmarshalBinary decodes an OER control request.
func (c *ControlRequest) UnmarshalBinary(b []byte) error {
	r := oer.NewReader(b)
	mode, err := r.ReadUint8()
	if err != nil {
		return invalid(err)
	}
	if Mode(mode) != ModeIdle && Mode(mode) != ModeSync {
		return fmt.Errorf("%w: unknown mode %d", ErrInvalidMessage, mode)
	}
	id, err := r.ReadOctets(16)
	if err != nil {
		return invalid(err)
	}
	epoch, err := r.ReadUint32()
	if err != nil {
		return invalid(err)
	}
	features, err := readStrings(r)
	if err != nil {
		return err
	}
	c.Mode = Mode(mode)
	copy(c.LastKnownRoutingTableID[:], id)
	c.LastKnownEpoch = epoch
	c.Features = features
	return nil
}

const (
	propOptional   = 0x80
	propTransitive = 0x40
	propPartial    = 0x20
	propUTF8       = 0x10
)

// MarshalBinary encodes the request in OER.
func (u UpdateRequest) MarshalBinary() ([]byte, error) {
	w := oer.NewWriter(64)
	w.WriteOctets(u.RoutingTableID[:])
	w.WriteUint32(u.CurrentEpoch)
	w.WriteUint32(u.FromEpoch)
	w.WriteUint32(u.ToEpoch)
	w.WriteUint32(u.HoldDownTime)
	w.WriteVarString(u.Speaker)
	w.WriteVarUint(uint64(len(u.NewRoutes)))
	for _, route := range u.NewRoutes {
		w.WriteVarString(route.Prefix)
		w.WriteVarUint(uint64(len(route.Path)))
		for _, hop := range route.Path {
			w.WriteVarString(hop)
		}
		w.WriteOctets(route.Auth[:])
		w.WriteVarUint(uint64(len(route.Props)))
		for _, prop := range route.Props {
			var meta uint8
			if prop.Optional {
				meta |= propOptional
			}
			if prop.Transitive {
				meta |= propTransitive
			}
			if prop.Partial {
				meta |= propPartial
			}
			if prop.UTF8 {
				meta |= propUTF8
			}
			w.WriteUint8(meta)
			w.WriteUint16(prop.ID)
			w.WriteVarOctets(prop.Value)
		}
	}
	w.WriteVarUint(uint64(len(u.WithdrawnRoutes)))
	for _, prefix := range u.WithdrawnRoutes {
		w.WriteVarString(prefix)
	}
	return w.Bytes(), nil
}

// UnmarshalBinary decodes an OER update request.
func (u *UpdateRequest) UnmarshalBinary(b []byte) error {
	r := oer.NewReader(b)
	id, err := r.ReadOctets(16)
	if err != nil {
		return invalid(err)
	}
	var out UpdateRequest
	copy(out.RoutingTableID[:], id)
	for _, dst := range []*uint32{&out.CurrentEpoch, &out.FromEpoch, &out.ToEpoch, &out.HoldDownTime} {
		if *dst, err = r.ReadUint32(); err != nil {
			return invalid(err)
		}
	}
	if out.Speaker, err = r.ReadVarString(); err != nil {
		return invalid(err)
	}
	count, err := readCount(r)
	if err != nil {
		return err
	}
	for i := 0; i < count; i++ {
		var route AdvertisedRoute
		if route.Prefix, err = r.ReadVarString(); err != nil {
			return invalid(err)
		}
		if route.Path, err = readStrings(r); err != nil {
			return err
		}
		auth, err := r.ReadOctets(32)
		if err != nil {
			return invalid(err)
		}
		copy(route.Auth[:], auth)
		props, err := readCount(r)
		if err != nil {
			return err
		}
		for j := 0; j < props; j++ {
			meta, err := r.ReadUint8()
			if err != nil {
				return invalid(err)
			}
			pid, err := r.ReadUint16()
			if err != nil {
				return invalid(err)
			}
			value, err := r.ReadVarOctets()
			if err != nil {
				return invalid(err)
			}
			route.Props = append(route.Props, RouteProp{
				Optional:   meta&propOptional != 0,
				Transitive: meta&propTransitive != 0,
				Partial:    meta&propPartial != 0,
				UTF8:       meta&propUTF8 != 0,
				ID:         pid,
				Value:      append([]byte(nil), value...),
			})
		}
		out.NewRoutes = append(out.NewRoutes, route)
	}
	if out.WithdrawnRoutes, err = readStrings(r); err != nil {
		return err
	}
	if out.FromEpoch > out.ToEpoch {
		return fmt.Errorf("%w: from epoch %d after to epoch %d", ErrInvalidMessage, out.FromEpoch, out.ToEpoch)
	}
	*u = out
	return nil
}

func readCount(r *oer.Reader) (int, error) {
	n, err := r.ReadVarUint()
	if err != nil {
		return 0, invalid(err)
	}
	// Each element needs at least one byte.
	if n > uint64(r.Remaining()) {
		return 0, fmt.Errorf("%w: count %d exceeds payload", ErrInvalidMessage, n)
	}
	return int(n), nil
}

func readStrings(r *oer.Reader) ([]string, error) {
	n, err := readCount(r)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		s, err := r.ReadVarString()
		if err != nil {
			return nil, invalid(err)
		}
		out = append(out, s)
	}
	return out, nil
}

func invalid(err error) error {
	return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
}

// prepare wraps a peer protocol payload in a zero-amount Prepare.
func prepare(destination string, data []byte, expiresAt time.Time) packet.Prepare {
	return packet.Prepare{
		Amount:             0,
		ExpiresAt:          expiresAt,
		ExecutionCondition: packet.PeerProtocolCondition,
		Destination:        destination,
		Data:               data,
	}
}

// ControlPrepare builds the Prepare carrying c.
func ControlPrepare(c ControlRequest, expiresAt time.Time) packet.Prepare {
	data, _ := c.MarshalBinary()
	return prepare(packet.AddressRouteControl, data, expiresAt)
}

// UpdatePrepare builds the Prepare carrying u.
func UpdatePrepare(u UpdateRequest, expiresAt time.Time) packet.Prepare {
	data, _ := u.MarshalBinary()
	return prepare(packet.AddressRouteUpdate, data, expiresAt)
}

// PeerProtocolFulfill is the empty acknowledgement of a peer protocol request.
func PeerProtocolFulfill() packet.Fulfill {
	return packet.Fulfill{Fulfillment: packet.PeerProtocolFulfillment}
}
