// Package packet encodes and decodes the Interledger Prepare, Fulfill and
// Reject packets.
package packet

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"strconv"
	"time"

	"ilpconnector/oer"
)

// Type is the envelope discriminator byte.
type Type uint8

const (
	TypePrepare Type = 12
	TypeFulfill Type = 13
	TypeReject  Type = 14
)

func (t Type) String() string {
	switch t {
	case TypePrepare:
		return "prepare"
	case TypeFulfill:
		return "fulfill"
	case TypeReject:
		return "reject"
	default:
		return "unknown(" + strconv.Itoa(int(t)) + ")"
	}
}

const (
	// ConditionSize is the length of execution conditions and fulfillments.
	ConditionSize = 32
	timestampSize = 17
	timestampBase = "20060102150405"

	minPrepareContents = 8 + timestampSize + ConditionSize + 1 + 1
	minFulfillContents = ConditionSize + 1
	minRejectContents  = 3 + 1 + 1 + 1
)

// ErrMalformedPacket is returned when bytes cannot be decoded as the
// requested packet type.
var ErrMalformedPacket = errors.New("packet: malformed packet")

// Packet is any encodable ILP packet.
type Packet interface {
	Type() Type
	Marshal() []byte
}

// Reply is the response to a Prepare: either a Fulfill or a Reject.
type Reply interface {
	Packet
	isReply()
}

// Prepare is a conditional payment request.
type Prepare struct {
	Amount             uint64
	ExpiresAt          time.Time
	ExecutionCondition [ConditionSize]byte
	Destination        string
	Data               []byte
}

// Fulfill carries the preimage of a Prepare's execution condition.
type Fulfill struct {
	Fulfillment [ConditionSize]byte
	Data        []byte
}

// Reject reports a failed Prepare.
type Reject struct {
	Code        ErrorCode
	TriggeredBy string
	Message     string
	Data        []byte
}

func (Prepare) Type() Type { return TypePrepare }
func (Fulfill) Type() Type { return TypeFulfill }
func (Reject) Type() Type  { return TypeReject }

func (Fulfill) isReply() {}
func (Reject) isReply()  {}

// Marshal encodes the Prepare into its envelope.
func (p Prepare) Marshal() []byte {
	w := oer.NewWriter(minPrepareContents + len(p.Destination) + len(p.Data) + 8)
	w.WriteUint64(p.Amount)
	w.WriteOctets(formatTimestamp(p.ExpiresAt))
	w.WriteOctets(p.ExecutionCondition[:])
	w.WriteVarString(p.Destination)
	w.WriteVarOctets(p.Data)
	return envelope(TypePrepare, w.Bytes())
}

// Marshal encodes the Fulfill into its envelope.
func (f Fulfill) Marshal() []byte {
	w := oer.NewWriter(minFulfillContents + len(f.Data) + 4)
	w.WriteOctets(f.Fulfillment[:])
	w.WriteVarOctets(f.Data)
	return envelope(TypeFulfill, w.Bytes())
}

// Marshal encodes the Reject into its envelope.
func (r Reject) Marshal() []byte {
	code := string(r.Code)
	if len(code) != 3 {
		code = string(CodeF00BadRequest)
	}
	w := oer.NewWriter(minRejectContents + len(r.TriggeredBy) + len(r.Message) + len(r.Data) + 8)
	w.WriteOctets([]byte(code))
	w.WriteVarString(r.TriggeredBy)
	w.WriteVarString(r.Message)
	w.WriteVarOctets(r.Data)
	return envelope(TypeReject, w.Bytes())
}

// Encode serialises any packet.
func Encode(p Packet) []byte {
	return p.Marshal()
}

func envelope(t Type, contents []byte) []byte {
	w := oer.NewWriter(1 + oer.LengthPrefixSize(len(contents)) + len(contents))
	w.WriteUint8(uint8(t))
	w.WriteVarOctets(contents)
	return w.Bytes()
}

// openEnvelope validates the discriminator and outer length and returns a
// reader positioned at the contents plus the contents offset within b.
func openEnvelope(b []byte, want Type, minContents int) (*oer.Reader, int, error) {
	if len(b) < 2+minContents {
		return nil, 0, fmt.Errorf("%w: %d bytes is shorter than a %s", ErrMalformedPacket, len(b), want)
	}
	if Type(b[0]) != want {
		return nil, 0, fmt.Errorf("%w: discriminator %d, want %s", ErrMalformedPacket, b[0], want)
	}
	r := oer.NewReader(b[1:])
	n, err := r.ReadLengthPrefix()
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}
	if n != r.Remaining() {
		return nil, 0, fmt.Errorf("%w: envelope length %d, have %d bytes", ErrMalformedPacket, n, r.Remaining())
	}
	if n < minContents {
		return nil, 0, fmt.Errorf("%w: contents too short for %s", ErrMalformedPacket, want)
	}
	return r, 1 + r.Offset(), nil
}

// DecodePrepare parses a Prepare envelope.
func DecodePrepare(b []byte) (Prepare, error) {
	r, _, err := openEnvelope(b, TypePrepare, minPrepareContents)
	if err != nil {
		return Prepare{}, err
	}
	var p Prepare
	if p.Amount, err = r.ReadUint64(); err != nil {
		return Prepare{}, malformed(err)
	}
	ts, err := r.ReadOctets(timestampSize)
	if err != nil {
		return Prepare{}, malformed(err)
	}
	if p.ExpiresAt, err = parseTimestamp(ts); err != nil {
		return Prepare{}, malformed(err)
	}
	cond, err := r.ReadOctets(ConditionSize)
	if err != nil {
		return Prepare{}, malformed(err)
	}
	copy(p.ExecutionCondition[:], cond)
	if p.Destination, err = r.ReadVarString(); err != nil {
		return Prepare{}, malformed(err)
	}
	data, err := r.ReadVarOctets()
	if err != nil {
		return Prepare{}, malformed(err)
	}
	p.Data = bytes.Clone(data)
	if r.Remaining() != 0 {
		return Prepare{}, fmt.Errorf("%w: %d trailing bytes", ErrMalformedPacket, r.Remaining())
	}
	return p, nil
}

// DecodeFulfill parses a Fulfill envelope.
func DecodeFulfill(b []byte) (Fulfill, error) {
	r, _, err := openEnvelope(b, TypeFulfill, minFulfillContents)
	if err != nil {
		return Fulfill{}, err
	}
	var f Fulfill
	raw, err := r.ReadOctets(ConditionSize)
	if err != nil {
		return Fulfill{}, malformed(err)
	}
	copy(f.Fulfillment[:], raw)
	data, err := r.ReadVarOctets()
	if err != nil {
		return Fulfill{}, malformed(err)
	}
	f.Data = bytes.Clone(data)
	if r.Remaining() != 0 {
		return Fulfill{}, fmt.Errorf("%w: %d trailing bytes", ErrMalformedPacket, r.Remaining())
	}
	return f, nil
}

// DecodeReject parses a Reject envelope.
func DecodeReject(b []byte) (Reject, error) {
	r, _, err := openEnvelope(b, TypeReject, minRejectContents)
	if err != nil {
		return Reject{}, err
	}
	var rej Reject
	code, err := r.ReadOctets(3)
	if err != nil {
		return Reject{}, malformed(err)
	}
	rej.Code = ErrorCode(code)
	if rej.TriggeredBy, err = r.ReadVarString(); err != nil {
		return Reject{}, malformed(err)
	}
	if rej.Message, err = r.ReadVarString(); err != nil {
		return Reject{}, malformed(err)
	}
	data, err := r.ReadVarOctets()
	if err != nil {
		return Reject{}, malformed(err)
	}
	rej.Data = bytes.Clone(data)
	if r.Remaining() != 0 {
		return Reject{}, fmt.Errorf("%w: %d trailing bytes", ErrMalformedPacket, r.Remaining())
	}
	return rej, nil
}

// DecodeReply parses either a Fulfill or a Reject.
func DecodeReply(b []byte) (Reply, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty reply", ErrMalformedPacket)
	}
	switch Type(b[0]) {
	case TypeFulfill:
		return DecodeFulfill(b)
	case TypeReject:
		return DecodeReject(b)
	default:
		return nil, fmt.Errorf("%w: discriminator %d is not a reply", ErrMalformedPacket, b[0])
	}
}

// WithAmountAndExpiry returns a copy of an encoded Prepare with the amount
// and/or expiry replaced. Every other byte, including the execution condition
// and data, is left untouched. raw itself is never modified.
func WithAmountAndExpiry(raw []byte, amount *uint64, expiresAt *time.Time) ([]byte, error) {
	if _, err := DecodePrepare(raw); err != nil {
		return nil, err
	}
	_, offset, err := openEnvelope(raw, TypePrepare, minPrepareContents)
	if err != nil {
		return nil, err
	}
	out := bytes.Clone(raw)
	if amount != nil {
		w := oer.NewWriter(8)
		w.WriteUint64(*amount)
		copy(out[offset:offset+8], w.Bytes())
	}
	if expiresAt != nil {
		copy(out[offset+8:offset+8+timestampSize], formatTimestamp(*expiresAt))
	}
	return out, nil
}

// Fulfills reports whether fulfillment is the SHA-256 preimage of condition.
func Fulfills(fulfillment, condition [ConditionSize]byte) bool {
	return sha256.Sum256(fulfillment[:]) == condition
}

func malformed(err error) error {
	return fmt.Errorf("%w: %v", ErrMalformedPacket, err)
}

// formatTimestamp renders t as the 17-digit Interledger timestamp
// YYYYMMDDHHmmssfff in UTC.
func formatTimestamp(t time.Time) []byte {
	t = t.UTC()
	ms := t.Nanosecond() / int(time.Millisecond)
	out := make([]byte, 0, timestampSize)
	out = t.AppendFormat(out, timestampBase)
	out = append(out, byte('0'+ms/100), byte('0'+(ms/10)%10), byte('0'+ms%10))
	return out
}

func parseTimestamp(b []byte) (time.Time, error) {
	if len(b) != timestampSize {
		return time.Time{}, fmt.Errorf("timestamp must be %d bytes", timestampSize)
	}
	base, err := time.ParseInLocation(timestampBase, string(b[:14]), time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp: %w", err)
	}
	ms := 0
	for _, c := range b[14:] {
		if c < '0' || c > '9' {
			return time.Time{}, fmt.Errorf("timestamp millis must be digits")
		}
		ms = ms*10 + int(c-'0')
	}
	return base.Add(time.Duration(ms) * time.Millisecond), nil
}
