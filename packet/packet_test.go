package packet

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const prepareVector = "0c4d000000000000006b3230313731323233303132313430353439000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f0d6578616d706c652e616c6963650568656c6c6f"

func vectorPrepare() Prepare {
	var cond [ConditionSize]byte
	for i := range cond {
		cond[i] = byte(i)
	}
	return Prepare{
		Amount:             107,
		ExpiresAt:          time.Date(2017, 12, 23, 1, 21, 40, 549*int(time.Millisecond), time.UTC),
		ExecutionCondition: cond,
		Destination:        "example.alice",
		Data:               []byte("hello"),
	}
}

func TestPrepareMatchesVector(t *testing.T) {
	encoded := vectorPrepare().Marshal()
	require.Equal(t, prepareVector, hex.EncodeToString(encoded))

	raw, err := hex.DecodeString(prepareVector)
	require.NoError(t, err)
	decoded, err := DecodePrepare(raw)
	require.NoError(t, err)
	want := vectorPrepare()
	require.Equal(t, want.Amount, decoded.Amount)
	require.True(t, want.ExpiresAt.Equal(decoded.ExpiresAt))
	require.Equal(t, want.ExecutionCondition, decoded.ExecutionCondition)
	require.Equal(t, want.Destination, decoded.Destination)
	require.Equal(t, want.Data, decoded.Data)
}

func TestLargeDataUsesLongLengthPrefix(t *testing.T) {
	p := vectorPrepare()
	p.Data = bytes.Repeat([]byte{0xab}, 40000)
	encoded := p.Marshal()
	require.Equal(t, byte(0x82), encoded[1], "contents length needs a two octet prefix")

	decoded, err := DecodePrepare(encoded)
	require.NoError(t, err)
	require.Equal(t, p.Data, decoded.Data)
}

func TestDecodeRejectsShortAndWrongType(t *testing.T) {
	_, err := DecodePrepare([]byte{12, 3, 0, 0, 0})
	require.ErrorIs(t, err, ErrMalformedPacket)

	fulfill := Fulfill{Data: []byte("x")}.Marshal()
	_, err = DecodePrepare(fulfill)
	require.ErrorIs(t, err, ErrMalformedPacket)

	_, err = DecodeReply(vectorPrepare().Marshal())
	require.ErrorIs(t, err, ErrMalformedPacket)

	_, err = DecodeReply(nil)
	require.ErrorIs(t, err, ErrMalformedPacket)
}

func TestDecodeRejectsLengthMismatch(t *testing.T) {
	encoded := vectorPrepare().Marshal()
	_, err := DecodePrepare(append(encoded, 0x00))
	require.ErrorIs(t, err, ErrMalformedPacket)

	truncated := bytes.Clone(encoded[:len(encoded)-1])
	_, err = DecodePrepare(truncated)
	require.ErrorIs(t, err, ErrMalformedPacket)
}

func TestDecodeRejectsBadTimestamp(t *testing.T) {
	encoded := vectorPrepare().Marshal()
	copy(encoded[2+8:], []byte("2017122301214054x"))
	_, err := DecodePrepare(encoded)
	require.ErrorIs(t, err, ErrMalformedPacket)
}

func TestReplyRoundTrip(t *testing.T) {
	preimage := [ConditionSize]byte{1, 2, 3}
	reply, err := DecodeReply(Fulfill{Fulfillment: preimage, Data: []byte("ok")}.Marshal())
	require.NoError(t, err)
	fulfill, ok := reply.(Fulfill)
	require.True(t, ok)
	require.Equal(t, preimage, fulfill.Fulfillment)
	require.Equal(t, []byte("ok"), fulfill.Data)

	reply, err = DecodeReply(Reject{
		Code:        CodeT04InsufficientLiquidity,
		TriggeredBy: "test.connector",
		Message:     "no liquidity",
	}.Marshal())
	require.NoError(t, err)
	reject, ok := reply.(Reject)
	require.True(t, ok)
	require.Equal(t, CodeT04InsufficientLiquidity, reject.Code)
	require.Equal(t, "test.connector", reject.TriggeredBy)
	require.Equal(t, "no liquidity", reject.Message)
	require.Empty(t, reject.Data)
}

func TestRejectWithInvalidCodeFallsBackToF00(t *testing.T) {
	decoded, err := DecodeReject(Reject{Code: "bogus"}.Marshal())
	require.NoError(t, err)
	require.Equal(t, CodeF00BadRequest, decoded.Code)
}

func TestWithAmountAndExpiryKeepsConditionAndData(t *testing.T) {
	original := vectorPrepare()
	original.Data = bytes.Repeat([]byte{0x42}, 300)
	raw := original.Marshal()
	snapshot := bytes.Clone(raw)

	amount := uint64(99)
	expiry := original.ExpiresAt.Add(-time.Second)
	out, err := WithAmountAndExpiry(raw, &amount, &expiry)
	require.NoError(t, err)
	require.Equal(t, snapshot, raw, "input must not be mutated")
	require.Equal(t, len(raw), len(out))

	decoded, err := DecodePrepare(out)
	require.NoError(t, err)
	require.Equal(t, amount, decoded.Amount)
	require.True(t, expiry.Equal(decoded.ExpiresAt))
	require.Equal(t, original.ExecutionCondition, decoded.ExecutionCondition)
	require.Equal(t, original.Data, decoded.Data)
	require.True(t, bytes.HasSuffix(out, original.Data))

	onlyAmount, err := WithAmountAndExpiry(raw, &amount, nil)
	require.NoError(t, err)
	decoded, err = DecodePrepare(onlyAmount)
	require.NoError(t, err)
	require.True(t, original.ExpiresAt.Equal(decoded.ExpiresAt))

	_, err = WithAmountAndExpiry([]byte{1, 2}, &amount, nil)
	require.True(t, errors.Is(err, ErrMalformedPacket))
}

func TestFulfills(t *testing.T) {
	preimage := [ConditionSize]byte{7}
	condition := sha256.Sum256(preimage[:])
	require.True(t, Fulfills(preimage, condition))
	require.False(t, Fulfills([ConditionSize]byte{8}, condition))
	require.True(t, Fulfills(PeerProtocolFulfillment, PeerProtocolCondition))
}

func TestAddresses(t *testing.T) {
	require.NoError(t, ValidateAddress("g.us.bank.alice"))
	require.NoError(t, ValidateAddress("test.connector~1"))
	require.ErrorIs(t, ValidateAddress("g"), ErrInvalidAddress)
	require.ErrorIs(t, ValidateAddress("mars.alice"), ErrInvalidAddress)
	require.ErrorIs(t, ValidateAddress("g.alice..bob"), ErrInvalidAddress)

	require.True(t, HasPrefix("g.alice.bob", "g.alice"))
	require.True(t, HasPrefix("g.alice", "g.alice"))
	require.False(t, HasPrefix("g.alicex", "g.alice"))
	require.True(t, HasPrefix("g.alice", ""))
}

func TestCodeNames(t *testing.T) {
	require.Equal(t, "rate limited", CodeT05RateLimited.Name())
	require.True(t, CodeF02Unreachable.Final())
	require.True(t, CodeT01PeerUnreachable.Temporary())
	require.Equal(t, "unknown", ErrorCode("Z99").Name())
}
