package ccp

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"ilpconnector/packet"
)

func TestControlRequestEncoding(t *testing.T) {
	id := uuid.MustParse("21e55f8e-abcd-4e97-9ab9-bf0ff00a224c")
	req := ControlRequest{Mode: ModeSync, LastKnownRoutingTableID: id, LastKnownEpoch: 32, Features: []string{"foo", "bar"}}
	raw, err := req.MarshalBinary()
	require.NoError(t, err)
	require.Equal(t, byte(1), raw[0])
	require.Equal(t, id[:], raw[1:17])
	require.Equal(t, []byte{0, 0, 0, 32}, raw[17:21])
	require.Equal(t, []byte{1, 2, 3, 'f', 'o', 'o', 3, 'b', 'a', 'r'}, raw[21:])

	var got ControlRequest
	require.NoError(t, got.UnmarshalBinary(raw))
	require.Equal(t, req, got)

	raw[0] = 7
	require.ErrorIs(t, got.UnmarshalBinary(raw), ErrInvalidMessage)
	require.ErrorIs(t, got.UnmarshalBinary(raw[:10]), ErrInvalidMessage)
}

func TestUpdateRequestEncoding(t *testing.T) {
	req := UpdateRequest{
		RoutingTableID:  uuid.New(),
		CurrentEpoch:    52,
		FromEpoch:       10,
		ToEpoch:         20,
		HoldDownTime:    45000,
		Speaker:         "example.alice",
		NewRoutes:       []AdvertisedRoute{{Prefix: "example.prefix1", Path: []string{"example.prefix1"}, Auth: [32]byte{1, 2, 3}, Props: []RouteProp{{Optional: true, Transitive: true, ID: 7, Value: []byte("hi")}}}, {Prefix: "example.prefix2", Path: []string{"example.a", "example.b"}}},
		WithdrawnRoutes: []string{"example.prefix3"},
	}
	raw, err := req.MarshalBinary()
	require.NoError(t, err)

	var got UpdateRequest
	require.NoError(t, got.UnmarshalBinary(raw))
	require.Equal(t, req.RoutingTableID, got.RoutingTableID)
	require.Equal(t, req.Speaker, got.Speaker)
	require.Equal(t, uint32(10), got.FromEpoch)
	require.Equal(t, uint32(20), got.ToEpoch)
	require.Equal(t, req.NewRoutes, got.NewRoutes)
	require.Equal(t, req.WithdrawnRoutes, got.WithdrawnRoutes)

	require.ErrorIs(t, got.UnmarshalBinary(raw[:len(raw)-3]), ErrInvalidMessage)

	backwards := req
	backwards.FromEpoch, backwards.ToEpoch = 5, 4
	raw, err = backwards.MarshalBinary()
	require.NoError(t, err)
	require.ErrorIs(t, got.UnmarshalBinary(raw), ErrInvalidMessage)
}

func TestPeerProtocolPrepares(t *testing.T) {
	expires := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	p := ControlPrepare(ControlRequest{Mode: ModeIdle}, expires)
	require.Equal(t, packet.AddressRouteControl, p.Destination)
	require.Zero(t, p.Amount)
	require.Equal(t, packet.PeerProtocolCondition, p.ExecutionCondition)

	u := UpdatePrepare(UpdateRequest{Speaker: "g.a"}, expires)
	require.Equal(t, packet.AddressRouteUpdate, u.Destination)

	f := PeerProtocolFulfill()
	require.True(t, packet.Fulfills(f.Fulfillment, p.ExecutionCondition))
}
