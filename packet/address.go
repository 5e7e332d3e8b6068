package packet

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// MaxAddressLength is the longest ILP address accepted.
const MaxAddressLength = 1023

// ErrInvalidAddress is returned by ValidateAddress.
var ErrInvalidAddress = errors.New("packet: invalid ILP address")

var addressPattern = regexp.MustCompile(`^(g|private|example|peer|self|test[1-3]?|local)([.][a-zA-Z0-9_~-]+)+$`)

// ValidateAddress checks an ILP address against the allocation schemes and
// segment grammar.
func ValidateAddress(addr string) error {
	if len(addr) > MaxAddressLength {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidAddress, MaxAddressLength)
	}
	if !addressPattern.MatchString(addr) {
		return fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
	}
	return nil
}

// HasPrefix reports whether addr lies under prefix on a segment boundary.
// The empty prefix matches every address.
func HasPrefix(addr, prefix string) bool {
	if prefix == "" {
		return true
	}
	if !strings.HasPrefix(addr, prefix) {
		return false
	}
	return len(addr) == len(prefix) || addr[len(prefix)] == '.' || strings.HasSuffix(prefix, ".")
}

// Addresses reserved for the peer protocols.
const (
	AddressRouteControl = "peer.route.control"
	AddressRouteUpdate  = "peer.route.update"
	AddressConfig       = "peer.config"
	PeerProtocolPrefix  = "peer."
)

// PeerProtocolFulfillment is the all-zero preimage used by peer protocol
// requests; PeerProtocolCondition is its SHA-256 hash.
var (
	PeerProtocolFulfillment [ConditionSize]byte
	PeerProtocolCondition   = [ConditionSize]byte{
		0x66, 0x68, 0x7a, 0xad, 0xf8, 0x62, 0xbd, 0x77, 0x6c, 0x8f, 0xc1, 0x8b, 0x8e, 0x9f, 0x8e, 0x20,
		0x08, 0x97, 0x14, 0x85, 0x6e, 0xe2, 0x33, 0xb3, 0x90, 0x2a, 0x59, 0x1d, 0x0d, 0x5f, 0x29, 0x25,
	}
)
