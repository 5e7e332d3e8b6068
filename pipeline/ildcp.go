package pipeline

import (
	"fmt"

	"ilpconnector/oer"
	"ilpconnector/packet"
)

// ConfigResponse answers a child's peer.config request with the address and
// asset it should use.
type ConfigResponse struct {
	ClientAddress string
	AssetScale    uint8
	AssetCode     string
}

func (c ConfigResponse) MarshalBinary() ([]byte, error) {
	w := oer.NewWriter(len(c.ClientAddress) + len(c.AssetCode) + 4)
	w.WriteVarString(c.ClientAddress)
	w.WriteUint8(c.AssetScale)
	w.WriteVarString(c.AssetCode)
	return w.Bytes(), nil
}

func (c *ConfigResponse) UnmarshalBinary(b []byte) error {
	r := oer.NewReader(b)
	addr, err := r.ReadVarString()
	if err != nil {
		return fmt.Errorf("%w: %v", packet.ErrMalformedPacket, err)
	}
	scale, err := r.ReadUint8()
	if err != nil {
		return fmt.Errorf("%w: %v", packet.ErrMalformedPacket, err)
	}
	code, err := r.ReadVarString()
	if err != nil {
		return fmt.Errorf("%w: %v", packet.ErrMalformedPacket, err)
	}
	if err := packet.ValidateAddress(addr); err != nil {
		return err
	}
	c.ClientAddress, c.AssetScale, c.AssetCode = addr, scale, code
	return nil
}
