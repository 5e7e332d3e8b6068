package pipeline

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"ilpconnector/ccp"
	"ilpconnector/ledger"
	"ilpconnector/packet"
)

// Failures raised by the stages. Each maps to a fixed reject code.
var (
	ErrAmountTooLarge      = errors.New("amount exceeds maximum packet amount")
	ErrRateLimited         = errors.New("too many packets from peer")
	ErrThroughputExceeded  = errors.New("peer exceeded throughput limit")
	ErrUnreachable         = errors.New("no route to destination")
	ErrTransferTimedOut    = errors.New("packet expired before a reply arrived")
	ErrInsufficientTimeout = errors.New("insufficient time left to forward packet")
	ErrWrongCondition      = errors.New("fulfillment does not match condition")
	ErrPeerUnreachable     = errors.New("peer could not be reached")
)

// ILPError carries an explicit reject code and optional reject data.
type ILPError struct {
	Code    packet.ErrorCode
	Message string
	Data    []byte
	Err     error
}

func (e *ILPError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s %s", e.Code, e.Message)
}

func (e *ILPError) Unwrap() error { return e.Err }

// amountTooLarge reports the received and allowed amounts in the reject data.
func amountTooLarge(received, maximum uint64) error {
	data := make([]byte, 16)
	binary.BigEndian.PutUint64(data[:8], received)
	binary.BigEndian.PutUint64(data[8:], maximum)
	return &ILPError{
		Code:    packet.CodeF06UnexpectedPayment,
		Message: fmt.Sprintf("packet amount %d exceeds maximum %d", received, maximum),
		Data:    data,
		Err:     ErrAmountTooLarge,
	}
}

var codeForError = []struct {
	err  error
	code packet.ErrorCode
}{
	{ErrAmountTooLarge, packet.CodeF06UnexpectedPayment},
	{ErrRateLimited, packet.CodeT05RateLimited},
	{ErrThroughputExceeded, packet.CodeT04InsufficientLiquidity},
	{ErrUnreachable, packet.CodeF02Unreachable},
	{ErrTransferTimedOut, packet.CodeR00TransferTimedOut},
	{ErrInsufficientTimeout, packet.CodeR02InsufficientTimeout},
	{ErrWrongCondition, packet.CodeF05WrongCondition},
	{ErrPeerUnreachable, packet.CodeT01PeerUnreachable},
	{packet.ErrMalformedPacket, packet.CodeF01InvalidPacket},
	{packet.ErrInvalidAddress, packet.CodeF01InvalidPacket},
	{ccp.ErrInvalidMessage, packet.CodeF01InvalidPacket},
	{ledger.ErrInsufficientBalance, packet.CodeF08AmountTooLarge},
	{ledger.ErrInsufficientLiquidity, packet.CodeF08AmountTooLarge},
	{ledger.ErrExceedsMaxBalance, packet.CodeF08AmountTooLarge},
	{ledger.ErrAccountDisabled, packet.CodeF02Unreachable},
	{ledger.ErrInvalidDestinationAmount, packet.CodeR01InsufficientSourceAmount},
	{ledger.ErrUnknownDestinationAccount, packet.CodeF02Unreachable},
	{context.DeadlineExceeded, packet.CodeR00TransferTimedOut},
}

// RejectFor converts any pipeline error into the Reject sent upstream.
func RejectFor(err error, triggeredBy string) packet.Reject {
	var ilpErr *ILPError
	if errors.As(err, &ilpErr) && ilpErr.Code != "" {
		return packet.Reject{Code: ilpErr.Code, TriggeredBy: triggeredBy, Message: ilpErr.Message, Data: ilpErr.Data}
	}
	for _, m := range codeForError {
		if errors.Is(err, m.err) {
			return packet.Reject{Code: m.code, TriggeredBy: triggeredBy, Message: err.Error()}
		}
	}
	return packet.Reject{Code: packet.CodeF00BadRequest, TriggeredBy: triggeredBy, Message: "internal error"}
}
