package packet

// ErrorCode is the three-character ILP reject code. The first letter gives
// the class: F (final), T (temporary) or R (relative).
type ErrorCode string

const (
	CodeF00BadRequest               ErrorCode = "F00"
	CodeF01InvalidPacket            ErrorCode = "F01"
	CodeF02Unreachable              ErrorCode = "F02"
	CodeF03InvalidAmount            ErrorCode = "F03"
	CodeF04InsufficientDestAmount   ErrorCode = "F04"
	CodeF05WrongCondition           ErrorCode = "F05"
	CodeF06UnexpectedPayment        ErrorCode = "F06"
	CodeF07CannotReceive            ErrorCode = "F07"
	CodeF08AmountTooLarge           ErrorCode = "F08"
	CodeF99ApplicationError         ErrorCode = "F99"
	CodeT00InternalError            ErrorCode = "T00"
	CodeT01PeerUnreachable          ErrorCode = "T01"
	CodeT02PeerBusy                 ErrorCode = "T02"
	CodeT03ConnectorBusy            ErrorCode = "T03"
	CodeT04InsufficientLiquidity    ErrorCode = "T04"
	CodeT05RateLimited              ErrorCode = "T05"
	CodeT99ApplicationError         ErrorCode = "T99"
	CodeR00TransferTimedOut         ErrorCode = "R00"
	CodeR01InsufficientSourceAmount ErrorCode = "R01"
	CodeR02InsufficientTimeout      ErrorCode = "R02"
	CodeR99ApplicationError         ErrorCode = "R99"
)

var codeNames = map[ErrorCode]string{
	CodeF00BadRequest:               "bad request",
	CodeF01InvalidPacket:            "invalid packet",
	CodeF02Unreachable:              "unreachable",
	CodeF03InvalidAmount:            "invalid amount",
	CodeF04InsufficientDestAmount:   "insufficient destination amount",
	CodeF05WrongCondition:           "wrong condition",
	CodeF06UnexpectedPayment:        "unexpected payment",
	CodeF07CannotReceive:            "cannot receive",
	CodeF08AmountTooLarge:           "amount too large",
	CodeF99ApplicationError:         "application error",
	CodeT00InternalError:            "internal error",
	CodeT01PeerUnreachable:          "peer unreachable",
	CodeT02PeerBusy:                 "peer busy",
	CodeT03ConnectorBusy:            "connector busy",
	CodeT04InsufficientLiquidity:    "insufficient liquidity",
	CodeT05RateLimited:              "rate limited",
	CodeT99ApplicationError:         "application error",
	CodeR00TransferTimedOut:         "transfer timed out",
	CodeR01InsufficientSourceAmount: "insufficient source amount",
	CodeR02InsufficientTimeout:      "insufficient timeout",
	CodeR99ApplicationError:         "application error",
}

// Name returns the human readable name of the code, or "unknown".
func (c ErrorCode) Name() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return "unknown"
}

// Final reports whether the code belongs to the F class.
func (c ErrorCode) Final() bool { return len(c) == 3 && c[0] == 'F' }

// Temporary reports whether the code belongs to the T class.
func (c ErrorCode) Temporary() bool { return len(c) == 3 && c[0] == 'T' }
