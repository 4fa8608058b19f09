package vault

import "errors"

// Every operation fails with exactly one of these sentinels. They abort the
// whole call: no partial state change survives a failed operation.
var (
	ErrInvalidHeir         = errors.New("invalid heir address")
	ErrInvalidAsset        = errors.New("asset is not the base currency or an allowed token")
	ErrLengthMismatch      = errors.New("tokens and amounts length mismatch")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrNoFunds             = errors.New("no funds provided")
	ErrUnauthorized        = errors.New("subscription not activated by caller")
	ErrInvalidID           = errors.New("invalid subscription id")
	ErrExpired             = errors.New("subscription period elapsed")
	ErrIncorrectFee        = errors.New("incorrect subscription fee")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrTokenNotDeposited   = errors.New("token not deposited")
	ErrOracle              = errors.New("invalid oracle price")
	ErrReentrant           = errors.New("reentrant call")
)

var errorCodes = map[error]string{
	ErrInvalidHeir:         "invalid_heir",
	ErrInvalidAsset:        "invalid_asset",
	ErrLengthMismatch:      "length_mismatch",
	ErrInvalidAmount:       "invalid_amount",
	ErrNoFunds:             "no_funds",
	ErrUnauthorized:        "unauthorized",
	ErrInvalidID:           "invalid_id",
	ErrExpired:             "expired",
	ErrIncorrectFee:        "incorrect_fee",
	ErrInsufficientBalance: "insufficient_balance",
	ErrTokenNotDeposited:   "token_not_deposited",
	ErrOracle:              "oracle_error",
	ErrReentrant:           "reentrant",
}

// ErrorCode returns the stable machine-readable code for a vault error, or
// "internal_error" for anything outside the taxonomy.
func ErrorCode(err error) string {
	for sentinel, code := range errorCodes {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return "internal_error"
}

// IsValidationError reports whether the error was caused by the caller's
// input rather than by a collaborator. Validation failures are neither
// retryable nor worth capturing.
func IsValidationError(err error) bool {
	for sentinel := range errorCodes {
		if errors.Is(err, sentinel) && !errors.Is(err, ErrOracle) {
			return true
		}
	}
	return false
}
