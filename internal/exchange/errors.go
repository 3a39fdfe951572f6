package exchange

import (
	"errors"
	"fmt"
)

// Kind classifies a rule rejection. Handlers map kinds to HTTP status codes;
// the engines never see HTTP.
type Kind string

const (
	KindValidation   Kind = "validation"
	KindTiming       Kind = "timing"
	KindRole         Kind = "role"
	KindConflict     Kind = "conflict"
	KindNotFound     Kind = "not_found"
	KindUnauthorized Kind = "unauthorized"
)

// Stable machine-readable reason codes carried on every rule rejection.
const (
	CodeBiddingWindowClosed = "bidding_window_closed"
	CodeInvalidSpreadValue  = "invalid_spread_value"
	CodeRoleNotPermitted    = "role_not_permitted"
	CodeAccountNotVerified  = "account_not_verified"
	CodeInitialBidRequired  = "initial_bid_required"
	CodeAlreadyActive       = "already_active"
	CodeTradingWindowClosed = "trading_window_closed"
	CodePriceMismatch       = "price_mismatch"
	CodeInvalidQuantity     = "invalid_quantity"
	CodeInvalidPosition     = "invalid_position"
	CodeNoOpenTrade         = "no_open_trade"
	CodeAlreadySettled      = "already_settled"
	CodeMarketNotClosed     = "market_not_closed"
	CodeMarketNotFound      = "market_not_found"
	CodeUserNotFound        = "user_not_found"
	CodeInvalidMarketTiming = "invalid_market_timing"
	CodeInvalidPremise      = "invalid_premise"
	CodeInvalidUnitPrice    = "invalid_unit_price"
	CodeInvalidUsername     = "invalid_username"
	CodeInvalidEmail        = "invalid_email"
	CodeInvalidPassword     = "invalid_password"
	CodeUsernameTaken       = "username_taken"
	CodeInvalidCredentials  = "invalid_credentials"
)

// NewError builds a rule rejection for collaborators outside this package
// that share the taxonomy, such as the account directory.
func NewError(kind Kind, code, format string, args ...any) *Error {
	return newError(kind, code, format, args...)
}

// Error is a deliberate rule rejection. Infrastructure failures stay plain
// errors and carry no code, so callers can tell "you may not" from "I could
// not".
type Error struct {
	Kind    Kind
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func newError(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsError returns the rule rejection inside err, or nil when err is an
// infrastructure failure.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}

// IsCode reports whether err is a rule rejection with the given code.
func IsCode(err error, code string) bool {
	e := AsError(err)
	return e != nil && e.Code == code
}
