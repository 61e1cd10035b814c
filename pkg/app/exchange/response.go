package exchange

import (
	"errors"

	"github.com/uhyunpark/clobnode/pkg/app/core/orderbook"
	"github.com/uhyunpark/clobnode/pkg/users"
)

// Response codes carried in Response.Code.
const (
	CodeAccepted     = 0   // order accepted, id returned; also price history success
	CodeOK           = 100 // fully resolved
	CodeNotFound     = 101 // not found, not logged in, bad credentials
	CodeConflict     = 102 // duplicate or already logged in
	CodeInvalid      = 103 // malformed input or unknown operation
	CodeLoggedIn     = 104 // credentials cannot change while logged in
	CodeFailure      = 105 // any other error
	CodeNoHistory    = 202
	CodeUnrecognized = 400
)

// Response is the reply to one operation.
type Response struct {
	Code         int                  `json:"response"`
	ErrorMessage string               `json:"errorMessage"`
	OrderID      int64                `json:"orderId,omitempty"`
	Token        string               `json:"token,omitempty"`
	History      []orderbook.DayPrice `json:"history,omitempty"`
}

func ok() Response { return Response{Code: CodeOK, ErrorMessage: "OK"} }

// fail maps err to its protocol code. The message is the error text.
func fail(err error) Response {
	return Response{Code: codeFor(err), ErrorMessage: err.Error()}
}

func codeFor(err error) int {
	var verr *orderbook.ValidationError
	switch {
	case errors.As(err, &verr):
		return CodeInvalid
	case errors.Is(err, orderbook.ErrNotFound),
		errors.Is(err, users.ErrBadCredentials),
		errors.Is(err, users.ErrNotLoggedIn):
		return CodeNotFound
	case errors.Is(err, users.ErrUsernameTaken),
		errors.Is(err, users.ErrAlreadyLoggedIn),
		errors.Is(err, users.ErrPasswordMismatch):
		return CodeConflict
	case errors.Is(err, users.ErrInvalidUsername),
		errors.Is(err, users.ErrInvalidPassword),
		errors.Is(err, users.ErrSamePassword):
		return CodeInvalid
	case errors.Is(err, users.ErrUserLoggedIn):
		return CodeLoggedIn
	case errors.Is(err, orderbook.ErrNoPriceHistory):
		return CodeNoHistory
	case errors.Is(err, orderbook.ErrUnrecognizedOrderType):
		return CodeUnrecognized
	default:
		return CodeFailure
	}
}
