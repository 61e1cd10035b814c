package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"

	"github.com/uhyunpark/clobnode/pkg/app/core/orderbook"
)

// Request is the wire envelope: {operation, values}.
type Request struct {
	Operation string          `json:"operation"`
	Values    json.RawMessage `json:"values"`
}

// Call is one request plus what the transport knows about its sender.
type Call struct {
	Request
	Token    string // session token, empty before login
	RemoteIP net.IP // used with udpPort at login
}

type credentialValues struct {
	Username string `json:"username"`
	Password string `json:"password"`
	UDPPort  int    `json:"udpPort"`
}

type updateValues struct {
	Username    string `json:"username"`
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
}

// orderValues accepts the side under "type" or "side".
type orderValues struct {
	Type      string `json:"type"`
	Side      string `json:"side"`
	OrderKind string `json:"orderKind"`
	Size      int64  `json:"size"`
	Price     int64  `json:"price"`
}

type cancelValues struct {
	OrderID int64 `json:"orderId"`
}

type historyValues struct {
	Month string `json:"month"`
}

// Handle decodes and runs one operation.
func (a *App) Handle(ctx context.Context, call Call) Response {
	resp := a.handle(ctx, call)
	a.metrics.Requests.WithLabelValues(metricOperation(call.Operation), strconv.Itoa(resp.Code)).Inc()
	return resp
}

func (a *App) handle(ctx context.Context, call Call) Response {
	switch call.Operation {
	case "register":
		var v credentialValues
		if err := decodeValues(call.Values, &v); err != nil {
			return fail(err)
		}
		return a.Register(v.Username, v.Password)

	case "login":
		var v credentialValues
		if err := decodeValues(call.Values, &v); err != nil {
			return fail(err)
		}
		var udp *net.UDPAddr
		if v.UDPPort > 0 && call.RemoteIP != nil {
			udp = &net.UDPAddr{IP: call.RemoteIP, Port: v.UDPPort}
		}
		return a.Login(v.Username, v.Password, udp)

	case "logout":
		return a.Logout(call.Token)

	case "updateCredentials", "updateUserCredentials":
		var v updateValues
		if err := decodeValues(call.Values, &v); err != nil {
			return fail(err)
		}
		return a.UpdateCredentials(v.Username, v.OldPassword, v.NewPassword)

	case "insertLimitOrder":
		return a.insert(call, orderbook.Limit)
	case "insertMarketOrder":
		return a.insert(call, orderbook.Market)
	case "insertStopOrder":
		return a.insert(call, orderbook.Stop)
	case "insertOrder":
		return a.insert(call, 0)

	case "cancelOrder":
		var v cancelValues
		if err := decodeValues(call.Values, &v); err != nil {
			return fail(err)
		}
		return a.CancelOrder(call.Token, v.OrderID)

	case "getPriceHistory":
		var v historyValues
		if err := decodeValues(call.Values, &v); err != nil {
			return fail(err)
		}
		if call.Token != "" {
			// refresh activity only; history needs no session
			_, _ = a.users.Authenticate(call.Token)
		}
		return a.PriceHistory(ctx, v.Month)

	default:
		return Response{Code: CodeInvalid, ErrorMessage: "Unknown operation: " + call.Operation}
	}
}

// insert runs an order operation. kind 0 takes the kind from values.orderKind.
func (a *App) insert(call Call, kind orderbook.Kind) Response {
	var v orderValues
	if err := decodeValues(call.Values, &v); err != nil {
		return fail(err)
	}
	if kind == 0 {
		if err := kind.UnmarshalText([]byte(v.OrderKind)); err != nil {
			return fail(orderbook.ErrUnrecognizedOrderType)
		}
	}

	sideText := v.Side
	if sideText == "" {
		sideText = v.Type
	}
	side, err := orderbook.ParseSide(sideText)
	if err != nil {
		// sessions are checked before input so a logged-out caller gets 101
		if _, authErr := a.users.Authenticate(call.Token); authErr != nil {
			return fail(authErr)
		}
		return fail(orderbook.NewValidationError("side", err.Error()))
	}
	return a.InsertOrder(call.Token, kind, side, v.Size, v.Price)
}

func decodeValues(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return orderbook.NewValidationError("values", fmt.Sprintf("malformed: %v", err))
	}
	return nil
}

// metricOperation bounds the label set to known operations.
func metricOperation(op string) string {
	switch op {
	case "register", "login", "logout", "updateCredentials", "updateUserCredentials",
		"insertLimitOrder", "insertMarketOrder", "insertStopOrder", "insertOrder",
		"cancelOrder", "getPriceHistory":
		return op
	default:
		return "unknown"
	}
}
