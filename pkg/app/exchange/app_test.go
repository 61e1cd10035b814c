package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/uhyunpark/clobnode/pkg/app/core/market"
	"github.com/uhyunpark/clobnode/pkg/app/core/orderbook"
	"github.com/uhyunpark/clobnode/pkg/events"
	"github.com/uhyunpark/clobnode/pkg/metrics"
	"github.com/uhyunpark/clobnode/pkg/storage"
	"github.com/uhyunpark/clobnode/pkg/users"
	"github.com/uhyunpark/clobnode/pkg/util"
)

const password = "Str0ng!pass"

type fixture struct {
	app   *App
	dir   *users.Directory
	clock *util.ManualClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := zap.NewNop().Sugar()
	clock := util.NewManualClock(time.Date(2025, time.March, 14, 9, 30, 0, 0, time.UTC))

	store, err := storage.NewPebbleStore(filepath.Join(t.TempDir(), "pebble"))
	require.NoError(t, err)

	mkt, err := market.New("BTC-USD", market.DefaultParams)
	require.NoError(t, err)

	dir := users.NewDirectory(store, log, users.WithClock(clock), users.WithBcryptCost(bcrypt.MinCost))
	d := events.NewDispatcher(log, 64)
	app := New(log, Deps{
		Market:     mkt,
		Users:      dir,
		Trades:     store.History(mkt.Symbol),
		Dispatcher: d,
		Metrics:    metrics.New(),
		Clock:      clock,
	})
	d.Start(context.Background())

	t.Cleanup(func() {
		d.Close()
		store.Close()
	})
	return &fixture{app: app, dir: dir, clock: clock}
}

// login registers and logs in username, returning the session token.
func (f *fixture) login(t *testing.T, username string) string {
	t.Helper()
	require.Equal(t, CodeOK, f.app.Register(username, password).Code)
	resp := f.app.Login(username, password, nil)
	require.Equal(t, CodeOK, resp.Code, resp.ErrorMessage)
	return resp.Token
}

func (f *fixture) call(t *testing.T, token, op string, values interface{}) Response {
	t.Helper()
	raw, err := json.Marshal(values)
	require.NoError(t, err)
	return f.app.Handle(context.Background(), Call{Request: Request{Operation: op, Values: raw}, Token: token})
}

func TestAccountOperations(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		run  func() Response
		code int
	}{
		{"register", func() Response { return f.app.Register("alice", password) }, CodeOK},
		{"register taken", func() Response { return f.app.Register("alice", password) }, CodeConflict},
		{"register empty name", func() Response { return f.app.Register("", password) }, CodeInvalid},
		{"register weak password", func() Response { return f.app.Register("bob", "short") }, CodeInvalid},
		{"login bad password", func() Response { return f.app.Login("alice", "Wr0ng!pass", nil) }, CodeNotFound},
		{"login unknown", func() Response { return f.app.Login("nobody", password, nil) }, CodeNotFound},
		{"update mismatch", func() Response { return f.app.UpdateCredentials("alice", "Wr0ng!pass", "N3w!passw") }, CodeConflict},
		{"update same", func() Response { return f.app.UpdateCredentials("alice", password, password) }, CodeInvalid},
		{"update invalid new", func() Response { return f.app.UpdateCredentials("alice", password, "weak") }, CodeInvalid},
		{"logout without session", func() Response { return f.app.Logout("no-such-token") }, CodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := tt.run()
			assert.Equal(t, tt.code, resp.Code, resp.ErrorMessage)
		})
	}

	t.Run("session lifecycle", func(t *testing.T) {
		resp := f.app.Login("alice", password, nil)
		require.Equal(t, CodeOK, resp.Code)
		require.NotEmpty(t, resp.Token)

		assert.Equal(t, CodeConflict, f.app.Login("alice", password, nil).Code)
		assert.Equal(t, CodeLoggedIn, f.app.UpdateCredentials("alice", password, "N3w!passw").Code)

		assert.Equal(t, CodeOK, f.app.Logout(resp.Token).Code)
		assert.Equal(t, CodeOK, f.app.UpdateCredentials("alice", password, "N3w!passw").Code)
		assert.Equal(t, CodeOK, f.app.Login("alice", "N3w!passw", nil).Code)
	})
}

func TestOrdersRequireSession(t *testing.T) {
	f := newFixture(t)

	for _, op := range []string{"insertLimitOrder", "insertMarketOrder", "insertStopOrder"} {
		resp := f.call(t, "", op, map[string]interface{}{"type": "bid", "size": 1, "price": 100})
		assert.Equal(t, CodeNotFound, resp.Code, op)
	}
	assert.Equal(t, CodeNotFound, f.call(t, "", "cancelOrder", map[string]int64{"orderId": 1}).Code)
	assert.Equal(t, CodeNotFound, f.call(t, "", "insertLimitOrder", map[string]interface{}{"type": "sideways", "size": 1, "price": 1}).Code)
}

func TestScenarioThroughEnvelope(t *testing.T) {
	f := newFixture(t)
	alice := f.login(t, "alice")
	bob := f.login(t, "bob")

	resp := f.call(t, alice, "insertLimitOrder", map[string]interface{}{"type": "bid", "size": 500, "price": 50000})
	require.Equal(t, CodeAccepted, resp.Code)
	bidID := resp.OrderID

	resp = f.call(t, bob, "insertLimitOrder", map[string]interface{}{"type": "ask", "size": 100, "price": 51000})
	require.Equal(t, CodeAccepted, resp.Code)

	resp = f.call(t, bob, "insertLimitOrder", map[string]interface{}{"type": "ask", "size": 200, "price": 50000})
	require.Equal(t, CodeAccepted, resp.Code)

	bid, ok := f.app.Book().Order(bidID)
	require.True(t, ok)
	assert.Equal(t, int64(300), bid.Qty)
	_, ok = f.app.Book().Order(resp.OrderID)
	assert.False(t, ok, "incoming ask fully consumed")

	// history reads flush the dispatcher first, so the fill is visible immediately
	resp = f.call(t, "", "getPriceHistory", map[string]string{"month": "032025"})
	require.Equal(t, CodeAccepted, resp.Code, resp.ErrorMessage)
	require.Len(t, resp.History, 1)
	assert.Equal(t, orderbook.DayPrice{Date: "2025-03-14", Open: 50000, Close: 50000, High: 50000, Low: 50000}, resp.History[0])
}

func TestMarketOrderResponses(t *testing.T) {
	f := newFixture(t)
	alice := f.login(t, "alice")
	bob := f.login(t, "bob")

	require.Equal(t, CodeAccepted, f.call(t, alice, "insertLimitOrder", map[string]interface{}{"type": "ask", "size": 10, "price": 100}).Code)

	resp := f.call(t, bob, "insertMarketOrder", map[string]interface{}{"type": "bid", "size": 11})
	assert.Equal(t, CodeAccepted, resp.Code)
	assert.Equal(t, orderbook.RejectedOrderID, resp.OrderID)

	resp = f.call(t, bob, "insertMarketOrder", map[string]interface{}{"side": "buy", "size": 10})
	assert.Equal(t, CodeOK, resp.Code)
	assert.Equal(t, "Market order fully matched", resp.ErrorMessage)
	assert.Equal(t, int64(2), resp.OrderID, "rejected market order consumed no id")
}

func TestCancelOrder(t *testing.T) {
	f := newFixture(t)
	alice := f.login(t, "alice")
	bob := f.login(t, "bob")

	resp := f.call(t, alice, "insertStopOrder", map[string]interface{}{"type": "ask", "size": 5, "price": 90})
	require.Equal(t, CodeAccepted, resp.Code)
	id := resp.OrderID

	foreign := f.call(t, bob, "cancelOrder", map[string]int64{"orderId": id})
	missing := f.call(t, bob, "cancelOrder", map[string]int64{"orderId": 999})
	assert.Equal(t, CodeNotFound, foreign.Code)
	assert.Equal(t, foreign, missing, "foreign and missing orders are indistinguishable")

	assert.Equal(t, CodeOK, f.call(t, alice, "cancelOrder", map[string]int64{"orderId": id}).Code)
	assert.Equal(t, CodeNotFound, f.call(t, alice, "cancelOrder", map[string]int64{"orderId": id}).Code)
}

func TestInvalidRequests(t *testing.T) {
	f := newFixture(t)
	alice := f.login(t, "alice")

	tests := []struct {
		name   string
		op     string
		values interface{}
		code   int
		msg    string
	}{
		{"unknown operation", "frobnicate", nil, CodeInvalid, "Unknown operation: frobnicate"},
		{"unknown kind", "insertOrder", map[string]interface{}{"orderKind": "iceberg", "type": "bid", "size": 1, "price": 1}, CodeUnrecognized, ""},
		{"generic insert", "insertOrder", map[string]interface{}{"orderKind": "limit", "type": "bid", "size": 1, "price": 1}, CodeAccepted, ""},
		{"bad side", "insertLimitOrder", map[string]interface{}{"type": "sideways", "size": 1, "price": 1}, CodeInvalid, ""},
		{"zero size", "insertLimitOrder", map[string]interface{}{"type": "bid", "size": 0, "price": 1}, CodeInvalid, ""},
		{"negative price", "insertStopOrder", map[string]interface{}{"type": "bid", "size": 1, "price": -5}, CodeInvalid, ""},
		{"malformed values", "insertLimitOrder", "not an object", CodeInvalid, ""},
		{"malformed month", "getPriceHistory", map[string]string{"month": "2025-03"}, CodeInvalid, ""},
		{"month out of range", "getPriceHistory", map[string]string{"month": "132025"}, CodeInvalid, ""},
		{"empty month", "getPriceHistory", map[string]string{"month": "012024"}, CodeNoHistory, "no price history found for the given month"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.call(t, alice, tt.op, tt.values)
			assert.Equal(t, tt.code, resp.Code, resp.ErrorMessage)
			if tt.msg != "" {
				assert.Equal(t, tt.msg, resp.ErrorMessage)
			}
		})
	}
}

func TestLoginRegistersUDPAddress(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, CodeOK, f.app.Register("alice", password).Code)

	raw, _ := json.Marshal(map[string]interface{}{"username": "alice", "password": password, "udpPort": 7000})
	resp := f.app.Handle(context.Background(), Call{
		Request:  Request{Operation: "login", Values: raw},
		RemoteIP: net.IPv4(127, 0, 0, 1),
	})
	require.Equal(t, CodeOK, resp.Code)

	addr, ok := f.dir.UDPAddr("alice")
	require.True(t, ok)
	assert.Equal(t, 7000, addr.Port)
}

func TestSweepIdle(t *testing.T) {
	f := newFixture(t)
	alice := f.login(t, "alice")
	f.login(t, "bob")

	f.clock.Advance(20 * time.Minute)
	f.call(t, alice, "insertLimitOrder", map[string]interface{}{"type": "bid", "size": 1, "price": 1})
	f.clock.Advance(15 * time.Minute)

	assert.Equal(t, []string{"bob"}, f.app.SweepIdle(30*time.Minute))
	assert.Equal(t, CodeOK, f.app.Logout(alice).Code)
}

func TestSeedAndExportHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ts := time.Date(2025, time.February, 3, 10, 0, 0, 0, time.UTC).Unix()
	doc := `{"trades":[
		{"orderId":1,"side":"ask","orderKind":"limit","size":2,"price":100,"timestamp":` + itoa(ts) + `},
		{"orderId":2,"side":"bid","orderKind":"market","size":1,"price":120,"timestamp":` + itoa(ts+60) + `}
	]}`

	n, err := f.app.SeedHistory(ctx, strings.NewReader(doc))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = f.app.SeedHistory(ctx, strings.NewReader(doc))
	require.NoError(t, err)
	assert.Zero(t, n, "seeding is skipped once history exists")

	resp := f.app.PriceHistory(ctx, "022025")
	require.Equal(t, CodeAccepted, resp.Code)
	assert.Equal(t, []orderbook.DayPrice{{Date: "2025-02-03", Open: 100, Close: 120, High: 120, Low: 100}}, resp.History)

	var buf bytes.Buffer
	require.NoError(t, f.app.ExportTrades(ctx, &buf, "022025"))
	var out storage.TradeDocument
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	assert.Len(t, out.Trades, 2)
}

func TestParseMonth(t *testing.T) {
	m, y, err := ParseMonth("112024")
	require.NoError(t, err)
	assert.Equal(t, time.November, m)
	assert.Equal(t, 2024, y)

	for _, bad := range []string{"", "1124", "00202", "002024", "ab2024", "12abcd"} {
		_, _, err := ParseMonth(bad)
		assert.Error(t, err, bad)
	}
}

func itoa(v int64) string { return strconv.FormatInt(v, 10) }
