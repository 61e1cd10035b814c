// Package exchange is the request-facing facade over the order book: it
// checks sessions, validates orders against the market, calls the book and
// turns every outcome into a protocol Response.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/clobnode/pkg/app/core/market"
	"github.com/uhyunpark/clobnode/pkg/app/core/orderbook"
	"github.com/uhyunpark/clobnode/pkg/events"
	"github.com/uhyunpark/clobnode/pkg/metrics"
	"github.com/uhyunpark/clobnode/pkg/storage"
	"github.com/uhyunpark/clobnode/pkg/users"
	"github.com/uhyunpark/clobnode/pkg/util"
)

// Deps are the collaborators an App is built from.
type Deps struct {
	Market     *market.Market
	Users      *users.Directory
	Trades     storage.TradeLog
	Dispatcher *events.Dispatcher
	Metrics    *metrics.Metrics
	Clock      util.Clock // optional
}

type App struct {
	log        *zap.SugaredLogger
	market     *market.Market
	book       *orderbook.OrderBook
	users      *users.Directory
	trades     storage.TradeLog
	dispatcher *events.Dispatcher
	metrics    *metrics.Metrics
	clock      util.Clock
}

// New builds the book and registers the history recorder as the first fill
// handler. Other handlers may be registered on the dispatcher afterwards,
// before it is started.
func New(log *zap.SugaredLogger, deps Deps) *App {
	clock := deps.Clock
	if clock == nil {
		clock = util.RealClock{}
	}

	recorder := storage.NewRecorder(deps.Trades)
	deps.Dispatcher.Register("history", recorder)

	a := &App{
		log:        log,
		market:     deps.Market,
		users:      deps.Users,
		trades:     deps.Trades,
		dispatcher: deps.Dispatcher,
		metrics:    deps.Metrics,
		clock:      clock,
	}
	a.book = orderbook.NewOrderBook(
		orderbook.WithClock(clock),
		orderbook.WithSink(deps.Dispatcher),
		orderbook.WithHistory(flushingHistory{dispatcher: deps.Dispatcher, reader: recorder}),
	)
	return a
}

func (a *App) Book() *orderbook.OrderBook { return a.book }
func (a *App) Market() *market.Market     { return a.market }

// Authenticate returns the username behind token and refreshes its session.
func (a *App) Authenticate(token string) (string, error) {
	s, err := a.users.Authenticate(token)
	if err != nil {
		return "", err
	}
	return s.Username, nil
}

func (a *App) Register(username, password string) Response {
	if err := a.users.Register(username, password); err != nil {
		return fail(err)
	}
	return ok()
}

// Login opens a session. udp is where closedTrades datagrams go; nil for none.
func (a *App) Login(username, password string, udp *net.UDPAddr) Response {
	token, err := a.users.Login(username, password, udp)
	if err != nil {
		return fail(err)
	}
	a.metrics.Sessions.Set(float64(a.users.Online()))
	resp := ok()
	resp.Token = token
	return resp
}

func (a *App) Logout(token string) Response {
	if err := a.users.Logout(token); err != nil {
		return fail(err)
	}
	a.metrics.Sessions.Set(float64(a.users.Online()))
	return ok()
}

func (a *App) UpdateCredentials(username, oldPassword, newPassword string) Response {
	if err := a.users.UpdateCredentials(username, oldPassword, newPassword); err != nil {
		return fail(err)
	}
	return ok()
}

// InsertOrder validates and submits one order for the session behind token.
// price is ignored for market orders.
func (a *App) InsertOrder(token string, kind orderbook.Kind, side orderbook.Side, size, price int64) Response {
	session, err := a.users.Authenticate(token)
	if err != nil {
		return fail(err)
	}
	if err := a.market.ValidateOrder(kind, side, size, price); err != nil {
		a.metrics.OrdersRejected.WithLabelValues(kind.String(), "invalid").Inc()
		return fail(err)
	}

	res, err := a.book.Submit(orderbook.Order{
		Kind:  kind,
		Side:  side,
		Qty:   size,
		Price: price,
		Owner: session.Username,
	})
	switch {
	case errors.Is(err, orderbook.ErrInsufficientLiquidity):
		a.metrics.OrdersRejected.WithLabelValues(kind.String(), "liquidity").Inc()
		a.log.Infow("market_order_rejected", "owner", session.Username, "side", side, "size", size)
		return Response{Code: CodeAccepted, OrderID: orderbook.RejectedOrderID}
	case err != nil:
		a.metrics.OrdersRejected.WithLabelValues(kind.String(), "invalid").Inc()
		return fail(err)
	}

	a.metrics.OrdersAccepted.WithLabelValues(kind.String()).Inc()
	if len(res.Fills) > 0 {
		a.metrics.LastPrice.Set(float64(a.book.GetLastPrice()))
	}
	a.log.Debugw("order_accepted", "id", res.OrderID, "kind", kind, "side", side, "size", size, "price", price, "owner", session.Username, "fills", len(res.Fills))

	if kind == orderbook.Market {
		return Response{Code: CodeOK, ErrorMessage: "Market order fully matched", OrderID: res.OrderID}
	}
	return Response{Code: CodeAccepted, OrderID: res.OrderID}
}

func (a *App) CancelOrder(token string, id int64) Response {
	session, err := a.users.Authenticate(token)
	if err != nil {
		return fail(err)
	}
	if err := a.book.Cancel(id, session.Username); err != nil {
		return fail(err)
	}
	a.metrics.OrdersCancelled.Inc()
	a.log.Debugw("order_cancelled", "id", id, "owner", session.Username)
	return ok()
}

// PriceHistory answers for a month given as MMYYYY. No session is required.
func (a *App) PriceHistory(ctx context.Context, month string) Response {
	m, year, err := ParseMonth(month)
	if err != nil {
		return fail(err)
	}
	days, err := a.book.PriceHistory(ctx, m, year)
	if err != nil {
		if codeFor(err) == CodeFailure {
			a.log.Errorw("price_history_failed", "month", month, "err", err)
		}
		return fail(err)
	}
	return Response{Code: CodeAccepted, History: days}
}

// ExportTrades writes the month's trades as a {trades:[...]} document.
func (a *App) ExportTrades(ctx context.Context, w io.Writer, month string) error {
	m, year, err := ParseMonth(month)
	if err != nil {
		return err
	}
	if err := a.dispatcher.Flush(ctx); err != nil && !errors.Is(err, events.ErrClosed) {
		return err
	}
	from := time.Date(year, m, 1, 0, 0, 0, 0, time.UTC)
	return storage.ExportJSON(ctx, w, a.trades, from, from.AddDate(0, 1, 0))
}

// SeedHistory imports a {trades:[...]} document when no trades are recorded yet.
func (a *App) SeedHistory(ctx context.Context, r io.Reader) (int, error) {
	n, err := a.trades.CountTrades(ctx)
	if err != nil {
		return 0, fmt.Errorf("count trades: %w", err)
	}
	if n > 0 {
		a.log.Infow("history_seed_skipped", "existing", n)
		return 0, nil
	}
	imported, err := storage.ImportJSON(ctx, r, a.trades)
	if err != nil {
		return imported, err
	}
	a.log.Infow("history_seeded", "trades", imported)
	return imported, nil
}

// SweepIdle logs out sessions idle for longer than maxIdle.
func (a *App) SweepIdle(maxIdle time.Duration) []string {
	out := a.users.SweepIdle(maxIdle)
	a.metrics.Sessions.Set(float64(a.users.Online()))
	return out
}

// Run sweeps idle sessions every interval until ctx is done.
func (a *App) Run(ctx context.Context, idleTimeout, interval time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.clock.After(interval):
			a.SweepIdle(idleTimeout)
		}
	}
}

// ParseMonth reads MMYYYY.
func ParseMonth(s string) (time.Month, int, error) {
	if len(s) != 6 {
		return 0, 0, orderbook.NewValidationError("month", "expected MMYYYY")
	}
	m, err1 := strconv.Atoi(s[:2])
	year, err2 := strconv.Atoi(s[2:])
	if err1 != nil || err2 != nil {
		return 0, 0, orderbook.NewValidationError("month", "expected MMYYYY")
	}
	if m < 1 || m > 12 {
		return 0, 0, orderbook.NewValidationError("month", "must be between 01 and 12")
	}
	return time.Month(m), year, nil
}

// flushingHistory waits for every earlier fill to be recorded before reading,
// so a price history query sees all trades matched before it.
type flushingHistory struct {
	dispatcher *events.Dispatcher
	reader     orderbook.HistoryReader
}

func (h flushingHistory) TradesBetween(ctx context.Context, from, to time.Time) ([]orderbook.TradeRecord, error) {
	if err := h.dispatcher.Flush(ctx); err != nil && !errors.Is(err, events.ErrClosed) {
		return nil, err
	}
	return h.reader.TradesBetween(ctx, from, to)
}
