package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/clobnode/pkg/app/core/orderbook"
	"github.com/uhyunpark/clobnode/pkg/app/exchange"
	"github.com/uhyunpark/clobnode/pkg/app/workerpool"
	"github.com/uhyunpark/clobnode/pkg/metrics"
	"github.com/uhyunpark/clobnode/pkg/storage"
)

const maxRequestBytes = 64 << 10

// Deps are the collaborators a Server is built from.
type Deps struct {
	App     *exchange.App
	Hub     *Hub
	Pool    *workerpool.Pool
	Metrics *metrics.Metrics
	Journal storage.Journal // request journal, one JSON line per operation
	Log     *zap.SugaredLogger
}

// Server handles the operation endpoint, REST queries and WebSocket connections
type Server struct {
	app     *exchange.App
	handle  func(context.Context, exchange.Call) exchange.Response
	router  *mux.Router
	hub     *Hub
	pool    *workerpool.Pool
	metrics *metrics.Metrics
	journal storage.Journal
	log     *zap.SugaredLogger
	http    *http.Server
}

func NewServer(deps Deps) *Server {
	journal := deps.Journal
	if journal == nil {
		journal = storage.NewNopJournal()
	}
	s := &Server{
		app:     deps.App,
		router:  mux.NewRouter(),
		hub:     deps.Hub,
		pool:    deps.Pool,
		metrics: deps.Metrics,
		journal: journal,
		log:     deps.Log,
	}
	if deps.App != nil {
		s.handle = deps.App.Handle
	}
	s.setupRoutes()
	s.http = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	// API v1 routes
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Operation envelope: {operation, values}
	api.HandleFunc("/rpc", s.handleRPC).Methods("POST")

	// Market endpoints
	api.HandleFunc("/market", s.handleGetMarket).Methods("GET")
	api.HandleFunc("/orderbook", s.handleGetOrderbook).Methods("GET")
	api.HandleFunc("/trades", s.handleGetTrades).Methods("GET")

	// WebSocket endpoint
	s.router.HandleFunc("/ws", s.handleWebSocket)

	s.router.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{})).Methods("GET")
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the router wrapped in CORS.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000", "http://localhost:3001"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Start serves until Shutdown. It returns nil after a clean shutdown,
// including when Shutdown ran first.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.log.Infow("api_server_starting", "addr", ln.Addr().String())
	if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// ==============================
// Handlers
// ==============================

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req exchange.Request
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	call := exchange.Call{Request: req, Token: bearerToken(r), RemoteIP: remoteIP(r)}
	done := make(chan exchange.Response, 1)
	task := func() {
		defer func() {
			if p := recover(); p != nil {
				s.log.Errorw("rpc_handler_panic", "operation", req.Operation, "panic", p)
				done <- exchange.Response{Code: exchange.CodeFailure, ErrorMessage: "internal error"}
			}
		}()
		done <- s.handle(r.Context(), call)
	}
	if err := s.pool.Submit(task); err != nil {
		s.log.Warnw("request_rejected", "operation", req.Operation, "err", err)
		respondError(w, http.StatusServiceUnavailable, "server busy", err.Error())
		return
	}

	var resp exchange.Response
	select {
	case resp = <-done:
	case <-r.Context().Done():
		return
	}

	// values are never journaled: they carry passwords
	s.journal.Append("request", map[string]interface{}{
		"operation": req.Operation,
		"code":      resp.Code,
		"order_id":  resp.OrderID,
		"remote":    r.RemoteAddr,
	})

	if changesBook(req.Operation) && (resp.Code == exchange.CodeAccepted || resp.Code == exchange.CodeOK) {
		s.BroadcastOrderbook()
	}

	respondJSON(w, resp)
}

func (s *Server) handleGetMarket(w http.ResponseWriter, r *http.Request) {
	m := s.app.Market()
	respondJSON(w, MarketInfo{
		Symbol:       m.Symbol,
		BaseAsset:    m.BaseAsset,
		QuoteAsset:   m.QuoteAsset,
		Status:       m.Status.String(),
		TickSize:     m.TickSize,
		LotSize:      m.LotSize,
		MinOrderSize: m.MinOrderSize,
		MaxOrderSize: m.MaxOrderSize,
	})
}

func (s *Server) handleGetOrderbook(w http.ResponseWriter, r *http.Request) {
	book := s.app.Book()
	respondJSON(w, OrderbookSnapshot{
		Symbol:    s.app.Market().Symbol,
		Bids:      toLevels(book.GetBidLevels()),
		Asks:      toLevels(book.GetAskLevels()),
		LastPrice: book.GetLastPrice(),
		Timestamp: time.Now().UnixMilli(),
	})
}

// handleGetTrades exports one month of history as {trades:[...]}.
func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	month := r.URL.Query().Get("month")
	if _, _, err := exchange.ParseMonth(month); err != nil {
		respondError(w, http.StatusBadRequest, "invalid month", err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := s.app.ExportTrades(r.Context(), w, month); err != nil {
		s.log.Errorw("trade_export_failed", "month", month, "err", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]interface{}{
		"status":     "ok",
		"wsClients":  s.hub.Clients(),
		"poolBusy":   s.pool.Busy(),
		"poolQueued": s.pool.QueueLen(),
	})
}

// BroadcastOrderbook sends aggregated depth to the "orderbook" channel
func (s *Server) BroadcastOrderbook() {
	book := s.app.Book()
	s.hub.BroadcastToChannel(ChannelOrderbook, OrderbookUpdate{
		Type:      "orderbook",
		Symbol:    s.app.Market().Symbol,
		Bids:      toLevels(book.GetBidLevels()),
		Asks:      toLevels(book.GetAskLevels()),
		Timestamp: time.Now().UnixMilli(),
	})
}

// ==============================
// Helper Functions
// ==============================

func changesBook(op string) bool {
	return strings.HasPrefix(op, "insert") || op == "cancelOrder"
}

func toLevels(levels []orderbook.PriceLevel) []PriceLevel {
	out := make([]PriceLevel, len(levels))
	for i, l := range levels {
		out[i] = PriceLevel{Price: l.Price, Size: l.Qty}
	}
	return out
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(h, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

func remoteIP(r *http.Request) net.IP {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Message: message,
	})
}
