// Package httpserver is the order entry and market data gateway. It
// validates requests, hands them to the per-instrument engines, and
// serves book snapshots, recent trades and the websocket feed.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"vela/domain/book"
	"vela/engine"
)

type Server struct {
	engines  map[string]*engine.Engine
	hub      *Hub
	log      *zap.Logger
	gatherer prometheus.Gatherer
	upgrader websocket.Upgrader
	origins  []string
}

func NewServer(engines map[string]*engine.Engine, gatherer prometheus.Gatherer, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		engines:  engines,
		hub:      NewHub(),
		log:      log,
		gatherer: gatherer,
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return s.originAllowed(r.Header.Get("Origin"))
		},
	}
	return s
}

// Hub exposes the websocket hub so the engines can be wired to it as a
// fanout target.
func (s *Server) Hub() *Hub { return s.hub }

// SetOrigins restricts CORS and websocket origins. Empty means allow all.
func (s *Server) SetOrigins(origins []string) { s.origins = origins }

func (s *Server) originAllowed(origin string) bool {
	if len(s.origins) == 0 || origin == "" {
		return true
	}
	for _, allowed := range s.origins {
		if origin == allowed {
			return true
		}
	}
	return false
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	allowedOrigins := s.origins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Route("/api", func(r chi.Router) {
		r.Post("/orders", s.submitOrder)
		r.Delete("/orders/{id}", s.cancelOrder)
		r.Patch("/orders/{id}", s.modifyOrder)
		r.Get("/book/{instrument}", s.getBook)
		r.Get("/trades/{instrument}", s.getTrades)
	})

	r.Get("/healthz", s.healthz)
	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	r.Get("/ws", s.handleWebSocket)

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)))
	})
}

type orderRequest struct {
	Instrument string `json:"instrument"`
	Owner      string `json:"owner"`
	ClientRef  string `json:"client_ref,omitempty"`
	Side       string `json:"side"`
	Price      int64  `json:"price"`
	Quantity   int64  `json:"quantity"`
}

type modifyRequest struct {
	Instrument  string `json:"instrument"`
	Owner       string `json:"owner"`
	ClientRef   string `json:"client_ref,omitempty"`
	NewPrice    int64  `json:"new_price,omitempty"`
	NewQuantity int64  `json:"new_quantity,omitempty"`
}

type orderResponse struct {
	Outcome   string       `json:"outcome"`
	OrderID   uint64       `json:"order_id,omitempty"`
	Seq       uint64       `json:"sequence_number,omitempty"`
	ClientRef string       `json:"client_ref,omitempty"`
	Remaining int64        `json:"remaining_quantity"`
	Trades    []book.Trade `json:"trades,omitempty"`
	Error     string       `json:"error,omitempty"`
}

func (s *Server) submitOrder(w http.ResponseWriter, r *http.Request) {
	var req orderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	eng, ok := s.engines[req.Instrument]
	if !ok {
		http.Error(w, "unknown instrument", http.StatusBadRequest)
		return
	}
	if req.Owner == "" {
		http.Error(w, "owner required", http.StatusBadRequest)
		return
	}
	side, ok := parseSide(req.Side)
	if !ok {
		http.Error(w, "side must be 'buy' or 'sell'", http.StatusBadRequest)
		return
	}
	if req.ClientRef == "" {
		req.ClientRef = uuid.NewString()
	}

	res, err := eng.SubmitOrder(r.Context(), engine.SubmitRequest{
		Owner:     req.Owner,
		ClientRef: req.ClientRef,
		Side:      side,
		Price:     req.Price,
		Qty:       req.Quantity,
	})
	s.writeResult(w, res, err)
}

func (s *Server) cancelOrder(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid order id", http.StatusBadRequest)
		return
	}
	eng, ok := s.engines[r.URL.Query().Get("instrument")]
	if !ok {
		http.Error(w, "unknown instrument", http.StatusBadRequest)
		return
	}
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		http.Error(w, "owner required", http.StatusBadRequest)
		return
	}

	res, err := eng.CancelOrder(r.Context(), engine.CancelRequest{
		Owner:     owner,
		ClientRef: r.URL.Query().Get("client_ref"),
		OrderID:   id,
	})
	s.writeResult(w, res, err)
}

func (s *Server) modifyOrder(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid order id", http.StatusBadRequest)
		return
	}
	var req modifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	eng, ok := s.engines[req.Instrument]
	if !ok {
		http.Error(w, "unknown instrument", http.StatusBadRequest)
		return
	}
	if req.Owner == "" {
		http.Error(w, "owner required", http.StatusBadRequest)
		return
	}

	res, err := eng.ModifyOrder(r.Context(), engine.ModifyRequest{
		Owner:     req.Owner,
		ClientRef: req.ClientRef,
		OrderID:   id,
		NewPrice:  req.NewPrice,
		NewQty:    req.NewQuantity,
	})
	s.writeResult(w, res, err)
}

type bookLevel struct {
	Price    int64 `json:"price"`
	Quantity int64 `json:"quantity"`
	Orders   int   `json:"orders"`
}

type bookSnapshot struct {
	Instrument string      `json:"instrument"`
	Revision   uint64      `json:"revision"`
	Bids       []bookLevel `json:"bids"`
	Asks       []bookLevel `json:"asks"`
}

func (s *Server) getBook(w http.ResponseWriter, r *http.Request) {
	instrument := chi.URLParam(r, "instrument")
	eng, ok := s.engines[instrument]
	if !ok {
		http.Error(w, "unknown instrument", http.StatusNotFound)
		return
	}
	depth := 20
	if v := r.URL.Query().Get("depth"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			depth = n
		}
	}

	snap := bookSnapshot{Instrument: instrument, Bids: []bookLevel{}, Asks: []bookLevel{}}
	err := eng.Do(r.Context(), func(b *book.OrderBook) {
		snap.Revision = b.Revision()
		b.BidsWalk(func(lvl *book.PriceLevel) bool {
			snap.Bids = append(snap.Bids, bookLevel{lvl.Price, lvl.TotalQty, lvl.OrderCount})
			return len(snap.Bids) < depth
		})
		b.AsksWalk(func(lvl *book.PriceLevel) bool {
			snap.Asks = append(snap.Asks, bookLevel{lvl.Price, lvl.TotalQty, lvl.OrderCount})
			return len(snap.Asks) < depth
		})
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, snap)
}

func (s *Server) getTrades(w http.ResponseWriter, r *http.Request) {
	instrument := chi.URLParam(r, "instrument")
	eng, ok := s.engines[instrument]
	if !ok {
		http.Error(w, "unknown instrument", http.StatusNotFound)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	trades, err := eng.RecentTrades(r.Context(), limit)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if trades == nil {
		trades = []book.Trade{}
	}
	writeJSON(w, trades)
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	client := &Client{hub: s.hub, conn: conn, send: make(chan []byte, 256)}
	s.hub.Register(client)
	go client.WritePump()
	go client.ReadPump()
}

func (s *Server) writeResult(w http.ResponseWriter, res engine.Result, err error) {
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	resp := orderResponse{
		Outcome:   res.Outcome.String(),
		OrderID:   res.OrderID,
		Seq:       res.Seq,
		ClientRef: res.ClientRef,
		Remaining: res.Remaining,
		Trades:    res.Trades,
	}
	if res.Err != nil {
		resp.Error = res.Err.Error()
	}
	status := http.StatusOK
	if res.Outcome == engine.OutcomeRejected {
		status = rejectStatus(res.Err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

func rejectStatus(err error) int {
	switch {
	case errors.Is(err, book.ErrOrderNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrOrderNotCancellable):
		return http.StatusConflict
	case errors.Is(err, engine.ErrSelfTrade):
		return http.StatusConflict
	case errors.Is(err, engine.ErrDownstreamBackpressure),
		errors.Is(err, engine.ErrEngineHalted),
		errors.Is(err, engine.ErrSequencingFailure):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrEngineHalted),
		errors.Is(err, engine.ErrDownstreamBackpressure),
		errors.Is(err, engine.ErrSequencingFailure):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func parseSide(s string) (book.Side, bool) {
	switch s {
	case "buy", "bid":
		return book.Bid, true
	case "sell", "ask":
		return book.Ask, true
	default:
		return 0, false
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
