package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/luxfi/log"

	"github.com/luxfi/hftsim/pkg/lob"
	"github.com/luxfi/hftsim/pkg/marketdata"
	"github.com/luxfi/hftsim/pkg/types"
)

// JSONRPCServer handles JSON-RPC 2.0 requests against a backtest run
type JSONRPCServer struct {
	backend Backend
	candles *marketdata.CandleBuilder
	logger  log.Logger
}

// NewJSONRPCServer creates a new JSON-RPC server. candles may be nil.
func NewJSONRPCServer(backend Backend, candles *marketdata.CandleBuilder, logger log.Logger) *JSONRPCServer {
	if logger == nil {
		logger = log.Root().New("module", "api")
	}
	return &JSONRPCServer{
		backend: backend,
		candles: candles,
		logger:  logger,
	}
}

// JSONRPCRequest represents a JSON-RPC 2.0 request
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      interface{}     `json:"id"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response
type JSONRPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// RPCError represents a JSON-RPC error
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements error interface
func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC Error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// StateSummary is the bt_getState result. Fills are paged separately.
type StateSummary struct {
	TimeNs    int64   `json:"timeNs"`
	Mid       float64 `json:"mid"`
	HasMid    bool    `json:"hasMid"`
	Inventory float64 `json:"inventory"`
	PnL       float64 `json:"pnl"`
	FillCount int     `json:"fillCount"`
}

// BookView is the bt_getBook result
type BookView struct {
	Bids []lob.DepthLevel `json:"bids"`
	Asks []lob.DepthLevel `json:"asks"`
}

// CandleView is the bt_getCandles result. The statistics cover the last
// Periods completed candles.
type CandleView struct {
	Candles            []marketdata.Candle `json:"candles"`
	Current            *marketdata.Candle  `json:"current,omitempty"`
	Periods            int                 `json:"periods"`
	VWAP               float64             `json:"vwap"`
	MovingAverage      float64             `json:"movingAverage"`
	RealizedVolatility float64             `json:"realizedVolatility"`
}

// QueueEntry is a resting order with the volume queued ahead of it now.
type QueueEntry struct {
	lob.Order
	VolumeAhead float64 `json:"volumeAhead"`
}

// QueueLevel is one price level in FIFO order.
type QueueLevel struct {
	Price  float64      `json:"price"`
	Orders []QueueEntry `json:"orders"`
}

// QueueView is the bt_getQueue result, best levels first.
type QueueView struct {
	Bids []QueueLevel `json:"bids"`
	Asks []QueueLevel `json:"asks"`
}

// ServeHTTP implements http.Handler
func (s *JSONRPCServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, nil, ParseError, "Parse error")
		return
	}

	if req.JSONRPC != "2.0" {
		s.sendError(w, req.ID, InvalidRequest, "Invalid Request")
		return
	}

	// Route to method handler
	result, err := s.handleMethod(req.Method, req.Params)
	if err != nil {
		var rpcErr *RPCError
		if !errors.As(err, &rpcErr) {
			rpcErr = &RPCError{Code: InternalError, Message: err.Error()}
		}
		s.logger.Debug("RPC error", "method", req.Method, "code", rpcErr.Code, "error", rpcErr.Message)
		s.sendError(w, req.ID, rpcErr.Code, rpcErr.Message)
		return
	}

	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		Result:  result,
		ID:      req.ID,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("Failed to write RPC response", "method", req.Method, "error", err)
	}
}

func (s *JSONRPCServer) handleMethod(method string, params json.RawMessage) (interface{}, error) {
	switch method {
	case "bt_getState":
		return s.getState()
	case "bt_getFills":
		return s.getFills(params)
	case "bt_getBook":
		return s.getBook(params)
	case "bt_getReport":
		return s.backend.Report(), nil
	case "bt_getQueue":
		return s.getQueue(params)
	case "bt_getCandles":
		return s.getCandles(params)
	case "bt_ping":
		return "pong", nil
	default:
		return nil, &RPCError{Code: MethodNotFound, Message: "Method not found"}
	}
}

// decodeParams accepts absent or null params and leaves defaults in place.
func decodeParams(params json.RawMessage, v interface{}) error {
	if len(params) == 0 || string(params) == "null" {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return &RPCError{Code: InvalidParams, Message: "Invalid params", Data: err.Error()}
	}
	return nil
}

func (s *JSONRPCServer) getState() (interface{}, error) {
	rep := s.backend.Report()
	return StateSummary{
		TimeNs:    rep.TimeNs,
		Mid:       rep.Mid,
		HasMid:    rep.HasMid,
		Inventory: rep.Inventory,
		PnL:       rep.PnL,
		FillCount: rep.Fills,
	}, nil
}

func (s *JSONRPCServer) getFills(params json.RawMessage) (interface{}, error) {
	p := struct {
		Offset int `json:"offset"`
		Limit  int `json:"limit"`
	}{Limit: 100}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Offset < 0 || p.Limit < 0 {
		return nil, &RPCError{Code: InvalidParams, Message: "offset and limit must not be negative"}
	}
	return s.backend.Fills(p.Offset, p.Limit), nil
}

func (s *JSONRPCServer) getBook(params json.RawMessage) (interface{}, error) {
	p := struct {
		Levels int `json:"levels"`
	}{Levels: 10}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Levels <= 0 {
		return nil, &RPCError{Code: InvalidParams, Message: "levels must be positive"}
	}
	return BookView{
		Bids: s.backend.Depth(types.Bid, p.Levels),
		Asks: s.backend.Depth(types.Ask, p.Levels),
	}, nil
}

func (s *JSONRPCServer) getQueue(params json.RawMessage) (interface{}, error) {
	p := struct {
		Levels int `json:"levels"`
	}{Levels: 10}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Levels <= 0 {
		return nil, &RPCError{Code: InvalidParams, Message: "levels must be positive"}
	}
	snap := s.backend.BookSnapshot()
	return QueueView{
		Bids: queueLevels(snap.Bids, p.Levels),
		Asks: queueLevels(snap.Asks, p.Levels),
	}, nil
}

func queueLevels(levels []lob.LevelSnapshot, n int) []QueueLevel {
	if len(levels) > n {
		levels = levels[:n]
	}
	out := make([]QueueLevel, 0, len(levels))
	for _, l := range levels {
		entries := make([]QueueEntry, 0, len(l.Orders))
		var ahead float64
		for _, o := range l.Orders {
			entries = append(entries, QueueEntry{Order: o, VolumeAhead: ahead})
			ahead += o.Qty
		}
		out = append(out, QueueLevel{Price: l.Price, Orders: entries})
	}
	return out
}

func (s *JSONRPCServer) getCandles(params json.RawMessage) (interface{}, error) {
	p := struct {
		Limit   int `json:"limit"`
		Periods int `json:"periods"`
	}{Limit: 100, Periods: 20}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Limit < 0 || p.Periods <= 0 {
		return nil, &RPCError{Code: InvalidParams, Message: "limit must not be negative and periods must be positive"}
	}
	view := CandleView{Candles: []marketdata.Candle{}, Periods: p.Periods}
	if s.candles == nil {
		return view, nil
	}
	view.Candles = s.candles.Candles(p.Limit)
	if c, ok := s.candles.Latest(); ok {
		view.Current = &c
	}
	view.VWAP = s.candles.VWAP(p.Periods)
	view.MovingAverage = s.candles.MovingAverage(p.Periods)
	view.RealizedVolatility = s.candles.RealizedVolatility(p.Periods)
	return view, nil
}

func (s *JSONRPCServer) sendError(w http.ResponseWriter, id interface{}, code int, message string) {
	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		Error: &RPCError{
			Code:    code,
			Message: message,
		},
		ID: id,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// StartServer serves handler on addr until ctx is done.
func StartServer(ctx context.Context, addr string, handler http.Handler, logger log.Logger) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("Report server started", "addr", addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
