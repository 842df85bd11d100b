// Package websocket streams backtest fills, candles and reports to
// WebSocket clients.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/luxfi/log"

	"github.com/luxfi/hftsim/pkg/backtest"
	"github.com/luxfi/hftsim/pkg/marketdata"
	"github.com/luxfi/hftsim/pkg/types"
)

// Channels a client can subscribe to.
const (
	ChannelFills   = "fills"
	ChannelCandles = "candles"
	ChannelReport  = "report"
)

var knownChannels = map[string]bool{
	ChannelFills:   true,
	ChannelCandles: true,
	ChannelReport:  true,
}

// Feed fans run events out to connected clients. Publishing never blocks
// the replay: events beyond the hub's buffer are dropped and counted.
type Feed struct {
	logger log.Logger
	config Config

	peersMu sync.RWMutex
	peers   map[*peer]struct{}
	leave   chan *peer
	events  chan Message

	seq     atomic.Uint64
	sent    atomic.Uint64
	dropped atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// peer is one connection and the channels it follows.
type peer struct {
	id   string
	conn *websocket.Conn
	feed *Feed

	mu     sync.RWMutex
	out    chan []byte
	follow map[string]bool
	closed bool
}

// Message is the envelope of every frame sent to a client.
type Message struct {
	Type      string      `json:"type"`
	Channel   string      `json:"channel,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
	Sequence  uint64      `json:"sequence,omitempty"`
}

// Config holds connection limits and timing.
type Config struct {
	ReadBufferSize  int
	WriteBufferSize int
	MaxMessageSize  int64
	SendBuffer      int
	EventBuffer     int
	WriteTimeout    time.Duration
	PongTimeout     time.Duration
	PingPeriod      time.Duration
}

// DefaultConfig returns default WebSocket configuration
func DefaultConfig() Config {
	return Config{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		MaxMessageSize:  64 * 1024,
		SendBuffer:      256,
		EventBuffer:     4096,
		WriteTimeout:    10 * time.Second,
		PongTimeout:     60 * time.Second,
		PingPeriod:      54 * time.Second, // Must be less than PongTimeout
	}
}

// NewFeed creates a feed. Call Start before serving connections.
func NewFeed(logger log.Logger, config Config) *Feed {
	if logger == nil {
		logger = log.Root().New("module", "websocket")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Feed{
		logger: logger,
		config: config,
		peers:  make(map[*peer]struct{}),
		leave:  make(chan *peer, 100),
		events: make(chan Message, config.EventBuffer),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start runs the hub goroutine.
func (f *Feed) Start() {
	f.wg.Add(1)
	go f.run()
}

// Stop disconnects every client and waits for the hub.
func (f *Feed) Stop() {
	f.cancel()
	f.wg.Wait()
	f.logger.Info("Fill feed stopped", "sent", f.sent.Load(), "dropped", f.dropped.Load())
}

func (f *Feed) run() {
	defer f.wg.Done()
	for {
		select {
		case <-f.ctx.Done():
			f.peersMu.Lock()
			for p := range f.peers {
				p.close()
			}
			f.peers = make(map[*peer]struct{})
			f.peersMu.Unlock()
			return
		case p := <-f.leave:
			f.drop(p)
		case msg := <-f.events:
			f.fanOut(msg)
		}
	}
}

func (f *Feed) join(p *peer) {
	f.peersMu.Lock()
	f.peers[p] = struct{}{}
	n := len(f.peers)
	f.peersMu.Unlock()
	f.logger.Debug("Client connected", "id", p.id, "clients", n)
}

func (f *Feed) drop(p *peer) {
	f.peersMu.Lock()
	_, ok := f.peers[p]
	delete(f.peers, p)
	n := len(f.peers)
	f.peersMu.Unlock()
	if ok {
		p.close()
		f.logger.Debug("Client disconnected", "id", p.id, "clients", n)
	}
}

// release hands a peer back to the hub. After Stop the hub no longer drains
// leave, so the send gives up once the feed is done.
func (f *Feed) release(p *peer) {
	select {
	case f.leave <- p:
	case <-f.ctx.Done():
	}
}

func (f *Feed) fanOut(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		f.logger.Error("Failed to encode event", "type", msg.Type, "error", err)
		return
	}
	f.peersMu.RLock()
	defer f.peersMu.RUnlock()
	for p := range f.peers {
		if p.follows(msg.Channel) {
			p.push(data)
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The report server is local to the run
		return true
	},
}

// ServeHTTP upgrades a connection. New clients follow the fills channel.
func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Warn("WebSocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	p := &peer{
		id:     uuid.NewString(),
		conn:   conn,
		feed:   f,
		out:    make(chan []byte, f.config.SendBuffer),
		follow: map[string]bool{ChannelFills: true},
	}
	f.join(p)

	go p.writeLoop()
	go p.readLoop()

	p.reply("welcome", map[string]interface{}{"id": p.id, "channels": []string{ChannelFills}})
}

// HandleHealth reports the client count.
func (f *Feed) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(f.GetStats())
}

func (p *peer) readLoop() {
	defer func() {
		p.feed.release(p)
		p.conn.Close()
	}()

	cfg := p.feed.config
	p.conn.SetReadLimit(cfg.MaxMessageSize)
	p.conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	})

	for {
		_, raw, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				p.feed.logger.Warn("WebSocket read error", "id", p.id, "error", err)
			}
			return
		}
		p.handle(raw)
	}
}

func (p *peer) writeLoop() {
	cfg := p.feed.config
	ping := time.NewTicker(cfg.PingPeriod)
	defer func() {
		ping.Stop()
		p.conn.Close()
	}()

	for {
		select {
		case data, ok := <-p.out:
			p.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if !ok {
				p.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
			p.feed.sent.Add(1)
		case <-ping.C:
			p.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

type request struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels"`
}

func (p *peer) handle(raw []byte) {
	var req request
	if err := json.Unmarshal(raw, &req); err != nil {
		p.fail("Invalid message format")
		return
	}

	switch req.Type {
	case "subscribe":
		var added []string
		for _, ch := range req.Channels {
			if !knownChannels[ch] {
				p.fail(fmt.Sprintf("Unknown channel: %s", ch))
				continue
			}
			p.setFollow(ch, true)
			added = append(added, ch)
		}
		p.reply("subscribed", map[string]interface{}{"channels": added})
	case "unsubscribe":
		for _, ch := range req.Channels {
			p.setFollow(ch, false)
		}
		p.reply("unsubscribed", map[string]interface{}{"channels": req.Channels})
	case "ping":
		p.reply("pong", nil)
	case "":
		p.fail("Missing message type")
	default:
		p.fail(fmt.Sprintf("Unknown message type: %s", req.Type))
	}
}

func (p *peer) setFollow(ch string, on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if on {
		p.follow[ch] = true
	} else {
		delete(p.follow, ch)
	}
}

func (p *peer) follows(ch string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.follow[ch]
}

func (p *peer) reply(msgType string, data interface{}) {
	buf, err := json.Marshal(Message{Type: msgType, Data: data, Timestamp: time.Now().Unix()})
	if err != nil {
		p.feed.logger.Error("Failed to encode reply", "type", msgType, "error", err)
		return
	}
	p.push(buf)
}

func (p *peer) fail(reason string) {
	p.reply("error", map[string]interface{}{"message": reason})
}

// push queues a frame. A client that cannot keep up is disconnected.
func (p *peer) push(data []byte) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.out <- data:
	default:
		go p.feed.release(p)
	}
}

func (p *peer) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.out)
	}
}

func (f *Feed) publish(msgType, channel string, data interface{}) {
	msg := Message{
		Type:      msgType,
		Channel:   channel,
		Data:      data,
		Timestamp: time.Now().Unix(),
		Sequence:  f.seq.Add(1),
	}
	select {
	case f.events <- msg:
	default:
		f.dropped.Add(1)
	}
}

// OnFill broadcasts a fill. It is a backtest fill observer.
func (f *Feed) OnFill(fill types.Fill) {
	f.publish("fill", ChannelFills, fill)
}

// BroadcastCandle broadcasts a completed candle.
func (f *Feed) BroadcastCandle(c marketdata.Candle) {
	f.publish("candle", ChannelCandles, c)
}

// BroadcastReport broadcasts a run report.
func (f *Feed) BroadcastReport(rep backtest.Report) {
	f.publish("report", ChannelReport, rep)
}

// GetStats returns client and message counts.
func (f *Feed) GetStats() map[string]interface{} {
	f.peersMu.RLock()
	clients := len(f.peers)
	f.peersMu.RUnlock()
	return map[string]interface{}{
		"clients":       clients,
		"messages_sent": f.sent.Load(),
		"dropped":       f.dropped.Load(),
	}
}
