package feeds

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/mirrorhq/copytrader/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// WALLET ACTIVITY FEED - On-chain trade events over WebSocket
// ═══════════════════════════════════════════════════════════════════════════════
//
// Streams finality-confirmed trades for a set of target wallets. Delivery is
// at-least-once across reconnects; the monitor downstream dedups by tx hash.
// Reconnecting and backfilling is this feed's job, not the monitor's.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	reconnectDelay = 5 * time.Second
	pingInterval   = 30 * time.Second
)

// ActivityFeed maintains the WebSocket connection and event distribution
type ActivityFeed struct {
	mu sync.RWMutex

	wsURL     string
	conn      *websocket.Conn
	connected bool
	running   bool
	stopCh    chan struct{}

	// wallets to subscribe on (re)connect
	wallets []string

	subscribers []chan types.TradeEvent
}

// NewActivityFeed creates a feed for the given target wallets
func NewActivityFeed(wsURL string, wallets []string) *ActivityFeed {
	return &ActivityFeed{
		wsURL:       wsURL,
		wallets:     wallets,
		stopCh:      make(chan struct{}),
		subscribers: make([]chan types.TradeEvent, 0),
	}
}

// Start connects and begins processing
func (f *ActivityFeed) Start() {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return
	}
	f.running = true
	f.mu.Unlock()

	go f.connectionLoop()
	log.Info().Int("wallets", len(f.wallets)).Msg("📡 Activity feed started")
}

// Stop closes the connection
func (f *ActivityFeed) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.running {
		return
	}

	f.running = false
	close(f.stopCh)

	if f.conn != nil {
		f.conn.Close()
	}

	log.Info().Msg("Activity feed stopped")
}

// Subscribe returns a channel that receives trade events
func (f *ActivityFeed) Subscribe() chan types.TradeEvent {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan types.TradeEvent, 1000)
	f.subscribers = append(f.subscribers, ch)
	return ch
}

// SetWallets replaces the subscribed wallet set; applied on the live
// connection and on every reconnect
func (f *ActivityFeed) SetWallets(wallets []string) {
	f.mu.Lock()
	f.wallets = wallets
	conn := f.conn
	f.mu.Unlock()

	if conn != nil {
		if err := f.sendSubscribe(conn); err != nil {
			log.Warn().Err(err).Msg("⚠️ Wallet resubscribe failed")
		}
	}
}

// connectionLoop maintains the WebSocket connection
func (f *ActivityFeed) connectionLoop() {
	for {
		select {
		case <-f.stopCh:
			return
		default:
		}

		if err := f.connect(); err != nil {
			log.Error().Err(err).Msg("Connection failed, retrying...")
			time.Sleep(reconnectDelay)
			continue
		}

		f.readLoop()
		time.Sleep(reconnectDelay)
	}
}

// connect establishes the WebSocket connection and subscribes
func (f *ActivityFeed) connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL, nil)
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.conn = conn
	f.connected = true
	f.mu.Unlock()

	log.Info().Msg("🔌 Activity stream connected")

	if err := f.sendSubscribe(conn); err != nil {
		return err
	}

	go f.pingLoop()
	return nil
}

func (f *ActivityFeed) sendSubscribe(conn *websocket.Conn) error {
	f.mu.RLock()
	wallets := f.wallets
	f.mu.RUnlock()

	msg := map[string]interface{}{
		"type":    "subscribe",
		"channel": "wallet_trades",
		"wallets": wallets,
	}
	return conn.WriteJSON(msg)
}

// pingLoop keeps the connection alive
func (f *ActivityFeed) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stopCh:
			return
		case <-ticker.C:
			f.mu.RLock()
			conn := f.conn
			connected := f.connected
			f.mu.RUnlock()

			if connected && conn != nil {
				conn.WriteMessage(websocket.PingMessage, nil)
			}
		}
	}
}

// readLoop reads messages until the connection drops
func (f *ActivityFeed) readLoop() {
	for {
		select {
		case <-f.stopCh:
			return
		default:
		}

		f.mu.RLock()
		conn := f.conn
		f.mu.RUnlock()

		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			log.Warn().Err(err).Msg("Read error")
			f.mu.Lock()
			f.connected = false
			f.mu.Unlock()
			return
		}

		f.processMessage(message)
	}
}

// wsTradeMessage is an on-chain trade event on the wire
type wsTradeMessage struct {
	EventType   string `json:"event_type"`
	TxHash      string `json:"tx_hash"`
	Wallet      string `json:"wallet"`
	Market      string `json:"market"`
	Side        string `json:"side"`
	Price       string `json:"price"`
	Size        string `json:"size"`
	ConfirmedAt int64  `json:"confirmed_at"` // unix seconds
}

// processMessage decodes and forwards trade events
func (f *ActivityFeed) processMessage(data []byte) {
	var msgs []wsTradeMessage
	if err := json.Unmarshal(data, &msgs); err != nil {
		var msg wsTradeMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		msgs = []wsTradeMessage{msg}
	}

	for _, msg := range msgs {
		if msg.EventType != "trade" {
			continue
		}

		price, perr := decimal.NewFromString(msg.Price)
		size, serr := decimal.NewFromString(msg.Size)
		if perr != nil || serr != nil {
			log.Warn().
				Str("tx_hash", msg.TxHash).
				Str("price", msg.Price).
				Str("size", msg.Size).
				Msg("⚠️ Dropping malformed trade message")
			continue
		}

		f.publish(types.TradeEvent{
			TxHash:       msg.TxHash,
			SourceWallet: msg.Wallet,
			Market:       msg.Market,
			Side:         types.Side(msg.Side),
			Price:        price,
			Size:         size,
			ConfirmedAt:  time.Unix(msg.ConfirmedAt, 0),
		})
	}
}

// publish fans an event out to all subscribers, dropping on full buffers
func (f *ActivityFeed) publish(ev types.TradeEvent) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for _, ch := range f.subscribers {
		select {
		case ch <- ev:
		default:
			log.Warn().Str("tx_hash", ev.TxHash).Msg("⚠️ Subscriber buffer full, event dropped")
		}
	}
}
