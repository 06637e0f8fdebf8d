package exchange

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"binance-grid-engine-go/internal/models"
)

const (
	wsDialTimeout  = 5 * time.Second
	wsReadDeadline = 3 * time.Minute
	subChanBuffer  = 16
)

// wsReconnectBackoffs 行情流断线重连的退避间隔。
var wsReconnectBackoffs = []time.Duration{
	5 * time.Second, 10 * time.Second, 20 * time.Second, 40 * time.Second, 80 * time.Second,
}

// wsCommand SUBSCRIBE/UNSUBSCRIBE 命令帧。
type wsCommand struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

// MarketStream multiplexes one public websocket connection over any number of
// symbol subscribers in the process. Public market data is not credentialed,
// so every user's bots share this single connection.
type MarketStream struct {
	url string
	log *zap.SugaredLogger

	mu      sync.Mutex
	conn    *websocket.Conn
	nextID  int64
	nextSub int64
	subs    map[string]map[int64]chan models.Tick // symbol -> subscriber id -> channel
	ticks   map[string]models.Tick
	closed  bool
}

// NewMarketStream 创建行情流。url 形如 wss://stream.binance.com:9443/ws。
func NewMarketStream(url string, log *zap.SugaredLogger) *MarketStream {
	return &MarketStream{
		url:   url,
		log:   log,
		subs:  make(map[string]map[int64]chan models.Tick),
		ticks: make(map[string]models.Tick),
	}
}

// LastTick returns the most recent cached tick for the symbol.
func (m *MarketStream) LastTick(symbol string) (models.Tick, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.ticks[symbol]
	return t, ok
}

// Subscribe registers a tick channel for the symbol. The connection is dialed
// lazily on the first subscription; the symbol's streams are unsubscribed when
// the last subscriber cancels.
func (m *MarketStream) Subscribe(symbol string) (<-chan models.Tick, func()) {
	symbol = strings.ToUpper(symbol)
	ch := make(chan models.Tick, subChanBuffer)

	m.mu.Lock()
	m.nextSub++
	id := m.nextSub
	first := len(m.subs[symbol]) == 0
	if m.subs[symbol] == nil {
		m.subs[symbol] = make(map[int64]chan models.Tick)
	}
	m.subs[symbol][id] = ch
	needDial := m.conn == nil && !m.closed
	m.mu.Unlock()

	if needDial {
		if err := m.connect(); err != nil {
			m.log.Errorw("market stream dial failed, reconnect loop will retry", "err", err)
			go m.reconnect()
			first = false // resubscribe handles it
		}
	}
	if first {
		m.send("SUBSCRIBE", streamsFor(symbol))
	}

	cancel := func() {
		m.mu.Lock()
		delete(m.subs[symbol], id)
		last := len(m.subs[symbol]) == 0
		if last {
			delete(m.subs, symbol)
		}
		m.mu.Unlock()
		if last {
			m.send("UNSUBSCRIBE", streamsFor(symbol))
		}
	}
	return ch, cancel
}

// Close 关闭连接并让所有订阅者的通道收尾。
func (m *MarketStream) Close() {
	m.mu.Lock()
	m.closed = true
	conn := m.conn
	m.conn = nil
	subs := m.subs
	m.subs = make(map[string]map[int64]chan models.Tick)
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	for _, byID := range subs {
		for _, ch := range byID {
			close(ch)
		}
	}
}

func streamsFor(symbol string) []string {
	lower := strings.ToLower(symbol)
	return []string{lower + "@ticker", lower + "@kline_1m"}
}

func (m *MarketStream) connect() error {
	dialer := websocket.Dialer{HandshakeTimeout: wsDialTimeout}
	conn, _, err := dialer.Dial(m.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", m.url, err)
	}
	conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
	conn.SetPingHandler(func(payload string) error {
		conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
		return conn.WriteControl(websocket.PongMessage, []byte(payload), time.Now().Add(wsDialTimeout))
	})

	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()

	go m.readLoop(conn)
	return nil
}

// send 发送订阅命令；连接不可用时静默跳过，重连后会整体重订。
func (m *MarketStream) send(method string, params []string) {
	m.mu.Lock()
	conn := m.conn
	m.nextID++
	id := m.nextID
	m.mu.Unlock()
	if conn == nil {
		return
	}
	cmd := wsCommand{Method: method, Params: params, ID: id}
	if err := conn.WriteJSON(cmd); err != nil {
		m.log.Warnw("market stream write failed", "method", method, "err", err)
	}
}

func (m *MarketStream) readLoop(conn *websocket.Conn) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			m.mu.Lock()
			closed := m.closed
			mine := m.conn == conn
			if mine {
				m.conn = nil
			}
			m.mu.Unlock()
			conn.Close()
			if closed || !mine {
				return
			}
			m.log.Warnw("market stream read failed, reconnecting", "err", err)
			go m.reconnect()
			return
		}
		conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
		m.handleMessage(msg)
	}
}

func (m *MarketStream) handleMessage(msg []byte) {
	var probe struct {
		EventType string `json:"e"`
	}
	if err := json.Unmarshal(msg, &probe); err != nil {
		return
	}

	switch probe.EventType {
	case "24hrTicker":
		var ev models.WSTicker
		if err := json.Unmarshal(msg, &ev); err != nil {
			return
		}
		m.publish(models.Tick{
			Symbol:         ev.Symbol,
			Price:          parseDec(ev.LastPrice),
			High24h:        parseDec(ev.High),
			Low24h:         parseDec(ev.Low),
			Volume24h:      parseDec(ev.Volume),
			PriceChangePct: parseDec(ev.PriceChangePct),
			Time:           time.UnixMilli(ev.EventTime),
		})
	case "kline":
		var ev models.WSKline
		if err := json.Unmarshal(msg, &ev); err != nil {
			return
		}
		// Klines fill the gaps between ticker events on quiet symbols.
		tick := models.Tick{
			Symbol: ev.Symbol,
			Price:  parseDec(ev.Kline.Close),
			Time:   time.UnixMilli(ev.EventTime),
		}
		m.mu.Lock()
		if prev, ok := m.ticks[ev.Symbol]; ok {
			tick.High24h = prev.High24h
			tick.Low24h = prev.Low24h
			tick.Volume24h = prev.Volume24h
			tick.PriceChangePct = prev.PriceChangePct
		}
		m.mu.Unlock()
		m.publish(tick)
	}
}

// publish updates the tick cache and fans out to subscribers. Slow consumers
// are skipped rather than blocking the read loop.
func (m *MarketStream) publish(tick models.Tick) {
	m.mu.Lock()
	m.ticks[tick.Symbol] = tick
	byID := m.subs[tick.Symbol]
	chans := make([]chan models.Tick, 0, len(byID))
	for _, ch := range byID {
		chans = append(chans, ch)
	}
	m.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- tick:
		default:
		}
	}
}

// reconnect 按退避重连，并重订当前全部交易对。
func (m *MarketStream) reconnect() {
	for attempt, backoff := range wsReconnectBackoffs {
		time.Sleep(backoff)

		m.mu.Lock()
		if m.closed || len(m.subs) == 0 {
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()

		if err := m.connect(); err != nil {
			m.log.Warnw("market stream reconnect failed", "attempt", attempt+1, "err", err)
			continue
		}

		m.mu.Lock()
		symbols := make([]string, 0, len(m.subs))
		for s := range m.subs {
			symbols = append(symbols, s)
		}
		m.mu.Unlock()

		var params []string
		for _, s := range symbols {
			params = append(params, streamsFor(s)...)
		}
		m.send("SUBSCRIBE", params)
		m.log.Infow("market stream reconnected", "symbols", symbols)
		return
	}

	m.log.Errorw("market stream reconnect attempts exhausted, closing subscriber channels")
	m.mu.Lock()
	subs := m.subs
	m.subs = make(map[string]map[int64]chan models.Tick)
	m.mu.Unlock()
	for _, byID := range subs {
		for _, ch := range byID {
			close(ch)
		}
	}
}
