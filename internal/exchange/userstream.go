package exchange

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"binance-grid-engine-go/internal/models"
)

const listenKeyKeepAlive = 30 * time.Minute

// userStreamPing 客户端主动ping的间隔。变量便于测试缩短。
var userStreamPing = 30 * time.Second

// userStream 单个用户的订单推送流。同一用户的所有机器人共享一条连接，
// 通过 fan-out 把 executionReport 分发给各订阅者。
type userStream struct {
	client *Client
	log    *zap.SugaredLogger

	mu      sync.Mutex
	conn    *websocket.Conn
	nextSub int64
	subs    map[int64]chan models.ExecutionReport
	cancel  context.CancelFunc
	running bool
}

// UserStream attaches a subscriber to this user's execution reports. The
// underlying connection starts with the first subscriber and shuts down when
// the last one cancels.
func (c *Client) UserStream(ctx context.Context) (<-chan models.ExecutionReport, func(), error) {
	c.streamMu.Lock()
	if c.userStream == nil {
		c.userStream = &userStream{
			client: c,
			log:    c.log,
			subs:   make(map[int64]chan models.ExecutionReport),
		}
	}
	us := c.userStream
	c.streamMu.Unlock()

	return us.subscribe(ctx)
}

func (us *userStream) subscribe(ctx context.Context) (<-chan models.ExecutionReport, func(), error) {
	ch := make(chan models.ExecutionReport, subChanBuffer)

	us.mu.Lock()
	us.nextSub++
	id := us.nextSub
	us.subs[id] = ch
	needStart := !us.running
	if needStart {
		us.running = true
	}
	us.mu.Unlock()

	if needStart {
		runCtx, cancel := context.WithCancel(context.Background())
		us.mu.Lock()
		us.cancel = cancel
		us.mu.Unlock()
		if err := us.start(runCtx); err != nil {
			cancel()
			us.mu.Lock()
			us.running = false
			delete(us.subs, id)
			us.mu.Unlock()
			return nil, nil, err
		}
	}

	cancelSub := func() {
		us.mu.Lock()
		delete(us.subs, id)
		stop := len(us.subs) == 0 && us.running
		var cancelRun context.CancelFunc
		if stop {
			us.running = false
			cancelRun = us.cancel
			us.cancel = nil
		}
		conn := us.conn
		us.mu.Unlock()
		if stop {
			if cancelRun != nil {
				cancelRun()
			}
			if conn != nil {
				conn.Close()
			}
		}
	}
	return ch, cancelSub, nil
}

// start 创建 listenKey、建立连接并启动读循环和保活循环。
func (us *userStream) start(ctx context.Context) error {
	listenKey, err := us.client.createListenKey(ctx)
	if err != nil {
		return err
	}
	conn, err := us.dial(listenKey)
	if err != nil {
		return err
	}

	us.mu.Lock()
	us.conn = conn
	us.mu.Unlock()

	go us.keepAliveLoop(ctx, listenKey)
	go us.pingLoop(ctx, conn)
	go us.readLoop(ctx, conn)
	return nil
}

// pingLoop 每30秒主动发一次ping探活。写失败后退出，
// 由读循环的超时触发重连。
func (us *userStream) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(userStreamPing)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsDialTimeout)); err != nil {
				us.log.Warnw("user stream ping failed", "err", err)
				return
			}
		}
	}
}

func (us *userStream) dial(listenKey string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: wsDialTimeout}
	conn, _, err := dialer.Dial(us.client.wsBaseURL+"/ws/"+listenKey, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
	conn.SetPingHandler(func(payload string) error {
		conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
		return conn.WriteControl(websocket.PongMessage, []byte(payload), time.Now().Add(wsDialTimeout))
	})
	return conn, nil
}

// keepAliveLoop 每30分钟对 listenKey 续期，过期会导致推送静默停止。
func (us *userStream) keepAliveLoop(ctx context.Context, listenKey string) {
	ticker := time.NewTicker(listenKeyKeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := us.client.keepAliveListenKey(ctx, listenKey); err != nil {
				us.log.Warnw("listen key keepalive failed", "err", err)
			}
		}
	}
}

func (us *userStream) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			select {
			case <-ctx.Done():
				return
			default:
			}
			us.log.Warnw("user stream read failed, reconnecting", "err", err)
			us.reconnect(ctx)
			return
		}
		conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
		us.handleMessage(msg)
	}
}

// reconnect 使用全新的 listenKey 重建连接（旧key可能已失效）。
func (us *userStream) reconnect(ctx context.Context) {
	for attempt, backoff := range wsReconnectBackoffs {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		if err := us.start(ctx); err != nil {
			us.log.Warnw("user stream reconnect failed", "attempt", attempt+1, "err", err)
			continue
		}
		us.log.Infow("user stream reconnected")
		return
	}

	// Reports stop flowing here; the per-bot poller remains the safety net.
	us.log.Errorw("user stream reconnect attempts exhausted")
}

func (us *userStream) handleMessage(msg []byte) {
	var probe struct {
		EventType string `json:"e"`
	}
	if err := json.Unmarshal(msg, &probe); err != nil || probe.EventType != "executionReport" {
		return
	}

	var ev models.WSExecutionReport
	if err := json.Unmarshal(msg, &ev); err != nil {
		return
	}

	report := models.ExecutionReport{
		Symbol:          ev.Symbol,
		OrderID:         formatOrderID(ev.OrderID),
		ClientOrderID:   ev.ClientOrderID,
		Side:            models.Side(ev.Side),
		Status:          models.OrderStatus(ev.OrderStatus),
		Price:           parseDec(ev.Price),
		ExecutedQty:     parseDec(ev.CumQty),
		Commission:      parseDec(ev.CommissionAmt),
		CommissionAsset: ev.CommissionAsset,
		Time:            time.UnixMilli(ev.TradeTime),
	}
	// Volume-weighted average across partial executions.
	if cumQuote := parseDec(ev.CumQuoteQty); cumQuote.IsPositive() && report.ExecutedQty.IsPositive() {
		report.ExecutedPrice = cumQuote.Div(report.ExecutedQty)
	} else {
		report.ExecutedPrice = parseDec(ev.LastExecPrice)
	}

	us.mu.Lock()
	chans := make([]chan models.ExecutionReport, 0, len(us.subs))
	for _, ch := range us.subs {
		chans = append(chans, ch)
	}
	us.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- report:
		default:
			us.log.Warnw("execution report dropped, subscriber backlog full",
				"order_id", report.OrderID)
		}
	}
}

func formatOrderID(id int64) string {
	return strconv.FormatInt(id, 10)
}
