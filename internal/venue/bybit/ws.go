package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"riskbot/internal/logger"
	"riskbot/internal/venue"
)

type wsMessage struct {
	Topic string          `json:"topic"`
	Type  string          `json:"type"`
	TS    int64           `json:"ts"`
	Data  json.RawMessage `json:"data"`
}

type wsCommand struct {
	Op   string   `json:"op"`
	Args []string `json:"args"`
}

type wsConn struct {
	name         string
	url          string
	apiKey       string
	secret       string
	log          *logger.Logger
	health       venue.HealthSink
	conn         *websocket.Conn
	events       chan venue.Event
	stopCh       chan struct{}
	stopOnce     sync.Once
	writeMu      sync.Mutex
	symbol       string
	topics       []string
	reconnectMin time.Duration
	reconnectMax time.Duration
}

func newWSConn(name, url, apiKey, secret string, log *logger.Logger, health venue.HealthSink, events chan venue.Event) *wsConn {
	return &wsConn{
		name:         name,
		url:          url,
		apiKey:       apiKey,
		secret:       secret,
		log:          log,
		health:       health,
		events:       events,
		stopCh:       make(chan struct{}),
		reconnectMin: 1 * time.Second,
		reconnectMax: 30 * time.Second,
	}
}

func (w *wsConn) logEntry() *logrus.Entry {
	entry := w.log.WithComponent("bybit_ws").WithField("stream", w.name)
	if w.symbol != "" {
		entry = entry.WithField("symbol", w.symbol)
	}
	return entry
}

func (w *wsConn) connect(ctx context.Context) error {
	w.logEntry().WithField("url", w.url).Info("Подключение к WS.")

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, w.url, nil)
	if err != nil {
		return fmt.Errorf("Не удалось подключиться к WS: %w", err)
	}

	w.conn = conn
	w.conn.SetReadLimit(2 << 20)

	if w.apiKey != "" && w.secret != "" {
		if err := w.authenticate(); err != nil {
			return err
		}
	}

	w.logEntry().Info("WS соединение установлено.")

	go w.readLoop()

	return nil
}

func (w *wsConn) authenticate() error {
	expires := time.Now().UnixMilli() + 5_000
	payload := fmt.Sprintf("GET/realtime%d", expires)

	msg := wsCommand{
		Op:   "auth",
		Args: []string{w.apiKey, fmt.Sprintf("%d", expires), sign(w.secret, payload)},
	}

	if err := w.writeJSON(msg); err != nil {
		return fmt.Errorf("Не удалось авторизоваться: %w", err)
	}

	return nil
}

func (w *wsConn) subscribe(symbol string, topics []string) error {
	w.symbol = symbol
	w.topics = topics

	return w.writeJSON(wsCommand{
		Op:   "subscribe",
		Args: topics,
	})
}

func (w *wsConn) writeJSON(v any) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.conn.WriteJSON(v)
}

// emit отправляет событие, но никогда не виснет на полном канале после
// остановки: если читатель уже ушёл, поток должен завершиться сам.
func (w *wsConn) emit(event venue.Event) bool {
	select {
	case w.events <- event:
		return true
	case <-w.stopCh:
		return false
	}
}

func (w *wsConn) close() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		if w.conn != nil {
			_ = w.conn.Close()
		}
	})
}

func (w *wsConn) readLoop() {
	w.logEntry().Debug("readLoop запущен.")

	for {
		select {
		case <-w.stopCh:
			return
		default:
		}
		_, data, err := w.conn.ReadMessage()
		if err != nil {
			select {
			case <-w.stopCh:
				return
			default:
			}
			w.logEntry().WithError(err).Warn("Ошибка чтения WS.")
			w.health.RecordError()
			if !w.emit(venue.Event{Type: venue.EventTypeDisconnect}) {
				return
			}

			if !w.reconnect() {
				return
			}
			continue
		}

		w.health.RecordUpdate()

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			w.logEntry().WithError(err).Warn("Не удалось разобрать WS сообщение.")
			continue
		}

		switch {
		case strings.HasPrefix(msg.Topic, "execution"):
			w.handleExecution(msg)
		case strings.HasPrefix(msg.Topic, "order"):
			w.handleOrder(msg)
		case strings.HasPrefix(msg.Topic, "tickers"):
			w.handleTicker(msg)
		default:
			continue
		}
	}
}

func (w *wsConn) reconnect() bool {
	backoff := w.reconnectMin

	for {
		select {
		case <-w.stopCh:
			return false
		default:
		}

		w.logEntry().Info("Попытка переподключения к WS.")

		time.Sleep(backoff)

		conn, _, err := websocket.DefaultDialer.Dial(w.url, nil)
		if err != nil {
			w.logEntry().WithError(err).Warn("Не удалось переподключиться к WS.")
			w.health.RecordError()
			backoff = w.nextBackoff(backoff)
			continue
		}

		if w.conn != nil {
			_ = w.conn.Close()
		}

		w.conn = conn
		w.conn.SetReadLimit(2 << 20)

		if w.apiKey != "" && w.secret != "" {
			if err := w.authenticate(); err != nil {
				w.logEntry().WithError(err).Warn("Не удалось повторно авторизоваться в WS.")
				backoff = w.nextBackoff(backoff)
				continue
			}
		}

		if len(w.topics) > 0 {
			if err := w.subscribe(w.symbol, w.topics); err != nil {
				w.logEntry().WithError(err).Warn("Не удалось повторно подписаться на WS.")
				backoff = w.nextBackoff(backoff)
				continue
			}
		}

		w.health.RecordReconnect()
		if !w.emit(venue.Event{Type: venue.EventTypeReconnect}) {
			return false
		}
		w.logEntry().Info("WS переподключён и подписки восстановлены.")
		return true
	}
}

func (w *wsConn) nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > w.reconnectMax {
		return w.reconnectMax
	}
	return next
}

// Subscribe поднимает оба потока: публичный (тикеры) и приватный (ордера и
// исполнения). Оба пишут в общий канал событий клиента.
func (c *Client) Subscribe(ctx context.Context, symbol string) (<-chan venue.Event, error) {
	c.wsPublic = newWSConn("public", c.wsPublicURL, "", "", c.log, c.health, c.events)
	if err := c.wsPublic.connect(ctx); err != nil {
		return nil, err
	}
	if err := c.wsPublic.subscribe(symbol, []string{"tickers." + symbol}); err != nil {
		c.wsPublic.close()
		return nil, fmt.Errorf("Не удалось подписаться на публичный WS: %w", err)
	}

	c.wsPrivate = newWSConn("private", c.wsPrivateURL, c.apiKey, c.secret, c.log, c.health, c.events)
	if err := c.wsPrivate.connect(ctx); err != nil {
		c.wsPublic.close()
		return nil, err
	}
	if err := c.wsPrivate.subscribe(symbol, []string{"order", "execution"}); err != nil {
		c.wsPublic.close()
		c.wsPrivate.close()
		return nil, fmt.Errorf("Не удалось подписаться на приватный WS: %w", err)
	}

	return c.events, nil
}

// Close останавливает оба WS потока.
func (c *Client) Close() {
	if c.wsPublic != nil {
		c.wsPublic.close()
	}
	if c.wsPrivate != nil {
		c.wsPrivate.close()
	}
}
