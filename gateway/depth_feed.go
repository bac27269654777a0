package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// DepthFeed 订阅 combined stream 的 partial depth，维护每个交易对最新的深度快照
type DepthFeed struct {
	endpoint string
	symbols  []string
	dialer   *websocket.Dialer
	logger   *zap.Logger

	readTimeout  time.Duration
	reconnectMin time.Duration
	reconnectMax time.Duration

	mu    sync.RWMutex
	books map[string]OrderBook
}

var _ BookSource = (*DepthFeed)(nil)

// NewDepthFeed endpoint 形如 wss://stream.binance.com:9443
func NewDepthFeed(endpoint string, symbols []string, logger *zap.Logger) *DepthFeed {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DepthFeed{
		endpoint:     strings.TrimRight(endpoint, "/"),
		symbols:      symbols,
		dialer:       websocket.DefaultDialer,
		logger:       logger.Named("depth_feed"),
		readTimeout:  30 * time.Second,
		reconnectMin: 500 * time.Millisecond,
		reconnectMax: 30 * time.Second,
		books:        make(map[string]OrderBook),
	}
}

// StreamURL 构建 combined stream 地址
func (f *DepthFeed) StreamURL() (string, error) {
	if len(f.symbols) == 0 {
		return "", fmt.Errorf("no symbols subscribed")
	}
	u, err := url.Parse(f.endpoint)
	if err != nil {
		return "", fmt.Errorf("parse ws endpoint: %w", err)
	}
	streams := make([]string, 0, len(f.symbols))
	for _, s := range f.symbols {
		streams = append(streams, strings.ToLower(s)+"@depth20@100ms")
	}
	u.Path = "/stream"
	q := u.Query()
	q.Set("streams", strings.Join(streams, "/"))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Book 返回不早于maxAge的快照
func (f *DepthFeed) Book(symbol string, maxAge time.Duration) (OrderBook, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	b, ok := f.books[symbol]
	if !ok || time.Since(b.Time) > maxAge {
		return OrderBook{}, false
	}
	return b, true
}

// Run 断线后指数退避重连，直到ctx取消
func (f *DepthFeed) Run(ctx context.Context) error {
	wsURL, err := f.StreamURL()
	if err != nil {
		return err
	}
	backoff := f.reconnectMin
	for {
		connected, err := f.runOnce(ctx, wsURL)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			backoff = f.reconnectMin
		}
		f.logger.Warn("depth stream disconnected", zap.Error(err), zap.Duration("retry_in", backoff))
		if err := sleepCtx(ctx, backoff); err != nil {
			return err
		}
		backoff *= 2
		if backoff > f.reconnectMax {
			backoff = f.reconnectMax
		}
	}
}

func (f *DepthFeed) runOnce(ctx context.Context, wsURL string) (bool, error) {
	conn, _, err := f.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return false, err
	}
	defer conn.Close()
	f.logger.Info("depth stream connected", zap.Int("symbols", len(f.symbols)))

	// ctx取消时关闭连接，使ReadMessage返回
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(f.readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		if err := f.handle(msg); err != nil {
			f.logger.Debug("skip depth message", zap.Error(err))
		}
	}
}

type combinedMessage struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

func (f *DepthFeed) handle(raw []byte) error {
	var msg combinedMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return err
	}
	name, _, ok := strings.Cut(msg.Stream, "@")
	if !ok {
		return fmt.Errorf("unexpected stream %q", msg.Stream)
	}
	var payload depthPayload
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		return err
	}
	symbol := strings.ToUpper(name)
	book, err := payload.toBook(symbol, time.Now())
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.books[symbol] = book
	f.mu.Unlock()
	return nil
}
