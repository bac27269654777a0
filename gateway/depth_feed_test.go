package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamURL(t *testing.T) {
	f := NewDepthFeed("wss://stream.binance.com:9443", []string{"BTCUSDT", "ETHUSDT"}, nil)
	u, err := f.StreamURL()
	require.NoError(t, err)
	assert.Contains(t, u, "/stream?streams=btcusdt%40depth20%40100ms%2Fethusdt%40depth20%40100ms")

	_, err = NewDepthFeed("wss://x", nil, nil).StreamURL()
	assert.Error(t, err)
}

func TestDepthFeedCachesBooks(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"stream":"btcusdt@depth20@100ms","data":{"lastUpdateId":5,"bids":[["100","1"]],"asks":[["101","2"]]}}`))
		// 保持连接直到客户端关闭
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	feed := NewDepthFeed("ws"+strings.TrimPrefix(srv.URL, "http"), []string{"BTCUSDT"}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- feed.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, ok := feed.Book("BTCUSDT", time.Second)
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	book, _ := feed.Book("BTCUSDT", time.Second)
	assert.Equal(t, 100.5, book.Mid())

	_, ok := feed.Book("BTCUSDT", 0)
	assert.False(t, ok, "zero max age should treat every snapshot as stale")

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("feed did not stop")
	}
}
