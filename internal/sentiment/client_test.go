package sentiment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func completion(content string) []byte {
	body, _ := json.Marshal(map[string]interface{}{
		"choices": []map[string]interface{}{
			{"message": map[string]string{"role": "assistant", "content": content}},
		},
	})
	return body
}

func TestAnalyzeSentimentWithoutKeyIsNeutral(t *testing.T) {
	c := NewClient(Config{}, nil)
	assert.False(t, c.Enabled())
	assert.Equal(t, Neutral(), c.AnalyzeSentiment(context.Background(), Snapshot{Symbol: "BTCUSDT"}))
}

func TestAnalyzeSentiment(t *testing.T) {
	var gotAuth string
	var gotReq chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(completion("```json\n{\"score\": 1.7, \"confidence\": 0.8, \"action\": \"BUY\", \"factors\": [\"momentum\"]}\n```"))
	}))
	defer srv.Close()

	c := NewClient(Config{Endpoint: srv.URL, Model: "test-model", APIKey: "k", Timeout: time.Second}, nil)
	res := c.AnalyzeSentiment(context.Background(), Snapshot{Symbol: "BTCUSDT", Price: 100})

	assert.Equal(t, "Bearer k", gotAuth)
	assert.Equal(t, "test-model", gotReq.Model)
	require.Len(t, gotReq.Messages, 2)
	assert.Contains(t, gotReq.Messages[1].Content, "BTCUSDT")

	assert.Equal(t, 1.0, res.Score)
	assert.Equal(t, 0.8, res.Confidence)
	assert.Equal(t, ActionBuy, res.Action)
	assert.Equal(t, []string{"momentum"}, res.Factors)
}

func TestAnalyzeSentimentFailuresDegrade(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}},
		{"garbage content", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write(completion("I think the market is going up"))
		}},
		{"no choices", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"choices": []}`))
		}},
		{"slow", func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(300 * time.Millisecond)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()
			c := NewClient(Config{Endpoint: srv.URL, APIKey: "k", Timeout: 100 * time.Millisecond}, nil)
			assert.Equal(t, Neutral(), c.AnalyzeSentiment(context.Background(), Snapshot{Symbol: "ETHUSDT"}))
		})
	}
}

func TestParseResultUnknownAction(t *testing.T) {
	r, err := parseResult(`{"score": -0.4, "confidence": 2, "action": "moon"}`)
	require.NoError(t, err)
	assert.Equal(t, ActionHold, r.Action)
	assert.Equal(t, 1.0, r.Confidence)
	assert.Equal(t, -0.4, r.Score)
}
