package sentiment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"adaptive-market-maker/gateway"
)

// 情绪信号的动作
const (
	ActionBuy  = "buy"
	ActionSell = "sell"
	ActionHold = "hold"
)

const defaultEndpoint = "https://api.openai.com/v1"

// Snapshot 发给模型的市场摘要
type Snapshot struct {
	Symbol        string  `json:"symbol"`
	Price         float64 `json:"price"`
	Volatility    float64 `json:"volatility"`
	Spread        float64 `json:"spread"`
	Momentum      float64 `json:"momentum"`
	BookImbalance float64 `json:"book_imbalance"`
	Inventory     float64 `json:"inventory"`
}

// Result 情绪分析结果，Score ∈ [-1,1]，Confidence ∈ [0,1]
type Result struct {
	Score      float64  `json:"score"`
	Confidence float64  `json:"confidence"`
	Action     string   `json:"action"`
	Factors    []string `json:"factors"`
}

// Neutral 未配置或调用失败时的结果
func Neutral() Result {
	return Result{Action: ActionHold}
}

// Config LLM服务配置
type Config struct {
	Endpoint string // OpenAI兼容的接口地址，例如 https://api.openai.com/v1
	Model    string
	APIKey   string
	Timeout  time.Duration
}

// Client 通过 chat completions 获取情绪信号。任何失败都退化为 Neutral
type Client struct {
	cfg    Config
	http   *resty.Client
	logger *zap.Logger
}

func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultEndpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cli := resty.New().
		SetBaseURL(strings.TrimRight(cfg.Endpoint, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json")
	if cfg.APIKey != "" {
		cli.SetAuthToken(cfg.APIKey)
	}
	return &Client{cfg: cfg, http: cli, logger: logger.Named("sentiment")}
}

// Enabled 是否配置了密钥
func (c *Client) Enabled() bool {
	return c != nil && c.cfg.APIKey != ""
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    float64           `json:"temperature"`
	ResponseFormat map[string]string `json:"response_format"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

const systemPrompt = `You are a crypto market microstructure analyst. Given a JSON market snapshot, ` +
	`reply with a JSON object {"score": number in [-1,1], "confidence": number in [0,1], ` +
	`"action": "buy"|"sell"|"hold", "factors": [short strings]}. Reply with JSON only.`

// AnalyzeSentiment 返回情绪信号，不会返回错误
func (c *Client) AnalyzeSentiment(ctx context.Context, snap Snapshot) Result {
	if !c.Enabled() {
		return Neutral()
	}
	res, err := c.analyze(ctx, snap)
	if err != nil {
		c.logger.Warn("sentiment unavailable, using neutral", zap.String("symbol", snap.Symbol), zap.Error(err))
		return Neutral()
	}
	return res
}

func (c *Client) analyze(ctx context.Context, snap Snapshot) (Result, error) {
	payload, err := json.Marshal(snap)
	if err != nil {
		return Result{}, err
	}
	var out chatResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(chatRequest{
			Model: c.cfg.Model,
			Messages: []chatMessage{
				{Role: "system", Content: systemPrompt},
				{Role: "user", Content: string(payload)},
			},
			ResponseFormat: map[string]string{"type": "json_object"},
		}).
		SetResult(&out).
		Post("/chat/completions")
	if err != nil {
		return Result{}, &gateway.ExternalAPIError{Op: "analyze_sentiment", Symbol: snap.Symbol, Err: err}
	}
	if resp.IsError() {
		return Result{}, &gateway.ExternalAPIError{
			Op: "analyze_sentiment", Symbol: snap.Symbol, Status: resp.StatusCode(),
			Err: errors.New(truncate(resp.String(), 200)),
		}
	}
	if len(out.Choices) == 0 {
		return Result{}, errors.New("empty completion")
	}
	return parseResult(out.Choices[0].Message.Content)
}

// parseResult 解析模型输出并把字段截断到合法范围
func parseResult(content string) (Result, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var r Result
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &r); err != nil {
		return Result{}, fmt.Errorf("parse sentiment: %w", err)
	}
	if math.IsNaN(r.Score) || math.IsNaN(r.Confidence) {
		return Result{}, errors.New("sentiment contains NaN")
	}
	r.Score = math.Max(-1, math.Min(1, r.Score))
	r.Confidence = math.Max(0, math.Min(1, r.Confidence))
	switch a := strings.ToLower(strings.TrimSpace(r.Action)); a {
	case ActionBuy, ActionSell, ActionHold:
		r.Action = a
	default:
		r.Action = ActionHold
	}
	return r, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
