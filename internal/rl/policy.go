package rl

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
)

// GradientMode TD误差的计算方式
type GradientMode string

const (
	// GradientScalar 用 max_j q_j 作为当前估计，只更新贪心分量对应的列
	GradientScalar GradientMode = "scalar"
	// GradientPerAction 每个动作分量各自计算TD误差并更新
	GradientPerAction GradientMode = "per_action"
)

// Config 策略参数
type Config struct {
	StateSize          int
	LearningRate       float64
	Discount           float64
	EpsilonStart       float64
	EpsilonMin         float64
	EpsilonDecay       float64
	BufferCapacity     int
	BatchSize          int
	UpdateFrequency    int
	TargetSyncInterval int
	GradientMode       GradientMode
	TDClip             float64
	Seed               uint64
}

// Validate 检查参数范围
func (c Config) Validate() error {
	switch {
	case c.StateSize < 1:
		return errors.New("state size must be >= 1")
	case c.LearningRate <= 0:
		return errors.New("learning rate must be > 0")
	case c.Discount < 0 || c.Discount > 1:
		return errors.New("discount must be in [0,1]")
	case c.EpsilonMin < 0 || c.EpsilonStart > 1 || c.EpsilonMin > c.EpsilonStart:
		return errors.New("epsilon must satisfy 0 <= min <= start <= 1")
	case c.EpsilonDecay <= 0 || c.EpsilonDecay > 1:
		return errors.New("epsilon decay must be in (0,1]")
	case c.BufferCapacity < 1 || c.BatchSize < 1 || c.UpdateFrequency < 1 || c.TargetSyncInterval < 1:
		return errors.New("buffer capacity, batch size, update frequency and target sync interval must be >= 1")
	case c.GradientMode != GradientScalar && c.GradientMode != GradientPerAction:
		return fmt.Errorf("unknown gradient mode %q", c.GradientMode)
	}
	return nil
}

// Decision 一次动作选择
type Decision struct {
	Action   Action
	Explored bool
	QValues  []float64 // 探索时为nil
}

// LearnResult 一次 Remember 的结果
type LearnResult struct {
	Learned     bool
	MeanTDError float64
	Epsilon     float64
}

// Policy 线性Q函数上的epsilon-greedy策略。
// 除 Epsilon/LearnSteps/Snapshot 外只应由单个worker调用
type Policy struct {
	cfg     Config
	weights [][]float64 // StateSize x ActionSize
	target  [][]float64
	buffer  *ExperienceBuffer
	rng     *rand.Rand

	mu         sync.RWMutex
	epsilon    float64
	learnSteps int
	sinceLearn int
}

// NewPolicy 权重用固定种子的小随机数初始化
func NewPolicy(cfg Config) (*Policy, error) {
	if cfg.TDClip <= 0 {
		cfg.TDClip = math.Inf(1)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9E3779B97F4A7C15))
	w := newMatrix(cfg.StateSize)
	for i := range w {
		for j := range w[i] {
			w[i][j] = rng.NormFloat64() * 0.01
		}
	}
	return &Policy{
		cfg:     cfg,
		weights: w,
		target:  cloneMatrix(w),
		buffer:  NewExperienceBuffer(cfg.BufferCapacity),
		rng:     rng,
		epsilon: cfg.EpsilonStart,
	}, nil
}

func newMatrix(rows int) [][]float64 {
	m := make([][]float64, rows)
	for i := range m {
		m[i] = make([]float64, ActionSize)
	}
	return m
}

func cloneMatrix(m [][]float64) [][]float64 {
	out := make([][]float64, len(m))
	for i := range m {
		out[i] = append([]float64(nil), m[i]...)
	}
	return out
}

// qValues q_j = sum_i s_i * W[i][j]
func qValues(w [][]float64, state []float64) []float64 {
	q := make([]float64, ActionSize)
	n := len(state)
	if len(w) < n {
		n = len(w)
	}
	for i := 0; i < n; i++ {
		s := state[i]
		if s == 0 {
			continue
		}
		for j := 0; j < ActionSize; j++ {
			q[j] += s * w[i][j]
		}
	}
	return q
}

func argmax(q []float64) (int, float64) {
	best, idx := math.Inf(-1), 0
	for j, v := range q {
		if v > best {
			best, idx = v, j
		}
	}
	return idx, best
}

// RandomAction 各分量在范围内均匀采样
func RandomAction(rng *rand.Rand) Action {
	u := func(lo, hi float64) float64 { return lo + rng.Float64()*(hi-lo) }
	return Action{
		SpreadAdjustment: u(SpreadAdjMin, SpreadAdjMax),
		SizeMultiplier:   u(SizeMultMin, SizeMultMax),
		AggressionLevel:  u(AggressionMin, AggressionMax),
		RiskAdjustment:   u(RiskAdjMin, RiskAdjMax),
	}
}

// SelectAction 以epsilon概率探索，否则按当前权重贪心
func (p *Policy) SelectAction(state []float64) Decision {
	if p.rng.Float64() < p.Epsilon() {
		return Decision{Action: RandomAction(p.rng), Explored: true}
	}
	q := qValues(p.weights, state)
	return Decision{Action: ActionFromQ(q), QValues: q}
}

// Remember 存入经验；每累计 UpdateFrequency 条且缓冲区够一个batch时学习一次
func (p *Policy) Remember(e Experience) LearnResult {
	p.buffer.Add(e)
	p.sinceLearn++
	res := LearnResult{Epsilon: p.Epsilon()}
	if p.sinceLearn < p.cfg.UpdateFrequency || p.buffer.Len() < p.cfg.BatchSize {
		return res
	}
	p.sinceLearn = 0
	res.MeanTDError = p.learn()
	res.Learned = true
	res.Epsilon = p.Epsilon()
	return res
}

// learn 对一个mini-batch做一次平均梯度更新，返回平均|TD误差|
func (p *Policy) learn() float64 {
	batch := p.buffer.Sample(p.rng, p.cfg.BatchSize)
	grad := newMatrix(len(p.weights))
	totalAbsTD := 0.0

	for _, e := range batch {
		target := e.Reward
		if !e.Terminal {
			_, maxNext := argmax(qValues(p.target, e.NextState))
			target += p.cfg.Discount * maxNext
		}
		q := qValues(p.weights, e.State)

		switch p.cfg.GradientMode {
		case GradientPerAction:
			for j := 0; j < ActionSize; j++ {
				td := clamp(target-q[j], -p.cfg.TDClip, p.cfg.TDClip)
				totalAbsTD += math.Abs(td) / ActionSize
				accumulate(grad, e.State, j, td)
			}
		default:
			j, estimate := argmax(q)
			td := clamp(target-estimate, -p.cfg.TDClip, p.cfg.TDClip)
			totalAbsTD += math.Abs(td)
			accumulate(grad, e.State, j, td)
		}
	}

	scale := p.cfg.LearningRate / float64(len(batch))

	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.weights {
		for j := range p.weights[i] {
			p.weights[i][j] += scale * grad[i][j]
		}
	}
	p.learnSteps++
	p.epsilon = math.Max(p.cfg.EpsilonMin, p.epsilon*p.cfg.EpsilonDecay)
	if p.learnSteps%p.cfg.TargetSyncInterval == 0 {
		p.target = cloneMatrix(p.weights)
	}
	return totalAbsTD / float64(len(batch))
}

func accumulate(grad [][]float64, state []float64, col int, td float64) {
	n := len(state)
	if len(grad) < n {
		n = len(grad)
	}
	for i := 0; i < n; i++ {
		grad[i][col] += td * state[i]
	}
}

// Epsilon 当前探索率
func (p *Policy) Epsilon() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.epsilon
}

// LearnSteps 已执行的学习步数
func (p *Policy) LearnSteps() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.learnSteps
}

// BufferLen 缓冲区当前条数
func (p *Policy) BufferLen() int { return p.buffer.Len() }

// Snapshot 可持久化的策略状态
type Snapshot struct {
	Weights    [][]float64 `json:"weights"`
	Target     [][]float64 `json:"target"`
	Epsilon    float64     `json:"epsilon"`
	LearnSteps int         `json:"learn_steps"`
}

// Snapshot 拷贝当前权重
func (p *Policy) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Snapshot{
		Weights:    cloneMatrix(p.weights),
		Target:     cloneMatrix(p.target),
		Epsilon:    p.epsilon,
		LearnSteps: p.learnSteps,
	}
}

// Restore 维度不一致时拒绝，探索率截断到 [EpsilonMin, EpsilonStart]
func (p *Policy) Restore(s Snapshot) error {
	check := func(m [][]float64) error {
		if len(m) != p.cfg.StateSize {
			return fmt.Errorf("snapshot has %d rows, want %d", len(m), p.cfg.StateSize)
		}
		for _, row := range m {
			if len(row) != ActionSize {
				return fmt.Errorf("snapshot row has %d columns, want %d", len(row), ActionSize)
			}
		}
		return nil
	}
	if err := check(s.Weights); err != nil {
		return err
	}
	if err := check(s.Target); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.weights = cloneMatrix(s.Weights)
	p.target = cloneMatrix(s.Target)
	p.epsilon = clamp(s.Epsilon, p.cfg.EpsilonMin, p.cfg.EpsilonStart)
	p.learnSteps = s.LearnSteps
	return nil
}
