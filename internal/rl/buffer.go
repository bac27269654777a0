package rl

import "math/rand/v2"

// Experience 一次状态转移，加入缓冲区后不再修改
type Experience struct {
	State     []float64 `json:"state"`
	Action    Action    `json:"action"`
	Reward    float64   `json:"reward"`
	NextState []float64 `json:"next_state"`
	Terminal  bool      `json:"terminal"`
}

// ExperienceBuffer 定长环形缓冲，满了以后覆盖最早的经验
type ExperienceBuffer struct {
	data []Experience
	head int // 最早一条的位置
	size int
}

// NewExperienceBuffer capacity 至少为1
func NewExperienceBuffer(capacity int) *ExperienceBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &ExperienceBuffer{data: make([]Experience, capacity)}
}

// Add 追加一条经验
func (b *ExperienceBuffer) Add(e Experience) {
	capacity := len(b.data)
	if b.size < capacity {
		b.data[(b.head+b.size)%capacity] = e
		b.size++
		return
	}
	b.data[b.head] = e
	b.head = (b.head + 1) % capacity
}

// Len 当前条数
func (b *ExperienceBuffer) Len() int { return b.size }

// Cap 容量
func (b *ExperienceBuffer) Cap() int { return len(b.data) }

// At 按插入顺序取第i条，0为最早
func (b *ExperienceBuffer) At(i int) Experience {
	return b.data[(b.head+i)%len(b.data)]
}

// Sample 无放回均匀抽取n条，n超过条数时返回全部
func (b *ExperienceBuffer) Sample(rng *rand.Rand, n int) []Experience {
	if n > b.size {
		n = b.size
	}
	idx := make([]int, b.size)
	for i := range idx {
		idx[i] = i
	}
	// 部分 Fisher-Yates
	out := make([]Experience, n)
	for i := 0; i < n; i++ {
		j := i + rng.IntN(b.size-i)
		idx[i], idx[j] = idx[j], idx[i]
		out[i] = b.At(idx[i])
	}
	return out
}
