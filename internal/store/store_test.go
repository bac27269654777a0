package store

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adaptive-market-maker/internal/rl"
)

func newMemStore(t *testing.T, sink EventSink) *Store {
	t.Helper()
	s, err := OpenInMemory(sink)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func snapshot(v float64) rl.Snapshot {
	return rl.Snapshot{
		Weights:    [][]float64{{v, 0, 0, 0}, {0, v, 0, 0}},
		Target:     [][]float64{{v, 0, 0, 0}, {0, v, 0, 0}},
		Epsilon:    0.3,
		LearnSteps: 12,
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	var events []string
	s := newMemStore(t, func(ev string, _ map[string]interface{}) { events = append(events, ev) })
	fixed := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	policy := snapshot(0.5)
	require.NoError(t, s.Save(Checkpoint{Symbol: "btcusdt", Policy: &policy, Net: 0.25, AvgCost: 101.5}))

	cp, ok, err := s.Load("BTCUSDT")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, fixed.Equal(cp.SavedAt))
	require.NotNil(t, cp.Policy)
	assert.Equal(t, policy, *cp.Policy)
	assert.Equal(t, 0.25, cp.Net)
	assert.Equal(t, 101.5, cp.AvgCost)
	assert.Equal(t, []string{"checkpoint_saved", "checkpoint_loaded"}, events)
}

func TestLoadMissing(t *testing.T) {
	s := newMemStore(t, nil)
	_, ok, err := s.Load("ETHUSDT")
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = s.Load("  ")
	assert.Error(t, err)
}

func TestSaveOverwritesAndDelete(t *testing.T) {
	s := newMemStore(t, nil)
	require.NoError(t, s.Save(Checkpoint{Symbol: "ETHUSDT", Agents: map[string]rl.Snapshot{"a": snapshot(1)}}))
	require.NoError(t, s.Save(Checkpoint{Symbol: "ETHUSDT", Agents: map[string]rl.Snapshot{"b": snapshot(2)}}))
	require.NoError(t, s.Save(Checkpoint{Symbol: "BTCUSDT"}))

	cp, ok, err := s.Load("ETHUSDT")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, cp.Agents, 1)
	assert.Contains(t, cp.Agents, "b")
	assert.Nil(t, cp.Policy)

	syms, err := s.Symbols()
	require.NoError(t, err)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, syms)

	require.NoError(t, s.Delete("ETHUSDT"))
	require.NoError(t, s.Delete("ETHUSDT"))
	syms, err = s.Symbols()
	require.NoError(t, err)
	assert.Equal(t, []string{"BTCUSDT"}, syms)
}

func TestClosedStore(t *testing.T) {
	s, err := OpenInMemory(nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Error(t, s.Save(Checkpoint{Symbol: "BTCUSDT"}))
	_, _, err = s.Load("BTCUSDT")
	assert.Error(t, err)
}

func TestOnDiskPersistsAcrossOpen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, nil)
	require.NoError(t, err)
	require.NoError(t, s.Save(Checkpoint{Symbol: "SOLUSDT", Net: -3}))
	require.NoError(t, s.Close())

	s, err = Open(dir, nil)
	require.NoError(t, err)
	defer s.Close()
	cp, ok, err := s.Load("SOLUSDT")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, -3.0, cp.Net)

	_, err = Open("", nil)
	assert.Error(t, err)
}

func TestConcurrentSaveLoad(t *testing.T) {
	s := newMemStore(t, nil)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			sym := fmt.Sprintf("SYM%d", worker)
			for j := 0; j < 50; j++ {
				assert.NoError(t, s.Save(Checkpoint{Symbol: sym, Net: float64(j)}))
				_, ok, err := s.Load(sym)
				assert.NoError(t, err)
				assert.True(t, ok)
			}
		}(i)
	}
	wg.Wait()
	syms, err := s.Symbols()
	require.NoError(t, err)
	assert.Len(t, syms, 4)
}
