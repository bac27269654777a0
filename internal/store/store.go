package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"adaptive-market-maker/internal/rl"
)

const keyPrefix = "checkpoint/"

// EventSink 存储事件回调，用于结构化日志
type EventSink func(string, map[string]interface{})

// Checkpoint 单个交易对跨进程保留的状态
type Checkpoint struct {
	Symbol  string                 `json:"symbol"`
	SavedAt time.Time              `json:"saved_at"`
	Policy  *rl.Snapshot           `json:"policy,omitempty"`
	Agents  map[string]rl.Snapshot `json:"agents,omitempty"` // 多智能体模式下按智能体ID保存
	Net     float64                `json:"net"`
	AvgCost float64                `json:"avg_cost"`
}

// Store 基于badger的检查点存储，按交易对一个key
type Store struct {
	mu   sync.RWMutex
	db   *badger.DB
	sink EventSink
	now  func() time.Time
}

// Open 打开或创建目录下的数据库
func Open(path string, sink EventSink) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("store: path is required")
	}
	return open(badger.DefaultOptions(path), sink)
}

// OpenInMemory 不落盘，用于测试和模拟盘
func OpenInMemory(sink EventSink) (*Store, error) {
	return open(badger.DefaultOptions("").WithInMemory(true), sink)
}

func open(opts badger.Options, sink EventSink) (*Store, error) {
	db, err := badger.Open(opts.WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("open checkpoint store: %w", err)
	}
	return &Store{db: db, sink: sink, now: time.Now}, nil
}

func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func key(symbol string) ([]byte, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, errors.New("store: symbol is empty")
	}
	return []byte(keyPrefix + symbol), nil
}

// Save 覆盖写入，SavedAt 由存储填充
func (s *Store) Save(cp Checkpoint) error {
	k, err := key(cp.Symbol)
	if err != nil {
		return err
	}
	cp.SavedAt = s.now().UTC()
	val, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint %s: %w", cp.Symbol, err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return errors.New("store: closed")
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(k, val)
	}); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.Symbol, err)
	}
	s.logEvent("checkpoint_saved", map[string]interface{}{
		"symbol": cp.Symbol,
		"bytes":  len(val),
		"agents": len(cp.Agents),
	})
	return nil
}

// Load 不存在时返回 ok=false
func (s *Store) Load(symbol string) (Checkpoint, bool, error) {
	k, err := key(symbol)
	if err != nil {
		return Checkpoint{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return Checkpoint{}, false, errors.New("store: closed")
	}

	var cp Checkpoint
	found := false
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(k)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &cp)
		})
	})
	if err != nil {
		return Checkpoint{}, false, fmt.Errorf("load checkpoint %s: %w", symbol, err)
	}
	if found {
		s.logEvent("checkpoint_loaded", map[string]interface{}{
			"symbol":   cp.Symbol,
			"saved_at": cp.SavedAt,
		})
	}
	return cp, found, nil
}

// Symbols 已保存检查点的交易对，按字典序
func (s *Store) Symbols() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, errors.New("store: closed")
	}
	var out []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			out = append(out, strings.TrimPrefix(string(it.Item().Key()), keyPrefix))
		}
		return nil
	})
	sort.Strings(out)
	return out, err
}

// Delete 删除一个交易对的检查点，不存在时不报错
func (s *Store) Delete(symbol string) error {
	k, err := key(symbol)
	if err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return errors.New("store: closed")
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(k)
	})
}

func (s *Store) logEvent(event string, fields map[string]interface{}) {
	if s.sink == nil {
		return
	}
	s.sink(event, fields)
}
