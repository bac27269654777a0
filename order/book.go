package order

import (
	"sort"
	"sync"
)

// Book 按 ClientID 记录本周期的订单。
type Book struct {
	mu     sync.RWMutex
	orders map[string]Order
}

func NewBook() *Book {
	return &Book{orders: make(map[string]Order)}
}

func (b *Book) Set(o Order) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.orders[o.ClientID] = o
}

func (b *Book) Get(clientID string) (Order, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	o, ok := b.orders[clientID]
	return o, ok
}

func (b *Book) Delete(clientID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.orders, clientID)
}

// List 返回某交易对的订单（拷贝），symbol 为空时返回全部。按创建时间排序
func (b *Book) List(symbol string) []Order {
	b.mu.RLock()
	defer b.mu.RUnlock()
	res := make([]Order, 0, len(b.orders))
	for _, o := range b.orders {
		if symbol == "" || o.Symbol == symbol {
			res = append(res, o)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].ClientID < res[j].ClientID
		}
		return res[i].CreatedAt.Before(res[j].CreatedAt)
	})
	return res
}
