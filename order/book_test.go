package order

import (
	"testing"
	"time"
)

func TestBookSetGetList(t *testing.T) {
	b := NewBook()
	now := time.Now()
	b.Set(Order{ClientID: "b", Symbol: "BTCUSDT", Status: StatusPlaced, CreatedAt: now.Add(time.Second)})
	b.Set(Order{ClientID: "a", Symbol: "BTCUSDT", Status: StatusPending, CreatedAt: now})
	b.Set(Order{ClientID: "c", Symbol: "ETHUSDT", Status: StatusPlaced, CreatedAt: now})

	got, ok := b.Get("a")
	if !ok || got.Symbol != "BTCUSDT" {
		t.Fatalf("get failed: %+v %v", got, ok)
	}
	list := b.List("BTCUSDT")
	if len(list) != 2 || list[0].ClientID != "a" {
		t.Fatalf("unexpected list: %+v", list)
	}
	if len(b.List("")) != 3 {
		t.Fatalf("expected 3 orders")
	}
	b.Delete("a")
	if _, ok := b.Get("a"); ok {
		t.Fatalf("order not deleted")
	}
}
