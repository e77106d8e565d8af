package relay

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestParseFrame(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want int
		err  bool
	}{
		{"orders", `{"event":"orders","data":{"buys":[{"amountGet":"1"}],"sells":[{"amountGet":"2"},{"deleted":true}]}}`, 2, false},
		{"market", `{"event":"market","data":{"orders":{"buys":[{"a":1}],"sells":[]}}}`, 1, false},
		{"market without orders", `{"event":"market","data":{"trades":[]}}`, 0, false},
		{"unknown event", `{"event":"trades","data":{}}`, 0, true},
		{"garbage", `not json`, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseFrame([]byte(tt.raw))
			if (err != nil) != tt.err {
				t.Fatalf("err = %v", err)
			}
			if len(got) != tt.want {
				t.Fatalf("orders = %d, want %d", len(got), tt.want)
			}
		})
	}
}

func TestParseFrameKeepsNumberPrecision(t *testing.T) {
	got, err := parseFrame([]byte(`{"event":"orders","data":{"buys":[{"amountGet":123456789012345678901234567890}],"sells":[]}}`))
	if err != nil {
		t.Fatal(err)
	}
	n, ok := got[0]["amountGet"].(json.Number)
	if !ok || n.String() != "123456789012345678901234567890" {
		t.Fatalf("amountGet = %#v", got[0]["amountGet"])
	}
}

func TestTokenRing(t *testing.T) {
	r := NewTokenRing([]string{"a", "b", "c"})
	if got := strings.Join(r.Take(2), ","); got != "a,b" {
		t.Fatalf("first take = %s", got)
	}
	if got := strings.Join(r.Take(2), ","); got != "c,a" {
		t.Fatalf("second take = %s", got)
	}
	if got := r.Take(5); len(got) != 3 {
		t.Fatalf("take more than len = %v", got)
	}
	if NewTokenRing(nil).Take(3) != nil {
		t.Fatal("empty ring should return nil")
	}
}

type sinkFunc func(ctx context.Context, server string, orders []Order)

func (f sinkFunc) HandleRelayOrders(ctx context.Context, server string, orders []Order) {
	f(ctx, server, orders)
}

func TestClientDeliversOrdersAndRequestsMarkets(t *testing.T) {
	var (
		mu       sync.Mutex
		requests []string
	)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"event":"orders","data":{"buys":[{"n":1}],"sells":[{"n":2},{"n":3,"deleted":true}]}}`))
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var f frame
			if json.Unmarshal(raw, &f) == nil && f.Event == "getMarket" {
				var p struct{ Token string }
				_ = json.Unmarshal(f.Data, &p)
				mu.Lock()
				requests = append(requests, p.Token)
				mu.Unlock()
			}
		}
	}))
	defer srv.Close()

	got := make(chan []Order, 1)
	sink := sinkFunc(func(_ context.Context, _ string, orders []Order) {
		select {
		case got <- orders:
		default:
		}
	})
	c := NewClient(Config{
		URL:            "ws" + strings.TrimPrefix(srv.URL, "http"),
		PingInterval:   20 * time.Millisecond,
		ReconnectDelay: 10 * time.Millisecond,
		MarketsPerPong: 2,
	}, sink, NewTokenRing([]string{"0xa", "0xb", "0xc"}), slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	select {
	case orders := <-got:
		if len(orders) != 2 {
			t.Fatalf("orders = %v, want the two live ones", orders)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no orders delivered")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(requests)
		mu.Unlock()
		if n >= 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("market requests = %d, want >= 3", n)
		}
		time.Sleep(10 * time.Millisecond)
	}
	mu.Lock()
	if requests[0] != "0xa" || requests[1] != "0xb" || requests[2] != "0xc" {
		t.Fatalf("requests = %v, want rotation", requests)
	}
	mu.Unlock()

	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}
