// Package relay consumes order books pushed by peer relay servers.
//
// Each server speaks JSON frames of the form {"event": ..., "data": ...}.
// "orders" frames carry {"buys": [...], "sells": [...]}; "market" frames
// carry the same lists under "orders". The client periodically pings the
// server and, on every pong, asks for the full market of a few tokens from a
// shared rotation.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait        = 10 * time.Second
	handshakeTimeout = 15 * time.Second
)

// Order is one relayed order as received, numbers kept as json.Number.
type Order = map[string]any

// OrderSink receives live orders from a relay server.
type OrderSink interface {
	HandleRelayOrders(ctx context.Context, server string, orders []Order)
}

// Config holds per-client parameters.
type Config struct {
	URL            string
	ReconnectDelay time.Duration
	PingInterval   time.Duration
	MarketsPerPong int
	// MarketSpacing separates consecutive market requests after a pong.
	MarketSpacing time.Duration
}

// Client holds a connection to one relay server.
type Client struct {
	cfg    Config
	sink   OrderSink
	ring   *TokenRing
	dialer websocket.Dialer
	logger *slog.Logger
}

// NewClient creates a Client. ring may be nil to disable market refreshes.
func NewClient(cfg Config, sink OrderSink, ring *TokenRing, logger *slog.Logger) *Client {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	return &Client{
		cfg:    cfg,
		sink:   sink,
		ring:   ring,
		dialer: websocket.Dialer{HandshakeTimeout: handshakeTimeout},
		logger: logger.With(slog.String("component", "relay"), slog.String("server", cfg.URL)),
	}
}

// Run keeps the connection open until ctx is canceled, reconnecting after a
// fixed delay.
func (c *Client) Run(ctx context.Context) error {
	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Warn("relay connection lost",
			slog.String("error", fmt.Sprint(err)),
			slog.Duration("reconnect_in", c.cfg.ReconnectDelay),
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.cfg.ReconnectDelay):
		}
	}
}

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type bookLists struct {
	Buys  []Order `json:"buys"`
	Sells []Order `json:"sells"`
}

func (c *Client) session(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("relay: dial: %w", err)
	}
	defer conn.Close()
	c.logger.Info("relay connected")

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pongs := make(chan struct{}, 1)
	conn.SetPongHandler(func(string) error {
		select {
		case pongs <- struct{}{}:
		default:
		}
		return nil
	})

	readErr := make(chan error, 1)
	go func() {
		readErr <- c.readLoop(sctx, conn)
	}()

	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return nil
		case err := <-readErr:
			return err
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return fmt.Errorf("relay: ping: %w", err)
			}
		case <-pongs:
			c.logger.Debug("relay alive: pong received")
			if err := c.requestMarkets(sctx, conn); err != nil {
				return err
			}
		}
	}
}

// requestMarkets asks for the full book of the next tokens in rotation. It
// runs on the session's only writer goroutine.
func (c *Client) requestMarkets(ctx context.Context, conn *websocket.Conn) error {
	if c.ring == nil {
		return nil
	}
	for i, token := range c.ring.Take(c.cfg.MarketsPerPong) {
		if i > 0 && c.cfg.MarketSpacing > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.cfg.MarketSpacing):
			}
		}
		payload, _ := json.Marshal(map[string]string{"token": token})
		msg, _ := json.Marshal(frame{Event: "getMarket", Data: payload})
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return fmt.Errorf("relay: getMarket %s: %w", token, err)
		}
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("relay: read: %w", err)
		}
		orders, err := parseFrame(raw)
		if err != nil {
			c.logger.Debug("dropping relay frame", slog.String("error", err.Error()))
			continue
		}
		if len(orders) == 0 {
			continue
		}
		c.logger.Info("processing relay orders", slog.Int("count", len(orders)))
		c.sink.HandleRelayOrders(ctx, c.cfg.URL, orders)
	}
}

var errUnknownEvent = errors.New("relay: unknown event")

// parseFrame extracts the live orders of an "orders" or "market" frame.
// Orders flagged deleted are dropped.
func parseFrame(raw []byte) ([]Order, error) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("relay: decode frame: %w", err)
	}

	var lists bookLists
	switch f.Event {
	case "orders":
		if err := decodeNumbers(f.Data, &lists); err != nil {
			return nil, err
		}
	case "market":
		var market struct {
			Orders *bookLists `json:"orders"`
		}
		if err := decodeNumbers(f.Data, &market); err != nil {
			return nil, err
		}
		if market.Orders == nil {
			return nil, nil
		}
		lists = *market.Orders
	default:
		return nil, fmt.Errorf("%w %q", errUnknownEvent, f.Event)
	}

	out := make([]Order, 0, len(lists.Buys)+len(lists.Sells))
	for _, o := range append(lists.Buys, lists.Sells...) {
		if deleted, _ := o["deleted"].(bool); deleted {
			continue
		}
		out = append(out, o)
	}
	return out, nil
}

func decodeNumbers(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("relay: decode data: %w", err)
	}
	return nil
}
