package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/dexledger/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the node.
	writeWait = 10 * time.Second

	// handshakeTimeout bounds the websocket upgrade.
	handshakeTimeout = 15 * time.Second
)

// LogHandler receives every log delivered by a subscription. An error ends
// the session; the next one starts with a catch-up.
type LogHandler func(ctx context.Context, lg types.Log) error

// SubscriberConfig tunes connection liveness.
type SubscriberConfig struct {
	URL            string
	Address        common.Address
	Topics         []common.Hash
	IdleTimeout    time.Duration
	PongTimeout    time.Duration
	ReconnectDelay time.Duration

	// CatchUp, if set, runs once subscriptions are confirmed and before any
	// live log is handled. Notifications arriving meanwhile wait unread.
	CatchUp func(ctx context.Context) error
}

// Subscriber holds eth_subscribe log subscriptions over a websocket. After
// IdleTimeout without traffic it pings the node; a missing pong within
// PongTimeout tears the connection down. It reconnects after ReconnectDelay
// until its context ends.
type Subscriber struct {
	cfg     SubscriberConfig
	handler LogHandler
	dialer  websocket.Dialer
	logger  *slog.Logger
}

// NewSubscriber creates a Subscriber delivering logs to handler.
func NewSubscriber(cfg SubscriberConfig, handler LogHandler, logger *slog.Logger) *Subscriber {
	return &Subscriber{
		cfg:     cfg,
		handler: handler,
		dialer:  websocket.Dialer{HandshakeTimeout: handshakeTimeout},
		logger:  logger.With(slog.String("component", "log_subscriber")),
	}
}

// Run keeps a subscription alive until ctx is cancelled.
func (s *Subscriber) Run(ctx context.Context) error {
	for {
		err := s.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		s.logger.Error("subscription dropped",
			slog.String("error", errString(err)),
			slog.Duration("reconnect_in", s.cfg.ReconnectDelay),
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.cfg.ReconnectDelay):
		}
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	ID     int             `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Method string `json:"method"`
	Params *struct {
		Subscription string          `json:"subscription"`
		Result       json.RawMessage `json:"result"`
	} `json:"params"`
}

type logFilter struct {
	Address common.Address  `json:"address"`
	Topics  [][]common.Hash `json:"topics"`
}

// session runs one connection until it fails or ctx ends.
func (s *Subscriber) session(ctx context.Context) error {
	conn, _, err := s.dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("chain/subscriber: connect: %w", err)
	}
	defer conn.Close()

	if err := s.subscribe(conn); err != nil {
		return err
	}
	s.logger.Info("subscribed to contract logs",
		slog.String("contract", s.cfg.Address.Hex()),
		slog.Int("topics", len(s.cfg.Topics)),
	)
	if s.cfg.CatchUp != nil {
		if err := s.cfg.CatchUp(ctx); err != nil {
			return fmt.Errorf("chain/subscriber: catch up: %w", err)
		}
	}

	pongs := make(chan struct{}, 1)
	conn.SetPongHandler(func(string) error {
		select {
		case pongs <- struct{}{}:
		default:
		}
		return nil
	})

	done := make(chan struct{})
	defer close(done)

	msgs := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case msgs <- data:
			case <-done:
				return
			}
		}
	}()

	idle := time.NewTimer(s.cfg.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return ctx.Err()

		case err := <-readErr:
			return fmt.Errorf("chain/subscriber: read: %w: %w", domain.ErrWSDisconnect, err)

		case data := <-msgs:
			resetTimer(idle, s.cfg.IdleTimeout)
			if err := s.dispatch(ctx, data); err != nil {
				return err
			}

		case <-idle.C:
			// Quiet connection: prove the node is still there.
			drain(pongs)
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return fmt.Errorf("chain/subscriber: ping: %w", err)
			}
			select {
			case <-pongs:
				idle.Reset(s.cfg.IdleTimeout)
			case data := <-msgs:
				idle.Reset(s.cfg.IdleTimeout)
				if err := s.dispatch(ctx, data); err != nil {
					return err
				}
			case err := <-readErr:
				return fmt.Errorf("chain/subscriber: read: %w: %w", domain.ErrWSDisconnect, err)
			case <-time.After(s.cfg.PongTimeout):
				return fmt.Errorf("chain/subscriber: socket timeout: %w", domain.ErrWSDisconnect)
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// subscribe sends one eth_subscribe per topic and waits for each reply.
func (s *Subscriber) subscribe(conn *websocket.Conn) error {
	for i, topic := range s.cfg.Topics {
		req := rpcRequest{
			JSONRPC: "2.0",
			ID:      i + 1,
			Method:  "eth_subscribe",
			Params: []any{"logs", logFilter{
				Address: s.cfg.Address,
				Topics:  [][]common.Hash{{topic}},
			}},
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(req); err != nil {
			return fmt.Errorf("chain/subscriber: send subscribe: %w", err)
		}

		_ = conn.SetReadDeadline(time.Now().Add(writeWait))
		var resp rpcResponse
		if err := conn.ReadJSON(&resp); err != nil {
			return fmt.Errorf("chain/subscriber: read subscribe reply: %w", err)
		}
		if resp.Error != nil {
			return fmt.Errorf("chain/subscriber: subscribe %s: %s", topic.Hex(), resp.Error.Message)
		}
		var id string
		if err := json.Unmarshal(resp.Result, &id); err != nil {
			s.logger.Error("unparseable subscription reply",
				slog.String("topic", topic.Hex()),
				slog.String("reply", string(resp.Result)),
			)
		}
	}
	_ = conn.SetReadDeadline(time.Time{})
	return nil
}

// dispatch handles one notification. Geth sends one log per message, Parity
// an array of logs. The first handler error stops the batch.
func (s *Subscriber) dispatch(ctx context.Context, data []byte) error {
	logs, err := parseNotification(data)
	if err != nil {
		s.logger.Warn("unparseable notification", slog.String("error", err.Error()))
		return nil
	}
	for _, lg := range logs {
		if lg.Removed {
			s.logger.Warn("ignoring removed log",
				slog.String("tx", lg.TxHash.Hex()),
				slog.Uint64("log_index", uint64(lg.Index)),
			)
			continue
		}
		if err := s.handler(ctx, lg); err != nil {
			return fmt.Errorf("chain/subscriber: handle %s/%d: %w", lg.TxHash.Hex(), lg.Index, err)
		}
	}
	return nil
}

func parseNotification(data []byte) ([]types.Log, error) {
	var msg rpcResponse
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.Method != "eth_subscription" || msg.Params == nil {
		return nil, errors.New("not a subscription notification")
	}
	raw := bytes.TrimSpace(msg.Params.Result)
	if len(raw) > 0 && raw[0] == '[' {
		var logs []types.Log
		if err := json.Unmarshal(raw, &logs); err != nil {
			return nil, err
		}
		return logs, nil
	}
	var lg types.Log
	if err := json.Unmarshal(raw, &lg); err != nil {
		return nil, err
	}
	return []types.Log{lg}, nil
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

func drain(ch chan struct{}) {
	select {
	case <-ch:
	default:
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
