package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// streamReadWait bounds the silence we tolerate before treating the
	// socket as dead. Binance pings every few minutes and the kline
	// stream itself updates every couple of seconds.
	streamReadWait  = 3 * time.Minute
	streamWriteWait = 10 * time.Second

	initialReconnectDelay = 1 * time.Second
	maxReconnectDelay     = 30 * time.Second
)

// KlineStream maintains a <symbol>@kline_<interval> websocket connection
// and redials with exponential backoff whenever it drops.
type KlineStream struct {
	url    string
	logger zerolog.Logger

	// OnOpen runs after every successful dial, before any message is
	// handled. reconnected is false only for the first connection.
	// Returning an error drops the connection and schedules a redial.
	OnOpen func(ctx context.Context, reconnected bool) error

	// OnKline receives every kline update, partial and final alike.
	OnKline func(ctx context.Context, k Kline)
}

// NewKlineStream builds a stream for symbol/interval against the
// production or testnet websocket endpoint.
func NewKlineStream(symbol, interval string, testnet bool, logger zerolog.Logger) *KlineStream {
	base := StreamBaseURL
	if testnet {
		base = StreamTestnetURL
	}
	return &KlineStream{
		url:    fmt.Sprintf("%s/ws/%s@kline_%s", base, strings.ToLower(symbol), interval),
		logger: logger.With().Str("component", "kline_stream").Logger(),
	}
}

// URL reports the websocket endpoint the stream dials.
func (s *KlineStream) URL() string { return s.url }

// Run dials and consumes the stream until ctx is cancelled. Reconnect
// delay starts at one second, doubles per consecutive failure up to
// thirty seconds, and resets after every successful connection.
func (s *KlineStream) Run(ctx context.Context) error {
	delay := initialReconnectDelay
	connected := false
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
		if err != nil {
			if resp != nil {
				resp.Body.Close()
			}
			s.logger.Warn().Err(err).Str("url", s.url).Dur("retry_in", delay).Msg("kline stream dial failed")
			if !sleepCtx(ctx, delay) {
				return ctx.Err()
			}
			delay = nextDelay(delay)
			continue
		}

		if s.OnOpen != nil {
			if err := s.OnOpen(ctx, connected); err != nil {
				conn.Close()
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.logger.Warn().Err(err).Dur("retry_in", delay).Msg("stream open hook failed")
				if !sleepCtx(ctx, delay) {
					return ctx.Err()
				}
				delay = nextDelay(delay)
				continue
			}
		}
		connected = true
		delay = initialReconnectDelay
		s.logger.Info().Str("url", s.url).Msg("kline stream connected")

		err = s.readLoop(ctx, conn)
		conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Warn().Err(err).Dur("retry_in", delay).Msg("kline stream disconnected")
		if !sleepCtx(ctx, delay) {
			return ctx.Err()
		}
		delay = nextDelay(delay)
	}
}

func (s *KlineStream) readLoop(ctx context.Context, conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(streamReadWait))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(streamReadWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(streamWriteWait))
	})

	// unblock ReadMessage when the context ends
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(streamReadWait))

		var event klineEvent
		if err := json.Unmarshal(msg, &event); err != nil {
			s.logger.Debug().Err(err).Msg("skipping malformed stream message")
			continue
		}
		if event.EventType != "kline" {
			continue
		}
		if s.OnKline != nil {
			s.OnKline(ctx, event.Kline.toKline())
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func nextDelay(d time.Duration) time.Duration {
	d *= 2
	if d > maxReconnectDelay {
		d = maxReconnectDelay
	}
	return d
}
