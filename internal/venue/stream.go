package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// WS STREAM - Shared websocket plumbing for adapter fill subscriptions
// ═══════════════════════════════════════════════════════════════════════════════
//
// Concrete adapters own their wire format; this helper owns dial, read loop,
// ping keepalive and reconnect-with-backoff so each adapter doesn't.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	streamPingInterval  = 20 * time.Second
	streamReadDeadline  = 60 * time.Second
	streamReconnectBase = time.Second
	streamReconnectCap  = 30 * time.Second
)

// StreamConfig configures one websocket subscription.
type StreamConfig struct {
	URL       string
	Venue     string
	Subscribe any                     // JSON payload sent after each (re)connect
	OnMessage func(raw []byte) error  // decode errors are logged, not fatal
}

// RunStream dials and reads until ctx is cancelled, reconnecting on any
// read or dial failure with capped exponential backoff.
func RunStream(ctx context.Context, cfg StreamConfig) error {
	backoff := streamReconnectBase
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := streamOnce(ctx, cfg)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		log.Warn().
			Err(err).
			Str("venue", cfg.Venue).
			Dur("retry_in", backoff).
			Msg("⚠️ Fill stream dropped, reconnecting")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > streamReconnectCap {
			backoff = streamReconnectCap
		}
	}
}

func streamOnce(ctx context.Context, cfg StreamConfig) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("websocket dial failed: %w", err)
	}
	defer conn.Close()

	if cfg.Subscribe != nil {
		payload, err := json.Marshal(cfg.Subscribe)
		if err != nil {
			return fmt.Errorf("marshal subscribe payload: %w", err)
		}
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return fmt.Errorf("send subscribe: %w", err)
		}
	}

	log.Info().Str("venue", cfg.Venue).Str("url", cfg.URL).Msg("✅ Fill stream connected")

	// Close the socket when ctx ends so ReadMessage unblocks
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	// Ping keepalive
	go func() {
		ticker := time.NewTicker(streamPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			}
		}
	}()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(streamReadDeadline))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("websocket read: %w", err)
		}
		if err := cfg.OnMessage(raw); err != nil {
			log.Warn().Err(err).Str("venue", cfg.Venue).Msg("⚠️ Undecodable stream frame")
		}
	}
}
