package notify

import (
	"context"
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/hedgebot/internal/config"
	"github.com/web3guy0/hedgebot/internal/incident"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TELEGRAM NOTIFIER - Operator-facing alerts & heartbeat
// ═══════════════════════════════════════════════════════════════════════════════
//
// Forwarded traffic:
//   🚀 startup / 🛑 shutdown notices
//   🚨 incidents at WARN and above
//   💓 optional periodic heartbeat
//
// Failures to deliver never propagate to the trading path.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Notifier sends operator messages when enabled; every method is a no-op
// otherwise, so call sites never branch.
type Notifier struct {
	api       *tgbotapi.BotAPI
	chatID    int64
	enabled   bool
	heartbeat time.Duration
}

// New creates the notifier. With enabled=false the returned notifier is
// inert and never dials Telegram.
func New(cfg config.TelegramConfig) (*Notifier, error) {
	if !cfg.Enabled {
		return &Notifier{}, nil
	}

	api, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("telegram auth: %w", err)
	}

	log.Info().Str("bot", api.Self.UserName).Msg("🤖 Telegram notifier connected")
	return &Notifier{
		api:       api,
		chatID:    cfg.ChatID,
		enabled:   true,
		heartbeat: cfg.Heartbeat.Std(),
	}, nil
}

// Send delivers one message. Delivery failures are logged and swallowed.
func (n *Notifier) Send(text string) {
	if !n.enabled {
		return
	}
	msg := tgbotapi.NewMessage(n.chatID, text)
	if _, err := n.api.Send(msg); err != nil {
		log.Warn().Err(err).Msg("⚠️ Telegram send failed")
	}
}

// Record implements incident.Recorder; only WARN and above are forwarded.
func (n *Notifier) Record(_ context.Context, severity, code, message string, _ map[string]any) {
	if !n.enabled || severity == incident.SevDebug {
		return
	}
	n.Send(fmt.Sprintf("🚨 [%s] %s\n%s", severity, code, message))
}

// RunHeartbeat sends 💓 on the configured cadence until ctx ends.
// No-op when heartbeat is unset.
func (n *Notifier) RunHeartbeat(ctx context.Context, status func() string) {
	if !n.enabled || n.heartbeat <= 0 {
		return
	}

	ticker := time.NewTicker(n.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.Send("💓 " + status())
		}
	}
}
