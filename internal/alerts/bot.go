// Package alerts sends operational notifications to a Telegram chat.
package alerts

import (
	"context"
	"fmt"

	"safe-replies/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// Kind classifies an alert.
type Kind string

const (
	KindUnderAttack  Kind = "under_attack"
	KindReconnect    Kind = "reconnect_needed"
	KindGlobalThreat Kind = "global_threat"
)

// Alert is one notification. Text must not contain raw commenter ids of
// other tenants.
type Alert struct {
	Kind      Kind
	AccountID int64
	Text      string
}

// Notifier delivers alerts.
type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// StatsFunc reports queue state for the /queue command.
type StatsFunc func(ctx context.Context) (*models.QueueStats, error)

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Bot represents the Telegram bot for operational alerts. A nil *Bot is a
// valid, disabled notifier.
type Bot struct {
	api    sender
	botAPI *tgbotapi.BotAPI
	chatID int64
	stats  StatsFunc
	logger *zap.Logger
}

var _ Notifier = (*Bot)(nil)

// NewBot creates a new Telegram bot instance. It returns nil when token is
// empty.
func NewBot(token string, chatID int64, stats StatsFunc, logger *zap.Logger) (*Bot, error) {
	if token == "" {
		logger.Info("Telegram alerts are disabled (token is empty)")
		return nil, nil
	}

	botAPI, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot API: %w", err)
	}

	logger.Info("Telegram bot authorized", zap.String("username", botAPI.Self.UserName))

	return &Bot{
		api:    botAPI,
		botAPI: botAPI,
		chatID: chatID,
		stats:  stats,
		logger: logger,
	}, nil
}

func prefix(k Kind) string {
	switch k {
	case KindUnderAttack:
		return "🚨 Under attack"
	case KindReconnect:
		return "🔌 Reconnect needed"
	case KindGlobalThreat:
		return "🌐 Global threat"
	}
	return "ℹ️ Notice"
}

// Notify sends an alert to the configured chat.
func (b *Bot) Notify(_ context.Context, a Alert) error {
	if b == nil {
		return nil
	}

	text := prefix(a.Kind)
	if a.AccountID != 0 {
		text += fmt.Sprintf(" (account %d)", a.AccountID)
	}
	text += "\n\n" + a.Text

	if _, err := b.api.Send(tgbotapi.NewMessage(b.chatID, text)); err != nil {
		b.logger.Error("Failed to send alert",
			zap.String("kind", string(a.Kind)),
			zap.Int64("account_id", a.AccountID),
			zap.Error(err),
		)
		return fmt.Errorf("failed to send alert: %w", err)
	}
	return nil
}

// Start begins listening for commands from the alert chat.
func (b *Bot) Start(ctx context.Context) error {
	if b == nil || b.botAPI == nil {
		return nil
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := b.botAPI.GetUpdatesChan(u)

	b.logger.Info("Telegram bot started, waiting for updates...")

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("Telegram bot shutting down...")
			b.botAPI.StopReceivingUpdates()
			return nil
		case update := <-updates:
			if update.Message != nil {
				b.handleMessage(ctx, update.Message)
			}
		}
	}
}

func (b *Bot) handleMessage(ctx context.Context, message *tgbotapi.Message) {
	if !message.IsCommand() || message.Chat == nil || message.Chat.ID != b.chatID {
		return
	}

	switch message.Command() {
	case "start", "help":
		b.sendMessage("Alerts for comment moderation.\n\n/queue - moderation queue status")
	case "queue":
		b.handleQueueCommand(ctx)
	default:
		b.sendMessage("Unknown command. Use /help.")
	}
}

func (b *Bot) handleQueueCommand(ctx context.Context) {
	if b.stats == nil {
		b.sendMessage("Queue stats unavailable.")
		return
	}
	stats, err := b.stats(ctx)
	if err != nil {
		b.logger.Error("Failed to read queue stats", zap.Error(err))
		b.sendMessage("Failed to read queue stats.")
		return
	}
	b.sendMessage(fmt.Sprintf("📊 Queue\npending: %d\nrunning: %d\ndone: %d\nfailed: %d",
		stats.Pending, stats.Running, stats.Done, stats.Failed))
}

// sendMessage is a helper to send a simple text message
func (b *Bot) sendMessage(text string) {
	if _, err := b.api.Send(tgbotapi.NewMessage(b.chatID, text)); err != nil {
		b.logger.Error("Failed to send message", zap.Int64("chat_id", b.chatID), zap.Error(err))
	}
}
