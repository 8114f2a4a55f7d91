package alerts

import (
	"context"
	"errors"
	"testing"

	"safe-replies/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSender struct {
	sent []tgbotapi.MessageConfig
	err  error
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		f.sent = append(f.sent, msg)
	}
	return tgbotapi.Message{}, f.err
}

func TestNilBotIsNoop(t *testing.T) {
	var b *Bot
	assert.NoError(t, b.Notify(context.Background(), Alert{Kind: KindUnderAttack}))
	assert.NoError(t, b.Start(context.Background()))
}

func TestNewBotDisabledWithoutToken(t *testing.T) {
	b, err := NewBot("", 1, nil, zap.NewNop())
	require.NoError(t, err)
	assert.Nil(t, b)
}

func TestNotifyFormatsAlert(t *testing.T) {
	fs := &fakeSender{}
	b := &Bot{api: fs, chatID: 99, logger: zap.NewNop()}

	require.NoError(t, b.Notify(context.Background(), Alert{Kind: KindReconnect, AccountID: 5, Text: "no access token"}))
	require.Len(t, fs.sent, 1)
	assert.Equal(t, int64(99), fs.sent[0].ChatID)
	assert.Contains(t, fs.sent[0].Text, "Reconnect needed (account 5)")
	assert.Contains(t, fs.sent[0].Text, "no access token")
}

func TestNotifyPropagatesSendError(t *testing.T) {
	b := &Bot{api: &fakeSender{err: errors.New("telegram down")}, chatID: 1, logger: zap.NewNop()}
	assert.Error(t, b.Notify(context.Background(), Alert{Kind: KindGlobalThreat}))
}

func TestQueueCommand(t *testing.T) {
	fs := &fakeSender{}
	b := &Bot{api: fs, chatID: 7, logger: zap.NewNop(), stats: func(context.Context) (*models.QueueStats, error) {
		return &models.QueueStats{Pending: 3, Failed: 1}, nil
	}}

	b.handleQueueCommand(context.Background())
	require.Len(t, fs.sent, 1)
	assert.Contains(t, fs.sent[0].Text, "pending: 3")
	assert.Contains(t, fs.sent[0].Text, "failed: 1")
}
