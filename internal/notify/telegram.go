package notify

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"
)

// TelegramConfig selects the chat (and optional forum topic) alerts go to.
type TelegramConfig struct {
	Token    string
	ChatID   int64
	ThreadID int
}

// telegramSender is a send-only telebot client: no poller, no handlers.
type telegramSender struct {
	bot      *tele.Bot
	chatID   int64
	threadID int
}

func NewTelegramSender(cfg TelegramConfig) (Sender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat id is required")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Client: &http.Client{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, err
	}
	return &telegramSender{bot: b, chatID: cfg.ChatID, threadID: cfg.ThreadID}, nil
}

func (t *telegramSender) Send(ctx context.Context, text string) error {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	chat := &tele.Chat{ID: t.chatID}
	opt := &tele.SendOptions{
		ThreadID:              t.threadID,
		DisableWebPagePreview: true,
	}
	_, err := t.bot.Send(chat, text, opt)
	return err
}
