package notifier

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	tele "gopkg.in/telebot.v4"
)

// TelegramSender posts messages to a Telegram chat through the Bot API.
type TelegramSender struct {
	bot *tele.Bot
}

// NewTelegramSender builds an offline bot: no polling and no startup call.
func NewTelegramSender(token string, timeout time.Duration) (*TelegramSender, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := cleanhttp.DefaultPooledClient()
	client.Timeout = timeout
	b, err := tele.NewBot(tele.Settings{
		Token:   token,
		Client:  client,
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	return &TelegramSender{bot: b}, nil
}

func (s *TelegramSender) Send(ctx context.Context, m Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.bot.Send(&tele.Chat{ID: m.ChatID}, m.Text, &tele.SendOptions{
		ParseMode:             tele.ModeHTML,
		DisableWebPagePreview: true,
		ThreadID:              m.ThreadID,
	})
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return floodWait{err: err, wait: time.Duration(flood.RetryAfter) * time.Second}
	}
	return err
}

// floodWait carries Telegram's flood-control delay to the retry loop.
type floodWait struct {
	err  error
	wait time.Duration
}

func (e floodWait) Error() string             { return e.err.Error() }
func (e floodWait) Unwrap() error             { return e.err }
func (e floodWait) RetryAfter() time.Duration { return e.wait }
