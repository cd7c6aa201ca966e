package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"greekroom/internal/communicators"
	"greekroom/internal/gateway"

	tele "gopkg.in/telebot.v3"
)

// MaxMessageLen leaves a little room under Telegram's 4096 character limit.
const MaxMessageLen = 4000

func init() {
	communicators.Register(&Adapter{})
}

// Adapter runs the orchestrator as a Telegram bot using long polling.
type Adapter struct{}

func (a *Adapter) ID() string { return "telegram" }

// Start is a no-op unless TELEGRAM_BOT_TOKEN is set.
func (a *Adapter) Start(ctx context.Context, gw *gateway.Gateway) error {
	cfg := gw.Config()
	logger := gw.Logger().With("communicator", "telegram")
	if cfg.TelegramToken == "" {
		logger.Info("disabled: TELEGRAM_BOT_TOKEN not set")
		return nil
	}

	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.TelegramToken,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
	})
	if err != nil {
		return fmt.Errorf("failed to create telegram bot: %w", err)
	}

	h := &handler{gw: gw, logger: logger, turnTimeout: cfg.TurnTimeout}
	b.Handle(tele.OnText, func(c tele.Context) error {
		_ = c.Notify(tele.Typing)
		for _, msg := range h.respond(ctx, c.Chat().ID, c.Text()) {
			if err := c.Send(msg); err != nil {
				return err
			}
		}
		return nil
	})

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		b.Stop()
	}()

	logger.Info("starting bot", "username", b.Me.Username)
	b.Start()
	return nil
}

type handler struct {
	gw          communicators.Gateway
	logger      *slog.Logger
	turnTimeout time.Duration
}

// Identity maps a chat to its session key.
func Identity(chatID int64) string { return fmt.Sprintf("telegram:%d", chatID) }

func (h *handler) respond(ctx context.Context, chatID int64, text string) []string {
	if h.turnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.turnTimeout)
		defer cancel()
	}
	res, err := h.gw.Ask(ctx, Identity(chatID), text, gateway.AskOptions{
		Channel: "telegram",
		Context: map[string]any{"telegram_chat_id": chatID},
	})
	if err != nil {
		h.logger.Error("turn failed", "chat_id", chatID, "err", err)
	}
	return communicators.Replies(res, err, MaxMessageLen)
}
