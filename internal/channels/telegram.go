// Package channels adapts external messaging surfaces to the engine. The
// Telegram channel long-polls for updates, runs each text message through
// the dispatcher and replies with the resulting event stream.
package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/caminholabs/orienta/internal/engine"
	"github.com/caminholabs/orienta/internal/persistence"
)

// Executor runs inbound envelopes. *engine.Engine satisfies it.
type Executor interface {
	Execute(ctx context.Context, env *engine.Envelope, q *engine.Queue) error
	Cancel(ctx context.Context, taskID string, q *engine.Queue) (persistence.TaskState, error)
}

// TelegramChannel bridges Telegram chats to the engine.
type TelegramChannel struct {
	token      string
	allowedIDs map[int64]struct{}
	executor   Executor
	logger     *slog.Logger
	bot        *tgbotapi.BotAPI
}

// NewTelegramChannel creates the channel. An empty allowedIDs list denies
// every chat; the allowlist is the only access control on this surface.
func NewTelegramChannel(token string, allowedIDs []int64, executor Executor, logger *slog.Logger) *TelegramChannel {
	allowed := make(map[int64]struct{}, len(allowedIDs))
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	return &TelegramChannel{
		token:      token,
		allowedIDs: allowed,
		executor:   executor,
		logger:     logger,
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

// Start connects the bot and long-polls for updates until ctx is canceled.
// Poll failures reconnect with exponential backoff.
func (t *TelegramChannel) Start(ctx context.Context) error {
	var err error
	t.bot, err = tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}
	t.logger.Info("telegram bot started", "user", t.bot.Self.UserName)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)
		t.bot.StopReceivingUpdates()

		if pollErr != nil {
			t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		return nil
	}
}

// pollUpdates reads updates until ctx is done, the channel closes, or no
// updates arrive within 2.5x the long-poll timeout (the library blocks on a
// dead connection rather than closing the channel).
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message == nil || update.Message.From == nil {
				continue
			}
			if _, ok := t.allowedIDs[update.Message.From.ID]; !ok {
				t.logger.Warn("telegram access denied",
					"user_id", update.Message.From.ID,
					"user_name", update.Message.From.UserName)
				continue
			}
			t.handleMessage(ctx, update.Message)

		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	content := strings.TrimSpace(msg.Text)
	if content == "" {
		return
	}

	env := buildEnvelope(msg.Chat.ID, content)
	q := engine.NewQueue()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := t.executor.Execute(ctx, env, q); err != nil {
			t.logger.Error("telegram task failed", "chat_id", msg.Chat.ID, "error", err)
		}
		if !q.Closed() {
			_ = q.Publish(engine.Event{
				Kind:   engine.EventStatusUpdate,
				Final:  true,
				Status: &engine.Status{State: persistence.StateFailed},
			})
		}
	}()

	for _, text := range collectReplies(q.Drain()) {
		t.reply(msg.Chat.ID, text)
	}
	<-done
}

// buildEnvelope maps a Telegram message to an inbound envelope. The caller
// identity is stable per chat so fallback conversations keep their session.
func buildEnvelope(chatID int64, text string) *engine.Envelope {
	return &engine.Envelope{
		Role:  "user",
		Parts: []engine.Part{{Text: text}},
		Metadata: map[string]any{
			"callerId": fmt.Sprintf("tg_%d", chatID),
			"channel":  "telegram",
		},
	}
}

// collectReplies extracts the user-facing texts from a drained event stream.
func collectReplies(events []engine.Event) []string {
	var replies []string
	for _, ev := range events {
		if ev.Kind != engine.EventMessage {
			continue
		}
		for _, p := range ev.Parts {
			if p.Text != "" {
				replies = append(replies, p.Text)
			}
		}
	}
	return replies
}

func (t *TelegramChannel) reply(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := t.bot.Send(msg); err != nil {
		t.logger.Error("failed to send telegram reply", "error", err)
	}
}
