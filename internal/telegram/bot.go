// Package telegram lets users submit queries from a Telegram chat and get
// the aggregated answer back.
package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mtzanidakis/pokemesh/internal/collab"
	"github.com/mtzanidakis/pokemesh/internal/config"
	"github.com/mtzanidakis/pokemesh/internal/task"
	"github.com/mymmrac/telego"
	th "github.com/mymmrac/telego/telegohandler"
	tu "github.com/mymmrac/telego/telegoutil"
)

// Runner executes one query to completion. The coordinator satisfies this.
type Runner interface {
	Run(ctx context.Context, query string) *collab.Session
}

type Bot struct {
	bot         *telego.Bot
	handler     *th.BotHandler
	coordinator Runner
	cfg         config.TelegramConfig
	cancel      context.CancelFunc
}

func NewBot(cfg config.TelegramConfig, coord Runner) (*Bot, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	return &Bot{
		bot:         bot,
		coordinator: coord,
		cfg:         cfg,
	}, nil
}

func (b *Bot) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	updates, err := b.bot.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	handler, err := th.NewBotHandler(b.bot, updates)
	if err != nil {
		cancel()
		return fmt.Errorf("create handler: %w", err)
	}
	b.handler = handler

	handler.HandleMessage(func(hctx *th.Context, message telego.Message) error {
		b.handleMessage(ctx, message)
		return nil
	})

	go handler.Start()

	<-ctx.Done()
	_ = handler.Stop()
	return nil
}

func (b *Bot) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	if b.handler != nil {
		_ = b.handler.Stop()
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg telego.Message) {
	chatID := msg.Chat.ID

	if msg.From != nil && len(b.cfg.AllowFrom) > 0 {
		allowed := false
		for _, id := range b.cfg.AllowFrom {
			if id == msg.From.ID {
				allowed = true
				break
			}
		}
		if !allowed {
			slog.Warn("unauthorized telegram user", "user_id", msg.From.ID, "chat_id", chatID)
			return
		}
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		text = strings.TrimSpace(msg.Caption)
	}
	if text == "" {
		return
	}

	_ = b.bot.SendChatAction(ctx, tu.ChatAction(tu.ID(chatID), "typing"))

	slog.Info("telegram query received", "chat", chatID)
	sess := b.coordinator.Run(ctx, text)

	if err := b.sendMessage(ctx, chatID, renderSession(sess)); err != nil {
		slog.Error("failed to send telegram message", "chat", chatID, "error", err)
	}
}

func (b *Bot) sendMessage(ctx context.Context, chatID int64, text string) error {
	// Telegram caps messages at 4096 characters
	const maxLen = 4000
	for len(text) > 0 {
		chunk := text
		if len(chunk) > maxLen {
			chunk = chunk[:maxLen]
		}
		text = text[len(chunk):]

		_, err := b.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), chunk))
		if err != nil {
			return err
		}
	}
	return nil
}

// renderSession formats a terminal session as chat text.
func renderSession(sess *collab.Session) string {
	if sess == nil {
		return "something went wrong, no session was created"
	}

	switch sess.State {
	case collab.StateFailed:
		if sess.Err != nil {
			if sess.Err.Cause == task.CauseNoCapableAgent {
				return "none of the agents can answer that, try asking about Pokemon"
			}
			return "query failed: " + sess.Err.Detail
		}
		return "query failed"
	case collab.StateCompleted, collab.StatePartiallyCompleted:
		var agg collab.Aggregate
		if err := json.Unmarshal(sess.Aggregate, &agg); err != nil {
			return "query finished but the result could not be read"
		}

		var sb strings.Builder
		for _, frag := range agg.Fragments {
			if frag.OK {
				fmt.Fprintf(&sb, "%s (%s):\n%s\n\n", frag.AgentID, frag.Skill, prettyPayload(frag.Payload))
			} else {
				fmt.Fprintf(&sb, "%s (%s): unavailable (%s)\n\n", frag.AgentID, frag.Skill, frag.Error.Cause)
			}
		}
		if sess.State == collab.StatePartiallyCompleted {
			sb.WriteString("(partial answer, some agents did not respond)")
		}
		return strings.TrimSpace(sb.String())
	default:
		return "query is still running: " + sess.ID
	}
}

func prettyPayload(raw json.RawMessage) string {
	var buf strings.Builder
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return string(raw)
	}
	return strings.TrimSpace(buf.String())
}
