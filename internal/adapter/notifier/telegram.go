package notifier

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	appconfig "github.com/semmidev/dbvault/internal/config"
	"github.com/semmidev/dbvault/internal/domain"
)

// sender is the part of *tgbotapi.BotAPI the notifier needs.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

type Telegram struct {
	bot       sender
	chatID    int64
	onSuccess bool
	onFailure bool
}

func NewTelegram(cfg appconfig.TelegramConfig) (*Telegram, error) {
	chatID, err := strconv.ParseInt(strings.TrimSpace(cfg.ChatID), 10, 64)
	if err != nil {
		return nil, domain.ConfigError("invalid telegram chat_id %q", cfg.ChatID)
	}

	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	return newTelegram(bot, chatID, cfg), nil
}

func newTelegram(bot sender, chatID int64, cfg appconfig.TelegramConfig) *Telegram {
	return &Telegram{
		bot:       bot,
		chatID:    chatID,
		onSuccess: cfg.OnSuccess,
		onFailure: cfg.OnFailure,
	}
}

func (t *Telegram) Notify(ctx context.Context, e domain.Event) error {
	if e.Succeeded() && !t.onSuccess || !e.Succeeded() && !t.onFailure {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := tgbotapi.NewMessage(t.chatID, formatEvent(e))
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("failed to send telegram notification: %w", err)
	}
	return nil
}

func formatEvent(e domain.Event) string {
	var b strings.Builder
	title := "Backup"
	if e.Kind == domain.JobRestore {
		title = "Restore"
	}

	if e.Succeeded() {
		fmt.Fprintf(&b, "✅ %s Completed\n\n", title)
	} else {
		fmt.Fprintf(&b, "❌ %s Failed\n\n", title)
	}
	fmt.Fprintf(&b, "🗄 Database: %s\n", e.Database)
	fmt.Fprintf(&b, "📍 Target: %s\n", e.Target)
	if e.Artifact.ID != "" {
		fmt.Fprintf(&b, "📁 File: %s\n", e.Artifact.ID)
	}
	if e.Succeeded() && e.Artifact.Size > 0 {
		fmt.Fprintf(&b, "📊 Size: %.2f MB\n", float64(e.Artifact.Size)/(1024*1024))
	}
	fmt.Fprintf(&b, "⏱ Duration: %s", e.Duration.Round(time.Second))
	if !e.Succeeded() {
		fmt.Fprintf(&b, "\n⚠️ Error: %v", e.Err)
	}
	return b.String()
}

// Nop discards events.
type Nop struct{}

func (Nop) Notify(context.Context, domain.Event) error {
	return nil
}
