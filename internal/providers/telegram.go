package providers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-telegram/bot"
	"golang.org/x/time/rate"

	"sms-notification-service/internal/logging"
	"sms-notification-service/internal/notification"
	"sms-notification-service/internal/utils"
)

// TelegramReporter posts run summaries that need attention to an ops chat.
type TelegramReporter struct {
	bot     *bot.Bot
	chatID  int64
	limiter *rate.Limiter
	logger  *logging.Logger
}

// NewTelegramReporter creates the bot client. Telegram allows about one
// message per second per chat.
func NewTelegramReporter(token string, chatID int64, logger *logging.Logger) (*TelegramReporter, error) {
	if token == "" || chatID == 0 {
		return nil, fmt.Errorf("missing telegram bot token or chat id")
	}
	b, err := bot.New(token)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Telegram bot: %w", err)
	}
	return &TelegramReporter{
		bot:     b,
		chatID:  chatID,
		limiter: rate.NewLimiter(rate.Every(time.Second), 1),
		logger:  logger,
	}, nil
}

// Report sends the summary in the background when it has failures, an
// error or hit the run cap.
func (r *TelegramReporter) Report(ctx context.Context, s notification.RunSummary) {
	if !needsAttention(s) {
		return
	}
	text := summaryText(s)
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := r.send(ctx, text); err != nil {
			r.logger.Errorf("Failed to report %s run to Telegram: %v", s.Family, err)
		}
	}()
}

func (r *TelegramReporter) send(ctx context.Context, text string) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("telegram rate limit: %w", err)
	}
	return utils.Retry(r.logger, 3, time.Second, func() error {
		_, err := r.bot.SendMessage(ctx, &bot.SendMessageParams{
			ChatID:    r.chatID,
			Text:      text,
			ParseMode: "Markdown",
		})
		if err != nil {
			return fmt.Errorf("failed to send Telegram message to chat_id %d: %w", r.chatID, err)
		}
		return nil
	})
}

func needsAttention(s notification.RunSummary) bool {
	return s.Failed > 0 || s.Error != "" || s.CapReached
}

func summaryText(s notification.RunSummary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*SMS job %s* (%s)\n", s.Family, s.Mode)
	fmt.Fprintf(&b, "Processed: %d, sent: %d, failed: %d, skipped: %d\n", s.Processed, s.Sent, s.Failed, s.Skipped)
	if s.CapReached {
		b.WriteString("Run cap reached, backlog remains.\n")
	}
	if s.Error != "" {
		fmt.Fprintf(&b, "Error: `%s`\n", s.Error)
	}
	fmt.Fprintf(&b, "Started %s", s.StartedAt.Format(time.RFC3339))
	return b.String()
}
