package notifications

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"ca-tracker/shared/config"
	"ca-tracker/shared/logger"

	"github.com/mymmrac/telego"
	"github.com/mymmrac/telego/telegoapi"
	tu "github.com/mymmrac/telego/telegoutil"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrChatUnavailable means Telegram refused the chat outright (bot kicked, chat deleted).
var ErrChatUnavailable = errors.New("telegram chat unavailable")

// MessageSender is the slice of the Telegram client the dispatcher needs.
type MessageSender interface {
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
}

// InitTelegramBot creates the bot client and verifies the token with GetMe.
func InitTelegramBot(ctx context.Context, token string, appLogger *logger.Logger) (*telego.Bot, error) {
	if token == "" {
		return nil, errors.New("critical error: TELEGRAM_BOT_TOKEN missing from configuration")
	}
	bot, err := telego.NewBot(token, telego.WithDiscardLogger())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Telegram bot API: %w", err)
	}

	me, err := bot.GetMe(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to verify bot token with GetMe API call: %w", err)
	}
	appLogger.Info("Telegram bot initialized", zap.String("username", me.Username))
	return bot, nil
}

// TelegramDispatcher delivers Markdown messages to group chats under a global rate limit.
type TelegramDispatcher struct {
	sender      MessageSender
	limiter     *rate.Limiter
	opsChatID   int64
	maxAttempts int
	retryBase   time.Duration
	appLogger   *logger.Logger
}

func NewTelegramDispatcher(sender MessageSender, cfg config.TelegramConfig, appLogger *logger.Logger) *TelegramDispatcher {
	ratePerSec := cfg.SendRatePerSec
	if ratePerSec <= 0 {
		ratePerSec = 20
	}
	burst := cfg.SendBurst
	if burst < 1 {
		burst = 1
	}
	attempts := cfg.MaxSendAttempts
	if attempts < 1 {
		attempts = 3
	}
	if appLogger == nil {
		appLogger = logger.NewNop()
	}
	return &TelegramDispatcher{
		sender:      sender,
		limiter:     rate.NewLimiter(rate.Limit(ratePerSec), burst),
		opsChatID:   cfg.OpsChatID,
		maxAttempts: attempts,
		retryBase:   time.Second,
		appLogger:   appLogger,
	}
}

// Deliver sends an alert to the group, retrying transient failures.
func (d *TelegramDispatcher) Deliver(ctx context.Context, groupID int64, text string) error {
	if groupID == 0 {
		return errors.New("cannot send message: target chat id is 0")
	}
	params := tu.Message(tu.ID(groupID), text).
		WithParseMode(telego.ModeMarkdown).
		WithLinkPreviewOptions(&telego.LinkPreviewOptions{IsDisabled: true})
	return d.sendWithRetry(ctx, params)
}

// SendSystemLog forwards an operational log line to the ops chat without blocking the caller.
func (d *TelegramDispatcher) SendSystemLog(text string) {
	if d.opsChatID == 0 {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := d.sendWithRetry(ctx, tu.Message(tu.ID(d.opsChatID), text)); err != nil {
			// Debug only: Warn would forward back to this chat.
			d.appLogger.Debug("Failed to forward system log", zap.Error(err))
		}
	}()
}

func (d *TelegramDispatcher) sendWithRetry(ctx context.Context, params *telego.SendMessageParams) error {
	chatID := params.ChatID.ID
	var lastErr error
	for attempt := 0; attempt < d.maxAttempts; attempt++ {
		if err := d.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("telegram rate limiter wait for chat %d: %w", chatID, err)
		}

		_, err := d.sender.SendMessage(ctx, params)
		if err == nil {
			return nil
		}
		lastErr = err

		wait := d.retryBase * time.Duration(math.Pow(2, float64(attempt)))
		var apiErr *telegoapi.Error
		if errors.As(err, &apiErr) {
			switch {
			case apiErr.ErrorCode == 429:
				if apiErr.Parameters != nil && apiErr.Parameters.RetryAfter > 0 {
					wait = time.Duration(apiErr.Parameters.RetryAfter) * time.Second
				}
				d.appLogger.Debug("Telegram rate limit hit, backing off",
					zap.Int64("chat", chatID), zap.Duration("wait", wait))
			case apiErr.ErrorCode == 403:
				return fmt.Errorf("%w: chat %d: %s", ErrChatUnavailable, chatID, apiErr.Description)
			case apiErr.ErrorCode == 400 && strings.Contains(apiErr.Description, "can't parse entities") && params.ParseMode != "":
				// resend as plain text rather than dropping the alert
				plain := *params
				plain.ParseMode = ""
				params = &plain
				wait = 0
			case apiErr.ErrorCode == 400:
				return fmt.Errorf("telegram rejected message for chat %d: %w", chatID, err)
			}
		}

		d.appLogger.Debug("Telegram send failed",
			zap.Int64("chat", chatID),
			zap.Int("attempt", attempt+1),
			zap.Int("maxAttempts", d.maxAttempts),
			zap.Error(err))

		if attempt == d.maxAttempts-1 || wait == 0 {
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return fmt.Errorf("telegram message to chat %d failed after %d attempts: %w", chatID, d.maxAttempts, lastErr)
}
