package bot

import (
	"context"
	"errors"
	"strings"

	"ca-tracker/agent/internal/models"
	"ca-tracker/shared/logger"

	"github.com/mymmrac/telego"
	"go.uber.org/zap"
)

// Tracker is the part of the tracking engine the chat commands drive.
type Tracker interface {
	EnsureGroup(ctx context.Context, groupID int64, title string) error
	DeactivateGroup(ctx context.Context, groupID int64) error
	RegisterToken(ctx context.Context, contractID string, groupID int64) (*models.TrackedToken, error)
	RemoveToken(ctx context.Context, contractID string, groupID int64) error
	ListTokens(ctx context.Context, groupID int64) ([]*models.TrackedToken, error)
	GetGroupStatistics(ctx context.Context, groupID int64) (*models.GroupStatistics, error)
}

// Replier sends a Markdown reply to a chat.
type Replier interface {
	Deliver(ctx context.Context, chatID int64, text string) error
}

// UpdateSource yields Telegram updates; *telego.Bot satisfies it.
type UpdateSource interface {
	UpdatesViaLongPolling(ctx context.Context, params *telego.GetUpdatesParams, options ...telego.LongPollingOption) (<-chan telego.Update, error)
}

type Bot struct {
	tracker    Tracker
	replier    Replier
	appLogger  *logger.Logger
	autoDetect bool
}

// New builds the command handler. With autoDetect set, contract addresses posted as
// plain group messages are registered as if sent with /track.
func New(tracker Tracker, replier Replier, appLogger *logger.Logger, autoDetect bool) *Bot {
	if appLogger == nil {
		appLogger = logger.NewNop()
	}
	return &Bot{
		tracker:    tracker,
		replier:    replier,
		appLogger:  appLogger,
		autoDetect: autoDetect,
	}
}

// StartListening long-polls for updates until ctx is cancelled.
func (b *Bot) StartListening(ctx context.Context, source UpdateSource) error {
	updates, err := source.UpdatesViaLongPolling(ctx, &telego.GetUpdatesParams{
		Timeout:        60,
		AllowedUpdates: []string{"message", "my_chat_member"},
	})
	if err != nil {
		return err
	}
	b.appLogger.Info("Listening for Telegram commands and messages...")

	for {
		select {
		case update, ok := <-updates:
			if !ok {
				b.appLogger.Info("Telegram update channel closed. Stopping listener.")
				return nil
			}
			go b.HandleUpdate(ctx, update)
		case <-ctx.Done():
			b.appLogger.Info("Context cancelled. Stopping Telegram listener.")
			return nil
		}
	}
}

func isGroupChat(chat telego.Chat) bool {
	return chat.Type == telego.ChatTypeGroup || chat.Type == telego.ChatTypeSupergroup
}

// HandleUpdate routes one update. Only group chats are served.
func (b *Bot) HandleUpdate(ctx context.Context, update telego.Update) {
	if update.MyChatMember != nil {
		b.handleMembership(ctx, update.MyChatMember)
		return
	}

	msg := update.Message
	if msg == nil || !isGroupChat(msg.Chat) {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}

	if strings.HasPrefix(text, "/") {
		command, args := parseCommand(text)
		b.HandleCommand(ctx, msg.Chat, command, args)
		return
	}
	if b.autoDetect {
		b.handlePlainMessage(ctx, msg.Chat, text)
	}
}

// handleMembership deactivates a group once the bot leaves it.
func (b *Bot) handleMembership(ctx context.Context, change *telego.ChatMemberUpdated) {
	if !isGroupChat(change.Chat) || change.NewChatMember == nil {
		return
	}
	switch change.NewChatMember.MemberStatus() {
	case telego.MemberStatusLeft, telego.MemberStatusBanned:
		if err := b.tracker.DeactivateGroup(ctx, change.Chat.ID); err != nil {
			b.appLogger.Error("Failed to deactivate group", zap.Int64("chatID", change.Chat.ID), zap.Error(err))
			return
		}
		b.appLogger.Info("Bot removed from group, group deactivated", zap.Int64("chatID", change.Chat.ID))
	case telego.MemberStatusMember, telego.MemberStatusAdministrator:
		if err := b.tracker.EnsureGroup(ctx, change.Chat.ID, change.Chat.Title); err != nil {
			b.appLogger.Error("Failed to register group", zap.Int64("chatID", change.Chat.ID), zap.Error(err))
		}
	}
}

// parseCommand splits "/track@SomeBot ABC" into ("track", "ABC").
func parseCommand(text string) (string, string) {
	head, args, _ := strings.Cut(text, " ")
	command := strings.TrimPrefix(head, "/")
	if at := strings.IndexByte(command, '@'); at >= 0 {
		command = command[:at]
	}
	return strings.ToLower(command), strings.TrimSpace(args)
}

func (b *Bot) reply(ctx context.Context, chatID int64, text string) {
	if err := b.replier.Deliver(ctx, chatID, text); err != nil {
		b.appLogger.Error("Failed to send reply message", zap.Int64("chatID", chatID), zap.Error(err))
	}
}

func isUserFacing(err error, targets ...error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
