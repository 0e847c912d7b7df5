package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"ca-tracker/agent/internal/models"
	"ca-tracker/agent/internal/services"
	"ca-tracker/agent/internal/tracker"
	"ca-tracker/shared/utils"

	"github.com/mymmrac/telego"
	"go.uber.org/zap"
)

// maxReplyLength stays under Telegram's 4096 character message limit.
const maxReplyLength = 4000

const helpText = `*Token tracker commands*
/track {contract} - Start tracking a token in this group.
/remove {contract} - Stop tracking a token.
/list - Show tracked tokens and their multipliers.
/stats - Show this group's tracking statistics.
/help - Show this help message.

Posting a contract address in the chat also starts tracking it.`

func (b *Bot) HandleCommand(ctx context.Context, chat telego.Chat, command, args string) {
	b.appLogger.Info("Processing command",
		zap.String("command", command),
		zap.String("args", args),
		zap.Int64("chatID", chat.ID))

	switch command {
	case "track", "add":
		b.ensureGroup(ctx, chat)
		b.handleTrackCommand(ctx, chat.ID, args)
	case "remove", "untrack":
		b.handleRemoveCommand(ctx, chat.ID, args)
	case "list":
		b.handleListCommand(ctx, chat.ID)
	case "stats":
		b.handleStatsCommand(ctx, chat.ID)
	case "start", "help":
		b.ensureGroup(ctx, chat)
		b.reply(ctx, chat.ID, helpText)
	default:
		// other bots in the group share the command namespace
		b.appLogger.Debug("Ignoring unknown command", zap.String("command", command))
	}
}

func (b *Bot) ensureGroup(ctx context.Context, chat telego.Chat) {
	if err := b.tracker.EnsureGroup(ctx, chat.ID, chat.Title); err != nil {
		b.appLogger.Error("Failed to register group", zap.Int64("chatID", chat.ID), zap.Error(err))
	}
}

func (b *Bot) handleTrackCommand(ctx context.Context, chatID int64, args string) {
	fields := strings.Fields(args)
	if len(fields) == 0 {
		b.reply(ctx, chatID, "Usage: /track {contract-address}")
		return
	}
	contractID, err := services.ValidateContractAddress(fields[0])
	if err != nil {
		b.reply(ctx, chatID, fmt.Sprintf("❌ `%s` is not a valid token contract address.", utils.EscapeMarkdown(fields[0])))
		return
	}

	token, err := b.tracker.RegisterToken(ctx, contractID, chatID)
	if err != nil {
		b.reply(ctx, chatID, registrationFailureText(contractID, err))
		if !isUserFacing(err, tracker.ErrAlreadyTracked, tracker.ErrNoMarketData, tracker.ErrGroupLimitReached) {
			b.appLogger.Warn("Track command failed", zap.String("contract", contractID), zap.Int64("chatID", chatID), zap.Error(err))
		}
		return
	}
	b.reply(ctx, chatID, trackedText(token))
}

func (b *Bot) handlePlainMessage(ctx context.Context, chat telego.Chat, text string) {
	for _, contractID := range services.ExtractContractAddresses(text) {
		token, err := b.tracker.RegisterToken(ctx, contractID, chat.ID)
		if err != nil {
			// already tracked or unknown mints are common in chat, stay quiet
			b.appLogger.Debug("Auto-track skipped", zap.String("contract", contractID), zap.Int64("chatID", chat.ID), zap.Error(err))
			continue
		}
		b.reply(ctx, chat.ID, trackedText(token))
	}
}

func registrationFailureText(contractID string, err error) string {
	switch {
	case errors.Is(err, tracker.ErrAlreadyTracked):
		return fmt.Sprintf("⚠️ Token `%s` is already tracked in this group.", contractID)
	case errors.Is(err, tracker.ErrNoMarketData):
		return fmt.Sprintf("❌ No market data found for `%s`.", contractID)
	case errors.Is(err, tracker.ErrProviderTimeout):
		return "⏳ Price providers are not responding right now. Try again in a minute."
	case errors.Is(err, tracker.ErrGroupLimitReached):
		return "🚫 This group already tracks the maximum number of tokens. Remove one with /remove first."
	default:
		return fmt.Sprintf("❌ Could not start tracking `%s`. Please try again later.", contractID)
	}
}

func trackedText(t *models.TrackedToken) string {
	return fmt.Sprintf("✅ Now tracking *%s*\n📊 *MCap*: %s\n💰 *Price*: %s\n💧 *Liquidity*: %s\n🔗 `%s`",
		utils.EscapeMarkdown(t.Symbol),
		utils.FormatUSD(t.InitialMcap),
		utils.FormatPrice(t.InitialPrice),
		utils.FormatUSD(t.LiquidityUSD),
		t.ContractID)
}

func (b *Bot) handleRemoveCommand(ctx context.Context, chatID int64, args string) {
	contractID := strings.TrimSpace(args)
	if contractID == "" {
		b.reply(ctx, chatID, "Usage: /remove {contract-address}")
		return
	}

	err := b.tracker.RemoveToken(ctx, contractID, chatID)
	switch {
	case errors.Is(err, tracker.ErrNotTracked):
		b.reply(ctx, chatID, fmt.Sprintf("Token `%s` is not tracked in this group.", utils.EscapeMarkdown(contractID)))
	case err != nil:
		b.appLogger.Error("Remove command failed", zap.String("contract", contractID), zap.Int64("chatID", chatID), zap.Error(err))
		b.reply(ctx, chatID, "An error occurred while removing the token.")
	default:
		b.reply(ctx, chatID, fmt.Sprintf("🗑️ Stopped tracking `%s`.", utils.EscapeMarkdown(contractID)))
	}
}

func (b *Bot) handleListCommand(ctx context.Context, chatID int64) {
	tokens, err := b.tracker.ListTokens(ctx, chatID)
	if err != nil {
		b.appLogger.Error("List command failed", zap.Int64("chatID", chatID), zap.Error(err))
		b.reply(ctx, chatID, "An error occurred while listing tokens.")
		return
	}
	if len(tokens) == 0 {
		b.reply(ctx, chatID, "No tokens are tracked in this group yet. Use /track {contract-address}.")
		return
	}

	lines := make([]string, 0, len(tokens)+1)
	lines = append(lines, fmt.Sprintf("📋 *Tracked tokens* (%d)\n", len(tokens)))
	for i, t := range tokens {
		lines = append(lines, fmt.Sprintf("%d. *%s* %.2fx | MCap %s\n`%s`",
			i+1, utils.EscapeMarkdown(t.Symbol), t.Multiplier(), utils.FormatCompactUSD(t.CurrentMcap), t.ContractID))
	}
	for _, chunk := range chunkLines(lines, maxReplyLength) {
		b.reply(ctx, chatID, chunk)
	}
}

func (b *Bot) handleStatsCommand(ctx context.Context, chatID int64) {
	stats, err := b.tracker.GetGroupStatistics(ctx, chatID)
	if err != nil {
		b.appLogger.Error("Stats command failed", zap.Int64("chatID", chatID), zap.Error(err))
		b.reply(ctx, chatID, "An error occurred while computing statistics.")
		return
	}

	var sb strings.Builder
	sb.WriteString("📊 *Group statistics*\n\n")
	fmt.Fprintf(&sb, "🎯 Active tokens: %d\n", stats.TotalActive)
	fmt.Fprintf(&sb, "📈 Gaining: %d\n", stats.GainingTokens)
	fmt.Fprintf(&sb, "📉 Losing: %d\n", stats.LosingTokens)
	fmt.Fprintf(&sb, "🗑️ Removed: %d\n", stats.RemovedTokens)
	fmt.Fprintf(&sb, "🚨 Alerts sent: %d\n", stats.AlertsSent)
	if stats.BestSymbol != "" {
		fmt.Fprintf(&sb, "🏆 Best performer: *%s* %.2fx\n", utils.EscapeMarkdown(stats.BestSymbol), stats.BestMultiplier)
	}
	b.reply(ctx, chatID, sb.String())
}

// chunkLines joins lines with newlines into messages no longer than limit.
func chunkLines(lines []string, limit int) []string {
	var (
		chunks []string
		sb     strings.Builder
	)
	for _, line := range lines {
		if sb.Len() > 0 && sb.Len()+len(line)+1 > limit {
			chunks = append(chunks, sb.String())
			sb.Reset()
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(line)
	}
	if sb.Len() > 0 {
		chunks = append(chunks, sb.String())
	}
	return chunks
}
