package tracker

import (
	"fmt"
	"math"
	"strings"

	"ca-tracker/agent/internal/models"
	"ca-tracker/shared/utils"
)

func tokenHeader(sb *strings.Builder, t *models.TrackedToken) {
	symbol := t.Symbol
	if symbol == "" {
		symbol = "UNKNOWN"
	}
	fmt.Fprintf(sb, "🪙 *%s*", utils.EscapeMarkdown(symbol))
	if t.Name != "" {
		fmt.Fprintf(sb, " (%s)", utils.EscapeMarkdown(t.Name))
	}
	sb.WriteString("\n")
}

func tokenFooter(sb *strings.Builder, t *models.TrackedToken) {
	fmt.Fprintf(sb, "\n🔗 `%s`", t.ContractID)
	if !t.LastObservedAt.IsZero() {
		fmt.Fprintf(sb, "\n⏰ %s UTC", t.LastObservedAt.UTC().Format("2006-01-02 15:04:05"))
	}
}

// MultiplierAlert is the message for one crossed multiplier level.
func MultiplierAlert(t *models.TrackedToken, level float64) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "🚨 *%sx MULTIPLIER ALERT* 🚨\n\n", utils.FormatLevel(level))
	tokenHeader(&sb, t)
	fmt.Fprintf(&sb, "💰 *Price*: %s\n", utils.FormatPrice(t.CurrentPrice))
	fmt.Fprintf(&sb, "📊 *MCap*: %s\n", utils.FormatUSD(t.CurrentMcap))
	fmt.Fprintf(&sb, "📈 *Multiplier*: %.2fx\n", t.Multiplier())
	fmt.Fprintf(&sb, "🏁 *Baseline MCap*: %s\n", utils.FormatUSD(t.BaselineMcap))
	fmt.Fprintf(&sb, "🏔️ *ATH MCap*: %s\n", utils.FormatUSD(t.HighestMcap))
	tokenFooter(&sb, t)
	return sb.String()
}

// LossAlert is the message for one crossed loss level.
func LossAlert(t *models.TrackedToken, level float64) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "🔻 *%s%% LOSS ALERT* 🔻\n\n", utils.FormatLevel(math.Abs(level)))
	tokenHeader(&sb, t)
	fmt.Fprintf(&sb, "💰 *Price*: %s\n", utils.FormatPrice(t.CurrentPrice))
	fmt.Fprintf(&sb, "📊 *MCap*: %s\n", utils.FormatUSD(t.CurrentMcap))
	fmt.Fprintf(&sb, "📉 *Change*: %s\n", utils.FormatPercent(t.LossPercent()))
	fmt.Fprintf(&sb, "🏁 *Baseline MCap*: %s\n", utils.FormatUSD(t.BaselineMcap))
	tokenFooter(&sb, t)
	return sb.String()
}

// RugAlert warns that a token collapsed past the rug level.
func RugAlert(t *models.TrackedToken, rugLevel float64) string {
	var sb strings.Builder
	sb.WriteString("☠️ *POTENTIAL RUG DETECTED* ☠️\n\n")
	tokenHeader(&sb, t)
	fmt.Fprintf(&sb, "📉 *Change*: %s (rug level %s%%)\n", utils.FormatPercent(t.LossPercent()), utils.FormatLevel(rugLevel))
	fmt.Fprintf(&sb, "📊 *MCap*: %s\n", utils.FormatUSD(t.CurrentMcap))
	fmt.Fprintf(&sb, "💧 *Liquidity*: %s\n", utils.FormatUSD(t.LiquidityUSD))
	fmt.Fprintf(&sb, "🏔️ *ATH MCap*: %s\n", utils.FormatUSD(t.HighestMcap))
	tokenFooter(&sb, t)
	return sb.String()
}

// RemovalNotice tells the group a row was retired by the lifecycle sweep.
func RemovalNotice(t *models.TrackedToken, status models.Status, cfg Config) string {
	var sb strings.Builder
	sb.WriteString("🗑️ *AUTO-REMOVED TOKEN*\n\n")
	tokenHeader(&sb, t)

	switch status {
	case models.StatusAutoRemovedLoss:
		fmt.Fprintf(&sb, "📉 *Change*: %s\n", utils.FormatPercent(t.LossPercent()))
		fmt.Fprintf(&sb, "📊 *MCap*: %s (baseline %s)\n", utils.FormatUSD(t.CurrentMcap), utils.FormatUSD(t.BaselineMcap))
		fmt.Fprintf(&sb, "\n⚠️ Removed after falling below %s%% of its baseline.", utils.FormatLevel(cfg.AutoRemoveLoss))
	case models.StatusAutoRemovedLiquidity:
		fmt.Fprintf(&sb, "💧 *Liquidity*: %s\n", utils.FormatUSD(t.LiquidityUSD))
		fmt.Fprintf(&sb, "📊 *MCap*: %s\n", utils.FormatUSD(t.CurrentMcap))
		fmt.Fprintf(&sb, "\n⚠️ Removed because liquidity dropped under %s.", utils.FormatUSD(cfg.LiquidityFloorUSD))
	case models.StatusDelisted:
		fmt.Fprintf(&sb, "📊 *Last MCap*: %s\n", utils.FormatUSD(t.CurrentMcap))
		fmt.Fprintf(&sb, "\n⚠️ Removed after %d checks without market data.", cfg.DelistAfterMisses)
	}
	sb.WriteString("\n")
	tokenFooter(&sb, t)
	return sb.String()
}
