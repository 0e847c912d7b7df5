package utils

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
)

// FormatUSD renders a whole-dollar amount with thousands separators, e.g. "$1,250,000".
func FormatUSD(v float64) string {
	if v < 0 {
		return "-$" + humanize.Commaf(math.Round(-v))
	}
	return "$" + humanize.Commaf(math.Round(v))
}

// FormatCompactUSD renders large amounts with an SI suffix, e.g. "$2.5M".
func FormatCompactUSD(v float64) string {
	if math.Abs(v) < 1000 {
		return FormatUSD(v)
	}
	value, suffix := humanize.ComputeSI(v)
	return "$" + strconv.FormatFloat(math.Round(value*10)/10, 'f', -1, 64) + strings.ToUpper(suffix)
}

// FormatPrice keeps sub-cent token prices readable.
func FormatPrice(v float64) string {
	switch {
	case v == 0:
		return "$0"
	case v >= 1:
		return fmt.Sprintf("$%.4f", v)
	default:
		return fmt.Sprintf("$%.8f", v)
	}
}

// FormatPercent renders a signed percentage with one decimal.
func FormatPercent(v float64) string {
	return fmt.Sprintf("%+.1f%%", v)
}

// FormatLevel renders a configured threshold level without trailing zeros.
func FormatLevel(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

var markdownEscaper = strings.NewReplacer("_", "\\_", "*", "\\*", "`", "\\`", "[", "\\[")

// EscapeMarkdown escapes user-provided text for Telegram's legacy Markdown mode.
func EscapeMarkdown(s string) string {
	return markdownEscaper.Replace(s)
}
