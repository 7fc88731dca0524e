package ranksync

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// 1234 -> 1.2K, 2000000 -> 2M
func FormatCount(n int64) string {
	abs := n
	if abs < 0 {
		abs = -abs
	}
	compact := func(div float64, suffix string) string {
		s := strconv.FormatFloat(float64(n)/div, 'f', 1, 64)
		return strings.TrimSuffix(s, ".0") + suffix
	}
	switch {
	case 1e9 <= abs:
		return compact(1e9, "B")
	case 1e6 <= abs:
		return compact(1e6, "M")
	case 1e3 <= abs:
		return compact(1e3, "K")
	default:
		return strconv.FormatInt(n, 10)
	}
}

func FormatCommas(n int64) string {
	return humanize.Comma(n)
}

func FormatPercentage(v float64, decimals int) string {
	return fmt.Sprintf("%.*f%%", decimals, v)
}

func FormatRelativeTime(t time.Time, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	if now.Sub(t) < time.Minute {
		return "just now"
	}
	return humanize.RelTime(t, now, "ago", "from now")
}
