package extract

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/JakeFAU/listing-monitor/internal/monitor"
)

var (
	numberPattern    = regexp.MustCompile(`\d[\d.,\x{00a0}\x{202f}']*\d|\d`)
	seeTopPattern    = regexp.MustCompile(`(?i)\(\s*see top[^)]*\)`)
	rankPartPattern  = regexp.MustCompile(`(?i)#?\s*(\d[\d.,]*)\s+in\s+([^()#\n]+)`)
	lowStockPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)only\s+(\d+)\s+left\s+in\s+stock`),
		regexp.MustCompile(`(?i)(\d+)\s+left\s+in\s+stock`),
		regexp.MustCompile(`(?i)only\s+(\d+)\s+(?:in stock|available)`),
		regexp.MustCompile(`(?i)(?:^|\s)(\d+)\s+(?:in stock|available)`),
	}
	outOfStockPhrases = []string{
		"currently unavailable",
		"out of stock",
		"no longer available",
		"not available",
	}
	inStockPhrases = []string{
		"in stock",
		"available to ship",
		"usually ships within",
	}
	couponPattern = regexp.MustCompile(`(\d+(?:[.,]\d+)?\s*%|[$€£¥]\s?\d+(?:[.,]\d{1,2})?)`)
)

// ParseDecimal parses the first number in text, tolerating currency symbols,
// thousands separators and either '.' or ',' as the decimal mark.
func ParseDecimal(text string) (decimal.Decimal, bool) {
	token := numberPattern.FindString(text)
	if token == "" {
		return decimal.Decimal{}, false
	}
	token = strings.NewReplacer("\u00a0", "", "\u202f", "", "'", "").Replace(token)

	lastDot := strings.LastIndexByte(token, '.')
	lastComma := strings.LastIndexByte(token, ',')
	var normalized string
	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastDot > lastComma {
			normalized = strings.ReplaceAll(token, ",", "")
		} else {
			normalized = strings.ReplaceAll(token, ".", "")
			normalized = strings.Replace(normalized, ",", ".", 1)
		}
	case lastComma >= 0:
		normalized = resolveSingleSeparator(token, ",")
	case lastDot >= 0:
		normalized = resolveSingleSeparator(token, ".")
	default:
		normalized = token
	}

	d, err := decimal.NewFromString(normalized)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d, true
}

// resolveSingleSeparator treats sep as the decimal mark when it occurs once and
// is followed by one or two digits, and as a thousands separator otherwise.
func resolveSingleSeparator(token, sep string) string {
	if strings.Count(token, sep) == 1 {
		idx := strings.Index(token, sep)
		if digits := len(token) - idx - 1; digits == 1 || digits == 2 {
			return strings.Replace(token, sep, ".", 1)
		}
	}
	return strings.ReplaceAll(token, sep, "")
}

// ParseCount parses the first integer in text, ignoring grouping separators.
func ParseCount(text string) (int, bool) {
	token := numberPattern.FindString(text)
	if token == "" {
		return 0, false
	}
	token = strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, token)
	n, err := strconv.Atoi(token)
	if err != nil {
		return 0, false
	}
	return n, true
}

// ParseRank splits "12 in Kitchen (3 in Burr Grinders)" into primary and
// secondary components. It returns nil when no primary rank parses.
func ParseRank(text string) *monitor.Rank {
	cleaned := seeTopPattern.ReplaceAllString(text, " ")
	parts := rankPartPattern.FindAllStringSubmatch(cleaned, 2)
	if len(parts) == 0 {
		return nil
	}
	position, ok := parseRankNumber(parts[0][1])
	if !ok {
		return nil
	}
	rank := &monitor.Rank{Position: position, Category: cleanCategory(parts[0][2])}
	if len(parts) > 1 {
		if sub, ok := parseRankNumber(parts[1][1]); ok {
			rank.SubPosition = &sub
			rank.SubCategory = cleanCategory(parts[1][2])
		}
	}
	return rank
}

func parseRankNumber(raw string) (int, bool) {
	digits := strings.NewReplacer(",", "", ".", "").Replace(raw)
	n, err := strconv.Atoi(digits)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

func cleanCategory(raw string) string {
	return strings.Trim(strings.Join(strings.Fields(raw), " "), " :;,.")
}

// ParseInventory maps availability text onto the tri-state inventory signal.
// Text without any recognizable indicator yields the unknown state, which is
// distinct from in stock without a count.
func ParseInventory(text string) monitor.Inventory {
	lower := strings.ToLower(strings.Join(strings.Fields(text), " "))
	if lower == "" {
		return monitor.UnknownInventory()
	}
	for _, p := range lowStockPatterns {
		if m := p.FindStringSubmatch(lower); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil {
				return monitor.QuantityInventory(n)
			}
		}
	}
	for _, phrase := range outOfStockPhrases {
		if strings.Contains(lower, phrase) {
			return monitor.QuantityInventory(0)
		}
	}
	for _, phrase := range inStockPhrases {
		if strings.Contains(lower, phrase) {
			return monitor.InStockInventory()
		}
	}
	return monitor.UnknownInventory()
}

// ParseCoupon extracts a coupon amount such as "$5.00" or "10%".
func ParseCoupon(text string) (string, bool) {
	m := couponPattern.FindString(text)
	if m == "" {
		return "", false
	}
	return strings.ReplaceAll(m, " ", ""), true
}

var (
	fiveStars = decimal.NewFromInt(5)
	twoStars  = decimal.NewFromInt(2)
)
