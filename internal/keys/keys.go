// Package keys derives canonical cache keys and uniqueness keys.
// Symbols are upper-cased ASCII, dates are ISO-8601, and parameter
// fingerprints are byte-stable across semantically equal mappings.
package keys

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/stocklens/stocklens/internal/errs"
)

// Class names the cache key namespaces.
const (
	ClassOHLCV        = "ohlcv"
	ClassIndicators   = "indicators"
	ClassFundamentals = "fundamentals"
	ClassAnalyze      = "analyze"
	ClassFX           = "fx"
)

var symbolPattern = regexp.MustCompile(`^[A-Z0-9.\-]{1,10}$`)

// NormalizeSymbol upper-cases a ticker and validates its shape.
func NormalizeSymbol(symbol string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if !symbolPattern.MatchString(s) {
		return "", fmt.Errorf("%w: invalid symbol %q", errs.ErrValidation, symbol)
	}
	return s, nil
}

// DateKey renders a bar or indicator date as YYYY-MM-DD in UTC.
func DateKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// RangeKey renders a range boundary as RFC3339 UTC.
func RangeKey(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// ParamFingerprint canonically serializes a parameter mapping. Keys are
// sorted lexicographically, numbers are emitted without trailing zeros,
// booleans as true/false, and no insignificant whitespace is produced,
// so structurally equal mappings fingerprint byte-identically.
func ParamFingerprint(params map[string]any) string {
	if len(params) == 0 {
		return "{}"
	}
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteByte('{')
	for i, name := range names {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('"')
		b.WriteString(name)
		b.WriteString(`":`)
		b.WriteString(formatValue(params[name]))
	}
	b.WriteByte('}')
	return b.String()
}

// formatValue emits the shortest representation that round-trips.
func formatValue(v any) string {
	switch x := v.(type) {
	case bool:
		return strconv.FormatBool(x)
	case string:
		return strconv.Quote(x)
	case int:
		return strconv.FormatInt(int64(x), 10)
	case int64:
		return strconv.FormatInt(x, 10)
	case float32:
		return formatNumber(float64(x))
	case float64:
		return formatNumber(x)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func formatNumber(v float64) string {
	if v == float64(int64(v)) {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// Composite builds "{class}:{symbol}:{rangeStart}:{rangeEnd}" with an
// optional ":{fingerprint}" suffix. The class, symbol and date components
// contain no colons; a fingerprint may contain colons and is always the
// last segment.
func Composite(class, symbol string, start, end time.Time, fingerprint string) string {
	key := fmt.Sprintf("%s:%s:%s:%s", class, symbol, DateKey(start), DateKey(end))
	if fingerprint != "" {
		key += ":" + fingerprint
	}
	return key
}

// AnalysisKey is the cache key for a composite analysis response.
func AnalysisKey(symbol string) string {
	return ClassAnalyze + ":" + symbol
}

// FxKey is the cache key for an ordered currency pair.
func FxKey(from, to string) string {
	return fmt.Sprintf("%s:%s:%s", ClassFX, strings.ToUpper(from), strings.ToUpper(to))
}
