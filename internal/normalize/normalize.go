// Package normalize converts raw upstream bars into the canonical,
// adjustment-consistent sequence the store accepts.
package normalize

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/stocklens/stocklens/internal/errs"
	"github.com/stocklens/stocklens/internal/models"
)

// Report collects validation findings for one batch. Any error fails
// the whole batch; warnings are logged and kept.
type Report struct {
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// OK reports whether the batch passed validation.
func (r Report) OK() bool { return len(r.Errors) == 0 }

// Round4 rounds to four decimals, half away from zero.
func Round4(x float64) float64 {
	return math.Round(x*10000) / 10000
}

// Normalize applies corporate-action adjustments to raw bars and
// validates the result. Each bar takes only the nearest action strictly
// after its date: when that action is a split, the bar's prices are
// divided by the split ratio and its volume scaled up; when it is a
// dividend, or no action follows, prices are left as traded. Actions
// beyond the nearest one are not applied to the bar. adjusted_close holds
// the raw close.
//
// Running the pipeline again over its own output is the identity: a bar
// already carrying the applicable split ratio is recognized as adjusted
// and passed through, keeping its adjusted_close. The split arithmetic
// never reads adjusted_close from its inputs.
func Normalize(raw []models.Bar, actions []models.CorporateAction) ([]models.Bar, Report, error) {
	report := Report{}
	if len(raw) == 0 {
		return []models.Bar{}, report, nil
	}

	sorted := make([]models.CorporateAction, len(actions))
	copy(sorted, actions)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].ActionDate.Before(sorted[j].ActionDate)
	})

	bars := make([]models.Bar, len(raw))
	copy(bars, raw)
	sort.Slice(bars, func(i, j int) bool {
		return bars[i].Date.Before(bars[j].Date)
	})

	// idx tracks the earliest action still ahead of the current bar;
	// bars are ascending so it only advances.
	idx := 0
	out := make([]models.Bar, 0, len(bars))
	for _, b := range bars {
		for idx < len(sorted) && !sorted[idx].ActionDate.After(b.Date) {
			idx++
		}

		n := b
		n.AdjustedClose = Round4(b.Close)
		n.SplitRatio = 1.0
		n.Dividend = 0.0

		if idx < len(sorted) {
			action := sorted[idx]
			switch action.ActionType {
			case models.ActionSplit:
				if b.SplitRatio == action.SplitRatio {
					// Already adjusted for this action.
					n.SplitRatio = b.SplitRatio
					n.Open, n.High, n.Low, n.Close = Round4(b.Open), Round4(b.High), Round4(b.Low), Round4(b.Close)
					n.AdjustedClose = Round4(b.AdjustedClose)
					if n.AdjustedClose == 0 {
						n.AdjustedClose = Round4(b.Close)
					}
				} else if action.SplitRatio > 0 {
					n.Open = Round4(b.Open / action.SplitRatio)
					n.High = Round4(b.High / action.SplitRatio)
					n.Low = Round4(b.Low / action.SplitRatio)
					n.Close = Round4(b.Close / action.SplitRatio)
					n.Volume = int64(math.Floor(float64(b.Volume) * action.SplitRatio))
					n.SplitRatio = action.SplitRatio
				}
			case models.ActionDividend:
				// Dividends leave prices and volume as traded.
				n.Open, n.High, n.Low, n.Close = Round4(b.Open), Round4(b.High), Round4(b.Low), Round4(b.Close)
				n.Dividend = action.DividendAmount
			}
		} else {
			n.Open, n.High, n.Low, n.Close = Round4(b.Open), Round4(b.High), Round4(b.Low), Round4(b.Close)
		}

		validate(&report, n)
		out = append(out, n)
	}

	if !report.OK() {
		return nil, report, fmt.Errorf("%w: %d invalid bars in batch", errs.ErrDataQuality, len(report.Errors))
	}
	return out, report, nil
}

func validate(report *Report, b models.Bar) {
	day := b.Date.UTC().Format("2006-01-02")

	if b.Low > b.High {
		report.Errors = append(report.Errors, fmt.Sprintf("%s: low %.4f above high %.4f", day, b.Low, b.High))
	}
	if b.Open < 0 || b.High < 0 || b.Low < 0 || b.Close < 0 {
		report.Errors = append(report.Errors, fmt.Sprintf("%s: negative price", day))
	}
	if b.Close <= 0 {
		report.Errors = append(report.Errors, fmt.Sprintf("%s: close %.4f not positive", day, b.Close))
	}
	if b.Volume < 0 {
		report.Errors = append(report.Errors, fmt.Sprintf("%s: negative volume %d", day, b.Volume))
	}
	if b.SplitRatio <= 0 {
		report.Errors = append(report.Errors, fmt.Sprintf("%s: split ratio %.4f not positive", day, b.SplitRatio))
	}
	if b.Low <= b.High && (b.Close < b.Low || b.Close > b.High) {
		report.Warnings = append(report.Warnings, fmt.Sprintf("%s: close %.4f outside [low, high]", day, b.Close))
	}
	if b.Low <= b.High && (b.Open < b.Low || b.Open > b.High) {
		report.Warnings = append(report.Warnings, fmt.Sprintf("%s: open %.4f outside [low, high]", day, b.Open))
	}
}

// ActionsBetween filters actions inside [start, end]; helper for
// windowed refetches.
func ActionsBetween(actions []models.CorporateAction, start, end time.Time) []models.CorporateAction {
	out := make([]models.CorporateAction, 0, len(actions))
	for _, a := range actions {
		if !a.ActionDate.Before(start) && !a.ActionDate.After(end) {
			out = append(out, a)
		}
	}
	return out
}
