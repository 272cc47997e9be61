package normalize

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stocklens/stocklens/internal/errs"
	"github.com/stocklens/stocklens/internal/models"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func rawBar(date time.Time, o, h, l, c float64, v int64) models.Bar {
	return models.Bar{
		Date: date, Open: o, High: h, Low: l, Close: c, Volume: v,
		SplitRatio: 1.0, Currency: "USD",
	}
}

func TestNormalize_SplitAdjustment(t *testing.T) {
	bars := []models.Bar{
		rawBar(day(2024, 6, 7), 598, 606, 595, 600, 1000),
		rawBar(day(2024, 6, 11), 600, 610, 598, 605, 1200),
	}
	actions := []models.CorporateAction{
		{ActionDate: day(2024, 6, 10), ActionType: models.ActionSplit, SplitRatio: 4.0, DividendAmount: 0},
	}

	out, report, err := Normalize(bars, actions)
	require.NoError(t, err)
	require.True(t, report.OK())
	require.Len(t, out, 2)

	// The pre-split day is divided by the ratio with volume scaled up.
	assert.Equal(t, 150.0, out[0].Close)
	assert.Equal(t, 149.5, out[0].Open)
	assert.Equal(t, 151.5, out[0].High)
	assert.Equal(t, 148.75, out[0].Low)
	assert.Equal(t, int64(4000), out[0].Volume)
	assert.Equal(t, 4.0, out[0].SplitRatio)
	assert.Equal(t, 600.0, out[0].AdjustedClose)

	// The post-split day trades at the new price level untouched.
	assert.Equal(t, 605.0, out[1].Close)
	assert.Equal(t, int64(1200), out[1].Volume)
	assert.Equal(t, 1.0, out[1].SplitRatio)
}

func TestNormalize_Idempotent(t *testing.T) {
	bars := []models.Bar{
		rawBar(day(2024, 6, 7), 598, 606, 595, 600, 1000),
		rawBar(day(2024, 6, 11), 600, 610, 598, 605, 1200),
	}
	actions := []models.CorporateAction{
		{ActionDate: day(2024, 6, 10), ActionType: models.ActionSplit, SplitRatio: 4.0},
	}

	once, _, err := Normalize(bars, actions)
	require.NoError(t, err)
	twice, _, err := Normalize(once, actions)
	require.NoError(t, err)

	assert.Equal(t, once, twice)
}

func TestNormalize_Dividend(t *testing.T) {
	bars := []models.Bar{
		rawBar(day(2024, 3, 1), 100, 102, 99, 101, 500),
	}
	actions := []models.CorporateAction{
		{ActionDate: day(2024, 3, 15), ActionType: models.ActionDividend, SplitRatio: 1.0, DividendAmount: 0.24},
	}

	out, _, err := Normalize(bars, actions)
	require.NoError(t, err)

	// Dividends are recorded but never rescale prices or volume.
	assert.Equal(t, 101.0, out[0].Close)
	assert.Equal(t, int64(500), out[0].Volume)
	assert.Equal(t, 0.24, out[0].Dividend)
	assert.Equal(t, 1.0, out[0].SplitRatio)
}

func TestNormalize_RejectsInvalidBar(t *testing.T) {
	bars := []models.Bar{
		rawBar(day(2024, 1, 2), 100, 104, 99, 102, 500),
		rawBar(day(2024, 1, 3), 103, 104, 105, 104, 500), // low above high
	}

	out, report, err := Normalize(bars, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrDataQuality)
	assert.Nil(t, out)
	assert.NotEmpty(t, report.Errors)
}

func TestNormalize_RejectsNonPositiveClose(t *testing.T) {
	bars := []models.Bar{rawBar(day(2024, 1, 2), 0, 1, 0, 0, 100)}

	_, report, err := Normalize(bars, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrDataQuality)
	assert.NotEmpty(t, report.Errors)
}

func TestNormalize_CloseOutsideRangeIsWarning(t *testing.T) {
	bars := []models.Bar{
		rawBar(day(2024, 1, 2), 100, 104, 99, 104.5, 500), // close above high
	}

	out, report, err := Normalize(bars, nil)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.NotEmpty(t, report.Warnings)
}

func TestNormalize_RoundsToFourDecimals(t *testing.T) {
	bars := []models.Bar{
		rawBar(day(2024, 1, 2), 10, 10.5, 9.9, 10.12345, 300),
	}
	actions := []models.CorporateAction{
		{ActionDate: day(2024, 1, 5), ActionType: models.ActionSplit, SplitRatio: 3.0},
	}

	out, _, err := Normalize(bars, actions)
	require.NoError(t, err)
	assert.Equal(t, 3.3745, out[0].Close) // 10.12345/3 = 3.374483…
	assert.Equal(t, int64(900), out[0].Volume)
}

func TestRound4_HalfAwayFromZero(t *testing.T) {
	assert.Equal(t, 0.0001, Round4(0.00005))
	assert.Equal(t, -0.0001, Round4(-0.00005))
	assert.Equal(t, 1.2346, Round4(1.23455))
}

func TestNormalize_SortsUnorderedInput(t *testing.T) {
	bars := []models.Bar{
		rawBar(day(2024, 1, 3), 101, 103, 100, 102, 100),
		rawBar(day(2024, 1, 2), 100, 102, 99, 101, 100),
	}

	out, _, err := Normalize(bars, nil)
	require.NoError(t, err)
	assert.True(t, out[0].Date.Before(out[1].Date))
}

func TestNormalize_EmptyInput(t *testing.T) {
	out, report, err := Normalize(nil, nil)
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.True(t, report.OK())
}

func TestActionsBetween(t *testing.T) {
	actions := []models.CorporateAction{
		{ActionDate: day(2024, 1, 1), ActionType: models.ActionSplit, SplitRatio: 2},
		{ActionDate: day(2024, 6, 1), ActionType: models.ActionDividend, DividendAmount: 0.1},
		{ActionDate: day(2024, 12, 1), ActionType: models.ActionSplit, SplitRatio: 3},
	}

	got := ActionsBetween(actions, day(2024, 2, 1), day(2024, 11, 30))
	require.Len(t, got, 1)
	assert.Equal(t, models.ActionDividend, got[0].ActionType)
}
