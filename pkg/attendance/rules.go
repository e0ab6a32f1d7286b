package attendance

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pulsehr/attendance-engine/pkg/config"
)

// WorkRules are the timing rules a day's punches are judged against
type WorkRules struct {
	shiftHour   int
	shiftMinute int
	Grace       time.Duration
	Standard    decimal.Decimal
	HalfDay     decimal.Decimal
	Tolerance   decimal.Decimal
	Location    *time.Location
}

// NewWorkRules builds rules from configuration
func NewWorkRules(cfg config.WorkRulesConfig) (*WorkRules, error) {
	shift, err := time.Parse("15:04", cfg.ShiftStart)
	if err != nil {
		return nil, fmt.Errorf("invalid shift start %q: %w", cfg.ShiftStart, err)
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", cfg.Timezone, err)
	}
	return &WorkRules{
		shiftHour:   shift.Hour(),
		shiftMinute: shift.Minute(),
		Grace:       time.Duration(cfg.GraceMinutes) * time.Minute,
		Standard:    decimal.NewFromFloat(cfg.StandardHours),
		HalfDay:     decimal.NewFromFloat(cfg.HalfDayThreshold),
		Tolerance:   decimal.NewFromInt(int64(cfg.ToleranceMinutes)).Div(decimal.NewFromInt(60)),
		Location:    loc,
	}, nil
}

// DateOf returns the calendar day a punch falls on, in the rules
// timezone
func (r *WorkRules) DateOf(ts time.Time) string {
	return ts.In(r.Location).Format("2006-01-02")
}

// ShiftStartOn returns the shift start instant for the given
// 2006-01-02 date
func (r *WorkRules) ShiftStartOn(date string) (time.Time, error) {
	day, err := time.ParseInLocation("2006-01-02", date, r.Location)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", date, err)
	}
	return time.Date(day.Year(), day.Month(), day.Day(), r.shiftHour, r.shiftMinute, 0, 0, r.Location), nil
}
