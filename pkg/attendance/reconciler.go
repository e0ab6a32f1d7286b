package attendance

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var sixty = decimal.NewFromInt(60)

// Reconciler folds time-ordered punches into attendance records
type Reconciler struct {
	rules  *WorkRules
	logger *zap.Logger
}

// NewReconciler creates a reconciler with the given work rules
func NewReconciler(rules *WorkRules, logger *zap.Logger) *Reconciler {
	return &Reconciler{rules: rules, logger: logger}
}

// Rules returns the work rules the reconciler judges against
func (r *Reconciler) Rules() *WorkRules {
	return r.rules
}

// Reconcile folds one employee's punches for one calendar day into the
// existing record (nil when none exists yet). Punches must be sorted
// ascending by timestamp and belong to the same employee and date.
//
// The returned bool reports whether the record changed. Punches whose
// keys are already applied are ignored, so re-applying the same batch
// is a no-op. This is the idempotency contract the pipeline depends on.
func (r *Reconciler) Reconcile(existing *Record, employeeID, date string, punches []PunchEvent) (*Record, bool) {
	fresh := punches[:0:0]
	for _, p := range punches {
		if existing == nil || !existing.HasKey(p.Key()) {
			fresh = append(fresh, p)
		}
	}
	if len(fresh) == 0 {
		if existing != nil {
			return existing, false
		}
		// Zero punches: an explicit absent record
		return &Record{
			EmployeeID: employeeID,
			Date:       date,
			Status:     StatusAbsent,
			DayStatus:  DayStatusAbsent,
			TotalHours: decimal.Zero,
		}, true
	}

	record := existing.Clone()
	if record == nil {
		record = &Record{EmployeeID: employeeID, Date: date}
	}

	checkIn, checkOut, tagged := pairPunches(fresh)
	merged := record.CheckIn != nil || record.CheckOut != nil
	record.Heuristic = record.Heuristic || !tagged || merged

	if !merged {
		record.CheckIn = checkIn
		record.CheckOut = checkOut
	} else {
		// Merging across batches falls back to earliest-in/latest-out
		// over everything seen for the day.
		var times []time.Time
		for _, t := range []*time.Time{record.CheckIn, record.CheckOut, checkIn, checkOut} {
			if t != nil {
				times = append(times, *t)
			}
		}
		sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
		first, last := times[0], times[len(times)-1]
		record.CheckIn = &first
		record.CheckOut = nil
		if last.After(first) {
			record.CheckOut = &last
		}
	}

	for _, p := range fresh {
		record.AppliedKeys = append(record.AppliedKeys, p.Key())
	}
	sort.Strings(record.AppliedKeys)
	record.SourceTerminal = fresh[len(fresh)-1].TerminalID

	r.classify(record)
	return record, true
}

// pairPunches assigns check-in/check-out from one batch. Tags are used
// when every punch carries one and they alternate starting with "in";
// otherwise the first/last heuristic applies and the caller flags the
// record for it.
func pairPunches(punches []PunchEvent) (checkIn, checkOut *time.Time, tagged bool) {
	if tagsConsistent(punches) {
		for i := range punches {
			p := punches[i]
			if p.Direction == DirectionIn && checkIn == nil {
				t := p.Timestamp
				checkIn = &t
			}
			if p.Direction == DirectionOut {
				t := p.Timestamp
				checkOut = &t
			}
		}
		return checkIn, checkOut, true
	}

	first := punches[0].Timestamp
	checkIn = &first
	if len(punches) > 1 {
		last := punches[len(punches)-1].Timestamp
		checkOut = &last
	}
	return checkIn, checkOut, false
}

// tagsConsistent reports whether every punch is tagged and the tags
// alternate in/out starting with in
func tagsConsistent(punches []PunchEvent) bool {
	want := DirectionIn
	for _, p := range punches {
		if p.Direction != want {
			return false
		}
		if want == DirectionIn {
			want = DirectionOut
		} else {
			want = DirectionIn
		}
	}
	return true
}

// classify computes hours, lateness and day status from the paired
// check-in/check-out
func (r *Reconciler) classify(record *Record) {
	record.Status = StatusPresent
	record.TotalHours = decimal.Zero
	record.IsLate = false
	record.LateMinutes = 0

	if record.CheckIn != nil && record.CheckOut != nil {
		minutes := int64(record.CheckOut.Sub(*record.CheckIn) / time.Minute)
		record.TotalHours = decimal.NewFromInt(minutes).Div(sixty).Round(2)
	}

	switch {
	case len(record.AppliedKeys) == 0:
		record.Status = StatusAbsent
		record.DayStatus = DayStatusAbsent
	case len(record.AppliedKeys) == 1 || record.CheckOut == nil:
		// One punch only: never silently "present" for the full day
		record.DayStatus = DayStatusIncomplete
	case record.TotalHours.GreaterThanOrEqual(r.rules.Standard.Sub(r.rules.Tolerance)):
		record.DayStatus = DayStatusComplete
	case record.TotalHours.GreaterThanOrEqual(r.rules.HalfDay):
		record.DayStatus = DayStatusHalf
	default:
		record.DayStatus = DayStatusIncomplete
	}

	if record.CheckIn != nil {
		shiftStart, err := r.rules.ShiftStartOn(record.Date)
		if err != nil {
			r.logger.Warn("Cannot compute lateness",
				zap.String("employee_id", record.EmployeeID),
				zap.String("date", record.Date),
				zap.Error(err))
			return
		}
		graceEnd := shiftStart.Add(r.rules.Grace)
		if record.CheckIn.After(graceEnd) {
			record.IsLate = true
			record.LateMinutes = int(record.CheckIn.Sub(graceEnd) / time.Minute)
		}
	}
}
