package engine

import (
	"go.uber.org/zap"

	"github.com/pulsehr/attendance-engine/pkg/attendance"
)

// logSink is the default outbound event sink: it only logs. Real
// consumers plug in their own RecordSink.
type logSink struct {
	logger *zap.Logger
}

// NewLogSink creates a sink that logs upserted records
func NewLogSink(logger *zap.Logger) RecordSink {
	return &logSink{logger: logger}
}

func (s *logSink) RecordUpserted(record *attendance.Record) {
	s.logger.Info("Attendance record upserted",
		zap.String("employee_id", record.EmployeeID),
		zap.String("date", record.Date),
		zap.String("day_status", string(record.DayStatus)),
		zap.String("total_hours", record.TotalHours.String()),
		zap.Bool("is_late", record.IsLate))
}
