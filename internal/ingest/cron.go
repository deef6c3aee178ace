package ingest

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser validates and parses the standard 5-field cron format
// ("minute hour dom month dow"), the same shape
// automation.Service.parseNextCronExecution hand-rolls for a single
// common case; here producers get the full grammar robfig/cron
// implements instead of a partial reimplementation.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// NextNotifyAt resolves a cron expression against after and returns
// the next occurrence as a ms-epoch timestamp, for producers that
// template a message's timing.notifyAt recurrence from a cron string
// (e.g. "appointment every weekday at 08:00" -> "0 8 * * 1-5") instead
// of a literal remindEvery interval.
func NextNotifyAt(cronExpr string, after time.Time) (int64, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return 0, fmt.Errorf("ingest: invalid cron expression %q: %w", cronExpr, err)
	}
	return sched.Next(after).UnixMilli(), nil
}
