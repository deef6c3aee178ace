package main

import (
	"net/http"
	"time"

	"github.com/stacknerd/msghub/internal/config"
	"github.com/stacknerd/msghub/internal/constants"
	"github.com/stacknerd/msghub/internal/metrics"
	"github.com/stacknerd/msghub/internal/notify"
)

// quietHoursFunc builds a notify.QuietHoursFunc from the daily HH:MM
// window in qh. Both clock strings were already validated by
// config.Config.Validate, so parse errors here are unreachable.
func quietHoursFunc(qh config.QuietHours) notify.QuietHoursFunc {
	start, _ := time.Parse("15:04", qh.Start)
	end, _ := time.Parse("15:04", qh.End)
	startOfs := time.Duration(start.Hour())*time.Hour + time.Duration(start.Minute())*time.Minute
	endOfs := time.Duration(end.Hour())*time.Hour + time.Duration(end.Minute())*time.Minute
	minLevel := constants.Level(qh.MinLevel)

	return func(now time.Time) (bool, constants.Level) {
		midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		ofs := now.Sub(midnight)
		var active bool
		if startOfs <= endOfs {
			active = ofs >= startOfs && ofs < endOfs
		} else {
			// window wraps past midnight, e.g. 22:00-07:00
			active = ofs >= startOfs || ofs < endOfs
		}
		return active, minLevel
	}
}

func metricsHandlerFunc() http.Handler {
	return metrics.Handler()
}
