package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	. "github.com/smartystreets/goconvey/convey"
)

func TestMetrics(t *testing.T) {
	Convey("Given a Metrics instance", t, func() {
		m := New()

		Convey("When recording a completed backup", func() {
			m.ObserveBackup("MANUAL", "COMPLETED", 2*time.Second, 1024)

			Convey("It should count it and keep the size", func() {
				So(testutil.ToFloat64(m.backupsTotal.WithLabelValues("MANUAL", "COMPLETED")), ShouldEqual, 1)
				So(testutil.ToFloat64(m.backupSize), ShouldEqual, 1024)
			})
		})

		Convey("When recording supervisor activity", func() {
			m.SupervisorCheck("restarted")
			m.SupervisorRestart()
			m.RetentionDeleted(0)
			m.RetentionDeleted(3)

			Convey("It should update the counters", func() {
				So(testutil.ToFloat64(m.supervisorChecks.WithLabelValues("restarted")), ShouldEqual, 1)
				So(testutil.ToFloat64(m.supervisorRestart), ShouldEqual, 1)
				So(testutil.ToFloat64(m.retentionDeleted), ShouldEqual, 3)
			})
		})

		Convey("When scraping the handler", func() {
			m.SchedulerTick("waiting")
			rec := httptest.NewRecorder()
			m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

			Convey("It should expose the namespaced series", func() {
				So(rec.Code, ShouldEqual, 200)
				So(rec.Body.String(), ShouldContainSubstring, `sitekeeper_scheduler_ticks_total{state="waiting"} 1`)
			})
		})

		Convey("When the instance is nil", func() {
			var nilMetrics *Metrics

			Convey("It should ignore every call", func() {
				So(func() {
					nilMetrics.ObserveBackup("MANUAL", "FAILED", time.Second, 0)
					nilMetrics.ObserveRestore("FAILED")
					nilMetrics.SchedulerTick("due")
					nilMetrics.SupervisorRestart()
				}, ShouldNotPanic)
			})
		})
	})
}
