package process

import (
	"context"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/semmidev/sitekeeper/internal/domain"
)

func TestCommandManager(t *testing.T) {
	Convey("Given a command manager", t, func() {
		ctx := context.Background()

		Convey("When the status command succeeds", func() {
			status, err := NewCommand([]string{"sh", "-c", "echo active"}, nil).Status(ctx)

			Convey("It should report running", func() {
				So(err, ShouldBeNil)
				So(status.State, ShouldEqual, domain.ProcessRunning)
				So(status.Detail, ShouldEqual, "active")
			})
		})

		Convey("When the status command exits non-zero", func() {
			status, err := NewCommand([]string{"sh", "-c", "echo inactive; exit 3"}, nil).Status(ctx)

			Convey("It should report stopped with the output", func() {
				So(err, ShouldBeNil)
				So(status.State, ShouldEqual, domain.ProcessStopped)
				So(status.Detail, ShouldEqual, "exit status 3: inactive")
			})
		})

		Convey("When the status command cannot run", func() {
			_, err := NewCommand([]string{"/nonexistent/systemctl"}, nil).Status(ctx)

			Convey("It should return an error", func() {
				So(err, ShouldNotBeNil)
			})
		})

		Convey("When the restart command fails", func() {
			err := NewCommand(nil, []string{"sh", "-c", "echo 'unit not found' >&2; exit 5"}).Restart(ctx)

			Convey("It should include its output", func() {
				So(err, ShouldNotBeNil)
				So(err.Error(), ShouldContainSubstring, "unit not found")
			})
		})

		Convey("When the restart command succeeds", func() {
			err := NewCommand(nil, []string{"true"}).Restart(ctx)

			Convey("It should return nil", func() {
				So(err, ShouldBeNil)
			})
		})
	})
}
