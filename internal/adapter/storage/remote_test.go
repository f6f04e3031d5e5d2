package storage

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestRemoteHelpers(t *testing.T) {
	Convey("Given S3 key prefixes", t, func() {
		Convey("It should normalize to a single trailing slash", func() {
			So(normalizePrefix(""), ShouldEqual, "")
			So(normalizePrefix("/"), ShouldEqual, "")
			So(normalizePrefix("site"), ShouldEqual, "site/")
			So(normalizePrefix("/site/backups/"), ShouldEqual, "site/backups/")
		})

		Convey("It should join keys with forward slashes", func() {
			s := &S3Storage{prefix: normalizePrefix("site")}
			So(s.key("backup-20240101-030000-0123abcd.json.gz"), ShouldEqual, "site/backup-20240101-030000-0123abcd.json.gz")

			bare := &S3Storage{}
			So(bare.key("a.json.gz"), ShouldEqual, "a.json.gz")
		})
	})

	Convey("Given Drive query values", t, func() {
		Convey("It should escape quotes and backslashes", func() {
			So(escapeQuery(`it's`), ShouldEqual, `it\'s`)
			So(escapeQuery(`a\b`), ShouldEqual, `a\\b`)
		})
	})
}
