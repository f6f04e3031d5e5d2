package domain

import (
	"errors"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func TestValue(t *testing.T) {
	Convey("Given column values", t, func() {
		ts := time.Date(2024, 5, 1, 12, 0, 0, 123, time.UTC)
		inputs := []any{nil, int64(42), 3.25, "text", []byte{1, 2}, ts}

		Convey("It should convert to tagged values and back", func() {
			for _, in := range inputs {
				v, err := ValueOf(in)
				So(err, ShouldBeNil)
				out, err := v.Any()
				So(err, ShouldBeNil)
				if want, ok := in.(time.Time); ok {
					So(out.(time.Time).Equal(want), ShouldBeTrue)
					continue
				}
				So(out, ShouldResemble, in)
			}
		})

		Convey("It should store booleans as integers", func() {
			v, err := ValueOf(true)
			So(err, ShouldBeNil)
			So(v, ShouldResemble, Value{Kind: KindInt, Int: 1})
		})

		Convey("It should reject unsupported types", func() {
			_, err := ValueOf(struct{}{})
			So(err, ShouldNotBeNil)
		})

		Convey("It should flag unknown kinds as corruption", func() {
			_, err := Value{Kind: "float128"}.Any()
			So(errors.Is(err, ErrCorruptArchive), ShouldBeTrue)
		})
	})
}

func TestArchiveDocumentValidate(t *testing.T) {
	Convey("Given an archive document", t, func() {
		doc := &ArchiveDocument{
			Version: ArchiveVersion,
			Tables:  []string{"categories", "posts"},
			Data: map[string]*TableData{
				"categories": {Columns: []string{"id"}, Rows: [][]Value{{{Kind: KindInt, Int: 1}}}},
				"posts":      {Columns: []string{"id", "title"}, Rows: [][]Value{}},
			},
		}

		Convey("It should accept the matching table list", func() {
			So(doc.Validate([]string{"categories", "posts"}), ShouldBeNil)
		})

		Convey("It should reject a different table list", func() {
			So(errors.Is(doc.Validate([]string{"posts"}), ErrCorruptArchive), ShouldBeTrue)
			So(errors.Is(doc.Validate([]string{"posts", "categories"}), ErrCorruptArchive), ShouldBeTrue)
		})

		Convey("It should reject an unknown version", func() {
			doc.Version = 99
			So(errors.Is(doc.Validate([]string{"categories", "posts"}), ErrCorruptArchive), ShouldBeTrue)
		})

		Convey("It should reject missing table data", func() {
			delete(doc.Data, "posts")
			So(errors.Is(doc.Validate([]string{"categories", "posts"}), ErrCorruptArchive), ShouldBeTrue)
		})

		Convey("It should reject ragged rows", func() {
			doc.Data["posts"].Rows = [][]Value{{{Kind: KindInt, Int: 1}}}
			So(errors.Is(doc.Validate([]string{"categories", "posts"}), ErrCorruptArchive), ShouldBeTrue)
		})
	})
}
