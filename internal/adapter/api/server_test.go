package api

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	. "github.com/smartystreets/goconvey/convey"
	"go.uber.org/zap"

	"github.com/semmidev/sitekeeper/internal/adapter/compressor"
	"github.com/semmidev/sitekeeper/internal/adapter/database"
	"github.com/semmidev/sitekeeper/internal/adapter/storage"
	"github.com/semmidev/sitekeeper/internal/domain"
	"github.com/semmidev/sitekeeper/internal/infrastructure/metrics"
	"github.com/semmidev/sitekeeper/internal/usecase"
)

const schema = `
	CREATE TABLE authors (id INTEGER PRIMARY KEY, name TEXT NOT NULL);
	CREATE TABLE pages (
		id INTEGER PRIMARY KEY,
		author_id INTEGER NOT NULL REFERENCES authors (id),
		title TEXT NOT NULL
	);
	INSERT INTO authors (id, name) VALUES (1, 'ana');
	INSERT INTO pages (id, author_id, title) VALUES (1, 1, 'home'), (2, 1, 'about');
`

type harness struct {
	ctx      context.Context
	store    *database.SQLiteStore
	archives *storage.LocalStorage
	server   *httptest.Server
	handler  http.Handler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	store, err := database.Open(ctx, filepath.Join(dir, "site.db"), time.UTC)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if _, err := store.DB().Exec(schema); err != nil {
		t.Fatalf("schema: %v", err)
	}

	archives, err := storage.NewLocal(filepath.Join(dir, "backups"))
	if err != nil {
		t.Fatalf("archives: %v", err)
	}

	logger := zap.NewNop().Sugar()
	m := metrics.New()
	clock := usecase.SystemClock(time.UTC)
	gz := compressor.NewGzip(6)
	replicator := usecase.NewReplicator(nil, logger, time.UTC)
	tables := []string{"pages", "authors"}

	srv := New(Deps{
		Executor:  usecase.NewExecutor(store, archives, gz, replicator, tables, 6*time.Hour, logger, m, clock),
		Restorer:  usecase.NewRestore(store, archives, gz, 6*time.Hour, logger, m, clock),
		Retention: usecase.NewRetention(store, archives, replicator, logger, m, clock),
		Schedules: usecase.NewScheduleService(store, logger, clock),
		Records:   store,
		Archives:  archives,
		Metrics:   m,
		Logger:    logger,
		Tokens:    map[string]string{"alice": "s3cret", "ops": "0ps-token"},
	})

	handler := srv.Handler()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	return &harness{ctx: ctx, store: store, archives: archives, server: ts, handler: handler}
}

type reply struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
	Error  *errorBody      `json:"error"`
}

func (h *harness) call(method, path, token, body string) (*http.Response, reply) {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, h.server.URL+path, rd)
	if err != nil {
		panic(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		panic(err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	var out reply
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(raw, &out); err != nil {
			panic(err)
		}
	}
	return resp, out
}

func (h *harness) createBackup() *domain.Backup {
	resp, out := h.call(http.MethodPost, "/api/backups", "s3cret", `{"name":"nightly"}`)
	if resp.StatusCode != http.StatusCreated {
		panic("backup failed with status " + strconv.Itoa(resp.StatusCode))
	}
	var b domain.Backup
	if err := json.Unmarshal(out.Data, &b); err != nil {
		panic(err)
	}
	return &b
}

func errCode(out reply) string {
	if out.Error == nil {
		return ""
	}
	return out.Error.Code
}

func TestAuthentication(t *testing.T) {
	Convey("Given the API", t, func() {
		h := newHarness(t)

		Convey("Health and metrics are open", func() {
			resp, out := h.call(http.MethodGet, "/healthz", "", "")
			So(resp.StatusCode, ShouldEqual, http.StatusOK)
			So(out.Status, ShouldEqual, "success")

			resp, _ = h.call(http.MethodGet, "/metrics", "", "")
			So(resp.StatusCode, ShouldEqual, http.StatusOK)
		})

		Convey("A missing token is rejected", func() {
			resp, out := h.call(http.MethodGet, "/api/backups", "", "")
			So(resp.StatusCode, ShouldEqual, http.StatusUnauthorized)
			So(errCode(out), ShouldEqual, "unauthorized")
		})

		Convey("An unknown token is rejected", func() {
			resp, _ := h.call(http.MethodGet, "/api/backups", "guess", "")
			So(resp.StatusCode, ShouldEqual, http.StatusUnauthorized)
		})

		Convey("The token decides the recorded actor", func() {
			resp, out := h.call(http.MethodPost, "/api/backups", "0ps-token", "")
			So(resp.StatusCode, ShouldEqual, http.StatusCreated)

			var b domain.Backup
			So(json.Unmarshal(out.Data, &b), ShouldBeNil)
			So(b.CreatedBy, ShouldEqual, "ops")
			So(b.Type, ShouldEqual, domain.BackupTypeManual)
		})
	})
}

func TestBackupEndpoints(t *testing.T) {
	Convey("Given the API", t, func() {
		h := newHarness(t)

		Convey("A backup can be created, listed and fetched", func() {
			b := h.createBackup()
			So(b.Status, ShouldEqual, domain.BackupStatusCompleted)
			So(b.Name, ShouldEqual, "nightly")
			So(b.CreatedBy, ShouldEqual, "alice")
			So(b.Tables, ShouldResemble, []string{"authors", "pages"})

			resp, out := h.call(http.MethodGet, "/api/backups?status=completed", "s3cret", "")
			So(resp.StatusCode, ShouldEqual, http.StatusOK)
			var list []*domain.Backup
			So(json.Unmarshal(out.Data, &list), ShouldBeNil)
			So(list, ShouldHaveLength, 1)
			So(list[0].ID, ShouldEqual, b.ID)

			resp, out = h.call(http.MethodGet, "/api/backups/"+b.ID, "s3cret", "")
			So(resp.StatusCode, ShouldEqual, http.StatusOK)
			var got domain.Backup
			So(json.Unmarshal(out.Data, &got), ShouldBeNil)
			So(got.Checksum, ShouldEqual, b.Checksum)
		})

		Convey("An empty list is an empty array", func() {
			resp, out := h.call(http.MethodGet, "/api/backups", "s3cret", "")
			So(resp.StatusCode, ShouldEqual, http.StatusOK)
			So(string(out.Data), ShouldEqual, "[]")
		})

		Convey("An unknown status filter is a bad request", func() {
			resp, out := h.call(http.MethodGet, "/api/backups?status=LOST", "s3cret", "")
			So(resp.StatusCode, ShouldEqual, http.StatusBadRequest)
			So(errCode(out), ShouldEqual, "validation_failed")
		})

		Convey("An unknown table is a bad request", func() {
			resp, out := h.call(http.MethodPost, "/api/backups", "s3cret", `{"tables":["users"]}`)
			So(resp.StatusCode, ShouldEqual, http.StatusBadRequest)
			So(errCode(out), ShouldEqual, "validation_failed")
		})

		Convey("Unknown fields are rejected", func() {
			resp, _ := h.call(http.MethodPost, "/api/backups", "s3cret", `{"compress":true}`)
			So(resp.StatusCode, ShouldEqual, http.StatusBadRequest)
		})

		Convey("A backup while another is running conflicts", func() {
			busy := domain.NewBackup(domain.BackupRequest{Type: domain.BackupTypeManual, Tables: []string{"pages"}}, time.Now().UTC())
			ok, err := h.store.InsertBackupIfIdle(h.ctx, busy)
			So(err, ShouldBeNil)
			So(ok, ShouldBeTrue)
			ok, err = h.store.ClaimBackup(h.ctx, busy.ID, time.Now().UTC())
			So(err, ShouldBeNil)
			So(ok, ShouldBeTrue)

			resp, out := h.call(http.MethodPost, "/api/backups", "s3cret", "")
			So(resp.StatusCode, ShouldEqual, http.StatusConflict)
			So(errCode(out), ShouldEqual, "operation_in_progress")
		})

		Convey("An unknown backup is not found", func() {
			resp, out := h.call(http.MethodGet, "/api/backups/nope", "s3cret", "")
			So(resp.StatusCode, ShouldEqual, http.StatusNotFound)
			So(errCode(out), ShouldEqual, "backup_not_found")
		})

		Convey("Deleting a backup removes record and file", func() {
			b := h.createBackup()

			resp, _ := h.call(http.MethodDelete, "/api/backups/"+b.ID, "s3cret", "")
			So(resp.StatusCode, ShouldEqual, http.StatusNoContent)

			resp, _ = h.call(http.MethodGet, "/api/backups/"+b.ID, "s3cret", "")
			So(resp.StatusCode, ShouldEqual, http.StatusNotFound)

			exists, err := h.archives.Exists(h.ctx, b.FilePath)
			So(err, ShouldBeNil)
			So(exists, ShouldBeFalse)
		})

		Convey("Deleting a backup finishes after the client hangs up", func() {
			b := h.createBackup()

			gone, cancel := context.WithCancel(h.ctx)
			cancel()
			req := httptest.NewRequest(http.MethodDelete, "/api/backups/"+b.ID, nil).WithContext(gone)
			req.Header.Set("Authorization", "Bearer s3cret")
			rec := httptest.NewRecorder()
			h.handler.ServeHTTP(rec, req)

			So(rec.Code, ShouldEqual, http.StatusNoContent)
			_, err := h.store.GetBackup(h.ctx, b.ID)
			So(errors.Is(err, domain.ErrNotFound), ShouldBeTrue)
			exists, err := h.archives.Exists(h.ctx, b.FilePath)
			So(err, ShouldBeNil)
			So(exists, ShouldBeFalse)
		})
	})
}

func TestDownload(t *testing.T) {
	Convey("Given a completed backup", t, func() {
		h := newHarness(t)
		b := h.createBackup()

		Convey("The archive streams with its recorded size", func() {
			resp, err := http.DefaultClient.Do(authorized(h, "/api/backups/"+b.ID+"/download"))
			So(err, ShouldBeNil)
			defer resp.Body.Close()

			So(resp.StatusCode, ShouldEqual, http.StatusOK)
			So(resp.Header.Get("Content-Type"), ShouldEqual, "application/gzip")
			So(resp.Header.Get("Content-Length"), ShouldEqual, strconv.FormatInt(b.FileSizeBytes, 10))

			body, err := io.ReadAll(resp.Body)
			So(err, ShouldBeNil)
			onDisk, err := os.ReadFile(h.archives.GetPath(b.FilePath))
			So(err, ShouldBeNil)
			So(bytes.Equal(body, onDisk), ShouldBeTrue)
		})

		Convey("A vanished archive is reported as archive_missing", func() {
			So(os.Remove(h.archives.GetPath(b.FilePath)), ShouldBeNil)

			resp, out := h.call(http.MethodGet, "/api/backups/"+b.ID+"/download", "s3cret", "")
			So(resp.StatusCode, ShouldEqual, http.StatusNotFound)
			So(errCode(out), ShouldEqual, "archive_missing")
		})
	})
}

func authorized(h *harness, path string) *http.Request {
	req, err := http.NewRequest(http.MethodGet, h.server.URL+path, nil)
	if err != nil {
		panic(err)
	}
	req.Header.Set("Authorization", "Bearer s3cret")
	return req
}

func TestRestoreEndpoint(t *testing.T) {
	Convey("Given a completed backup", t, func() {
		h := newHarness(t)
		b := h.createBackup()

		Convey("Restoring brings back the captured rows", func() {
			_, err := h.store.DB().Exec(`DELETE FROM pages WHERE id = 2`)
			So(err, ShouldBeNil)

			resp, out := h.call(http.MethodPost, "/api/backups/"+b.ID+"/restore", "0ps-token", "")
			So(resp.StatusCode, ShouldEqual, http.StatusOK)

			var rec domain.RestoreRecord
			So(json.Unmarshal(out.Data, &rec), ShouldBeNil)
			So(rec.Status, ShouldEqual, domain.RestoreStatusSucceeded)
			So(rec.RequestedBy, ShouldEqual, "ops")

			var n int
			So(h.store.DB().QueryRow(`SELECT COUNT(*) FROM pages`).Scan(&n), ShouldBeNil)
			So(n, ShouldEqual, 2)

			resp, out = h.call(http.MethodGet, "/api/restores", "s3cret", "")
			So(resp.StatusCode, ShouldEqual, http.StatusOK)
			var restores []*domain.RestoreRecord
			So(json.Unmarshal(out.Data, &restores), ShouldBeNil)
			So(restores, ShouldHaveLength, 1)
		})

		Convey("A missing archive is distinct from a missing backup", func() {
			So(os.Remove(h.archives.GetPath(b.FilePath)), ShouldBeNil)

			resp, out := h.call(http.MethodPost, "/api/backups/"+b.ID+"/restore", "s3cret", "")
			So(resp.StatusCode, ShouldEqual, http.StatusNotFound)
			So(errCode(out), ShouldEqual, "archive_missing")

			resp, out = h.call(http.MethodPost, "/api/backups/unknown/restore", "s3cret", "")
			So(resp.StatusCode, ShouldEqual, http.StatusNotFound)
			So(errCode(out), ShouldEqual, "backup_not_found")
		})

		Convey("A corrupt archive is unprocessable and leaves a FAILED record", func() {
			path := h.archives.GetPath(b.FilePath)
			data, err := os.ReadFile(path)
			So(err, ShouldBeNil)
			data[len(data)/2] ^= 0xFF
			So(os.WriteFile(path, data, 0o644), ShouldBeNil)

			resp, out := h.call(http.MethodPost, "/api/backups/"+b.ID+"/restore", "s3cret", "")
			So(resp.StatusCode, ShouldEqual, http.StatusUnprocessableEntity)
			So(errCode(out), ShouldEqual, "corrupt_archive")

			var rec domain.RestoreRecord
			So(json.Unmarshal(out.Data, &rec), ShouldBeNil)
			So(rec.Status, ShouldEqual, domain.RestoreStatusFailed)
		})
	})
}

func TestScheduleEndpoints(t *testing.T) {
	Convey("Given no schedule", t, func() {
		h := newHarness(t)

		Convey("Reading it is not found", func() {
			resp, out := h.call(http.MethodGet, "/api/schedule", "s3cret", "")
			So(resp.StatusCode, ShouldEqual, http.StatusNotFound)
			So(errCode(out), ShouldEqual, "schedule_not_found")
		})

		Convey("Saving an enabled schedule computes its next run", func() {
			resp, out := h.call(http.MethodPut, "/api/schedule", "s3cret",
				`{"enabled":true,"frequency":"daily","time_of_day":"02:00","retention_days":7}`)
			So(resp.StatusCode, ShouldEqual, http.StatusOK)

			var sched domain.BackupSchedule
			So(json.Unmarshal(out.Data, &sched), ShouldBeNil)
			So(sched.Frequency, ShouldEqual, domain.FrequencyDaily)
			So(sched.NextRun, ShouldNotBeNil)
			So(sched.NextRun.After(time.Now()), ShouldBeTrue)

			resp, _ = h.call(http.MethodGet, "/api/schedule", "s3cret", "")
			So(resp.StatusCode, ShouldEqual, http.StatusOK)
		})

		Convey("An invalid schedule is a bad request", func() {
			resp, out := h.call(http.MethodPut, "/api/schedule", "s3cret",
				`{"enabled":true,"frequency":"YEARLY","time_of_day":"02:00"}`)
			So(resp.StatusCode, ShouldEqual, http.StatusBadRequest)
			So(errCode(out), ShouldEqual, "validation_failed")
		})
	})
}

func TestRetentionEndpoint(t *testing.T) {
	Convey("Given two completed backups", t, func() {
		h := newHarness(t)
		older := h.createBackup()
		newer := h.createBackup()

		Convey("Zero days prunes everything but the newest", func() {
			resp, out := h.call(http.MethodPost, "/api/retention", "s3cret", `{"retention_days":0}`)
			So(resp.StatusCode, ShouldEqual, http.StatusOK)

			var res retentionResponse
			So(json.Unmarshal(out.Data, &res), ShouldBeNil)
			So(res.Deleted, ShouldResemble, []string{older.ID})

			resp, _ = h.call(http.MethodGet, "/api/backups/"+newer.ID, "s3cret", "")
			So(resp.StatusCode, ShouldEqual, http.StatusOK)
		})

		Convey("Without a schedule the window must be given", func() {
			resp, out := h.call(http.MethodPost, "/api/retention", "s3cret", "")
			So(resp.StatusCode, ShouldEqual, http.StatusBadRequest)
			So(errCode(out), ShouldEqual, "validation_failed")
		})

		Convey("A negative window is rejected", func() {
			resp, _ := h.call(http.MethodPost, "/api/retention", "s3cret", `{"retention_days":-1}`)
			So(resp.StatusCode, ShouldEqual, http.StatusBadRequest)
		})
	})
}
