package usecase

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/semmidev/sitekeeper/internal/adapter/compressor"
	"github.com/semmidev/sitekeeper/internal/adapter/database"
	"github.com/semmidev/sitekeeper/internal/adapter/storage"
	"github.com/semmidev/sitekeeper/internal/domain"
	"github.com/semmidev/sitekeeper/internal/infrastructure/metrics"
)

const contentSchema = `
	CREATE TABLE categories (id INTEGER PRIMARY KEY, name TEXT NOT NULL);
	CREATE TABLE posts (
		id INTEGER PRIMARY KEY,
		category_id INTEGER NOT NULL REFERENCES categories (id),
		title TEXT NOT NULL,
		rating REAL,
		cover BLOB,
		published_at DATETIME
	);
	CREATE TABLE comments (
		id INTEGER PRIMARY KEY,
		post_id INTEGER NOT NULL REFERENCES posts (id),
		body TEXT
	);
	INSERT INTO categories (id, name) VALUES (1, 'news'), (2, 'gallery');
	INSERT INTO posts (id, category_id, title, rating, cover, published_at) VALUES
		(1, 1, 'Hello', 4.5, X'CAFE', '2024-01-01 10:00:00'),
		(2, 2, 'Photos', NULL, NULL, NULL);
	INSERT INTO comments (id, post_id, body) VALUES (1, 1, 'first'), (2, 2, NULL);
`

// Configured deliberately out of dependency order.
var contentTables = []string{"comments", "posts", "categories"}

var orderedTables = []string{"categories", "posts", "comments"}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.Set(c.Now().Add(d))
}

type fixture struct {
	ctx        context.Context
	dir        string
	store      *database.SQLiteStore
	archives   *storage.LocalStorage
	compressor *compressor.GzipCompressor
	clock      *fakeClock
	logger     Logger
	metrics    *metrics.Metrics
	replicator *Replicator
	executor   *Executor
	retention  *Retention
	restore    *Restore
	schedule   *ScheduleService
}

func newFixture(t *testing.T, targets ...UploadTarget) *fixture {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	store, err := database.Open(ctx, filepath.Join(dir, "site.db"), time.UTC)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if _, err := store.DB().Exec(contentSchema); err != nil {
		t.Fatalf("create content: %v", err)
	}

	archives, err := storage.NewLocal(filepath.Join(dir, "backups"))
	if err != nil {
		t.Fatalf("archive dir: %v", err)
	}

	f := &fixture{
		ctx:        ctx,
		dir:        dir,
		store:      store,
		archives:   archives,
		compressor: compressor.NewGzip(6),
		clock:      &fakeClock{t: time.Date(2024, 1, 1, 3, 0, 0, 0, time.UTC)},
		logger:     zap.NewNop().Sugar(),
		metrics:    metrics.New(),
	}
	f.replicator = NewReplicator(targets, f.logger, time.UTC)
	f.executor = NewExecutor(store, archives, f.compressor, f.replicator, contentTables, 6*time.Hour, f.logger, f.metrics, f.clock.Now)
	f.retention = NewRetention(store, archives, f.replicator, f.logger, f.metrics, f.clock.Now)
	f.restore = NewRestore(store, archives, f.compressor, 6*time.Hour, f.logger, f.metrics, f.clock.Now)
	f.schedule = NewScheduleService(store, f.logger, f.clock.Now)
	return f
}

// snapshot dumps every content table.
func (f *fixture) snapshot() map[string]*domain.TableData {
	out := make(map[string]*domain.TableData, len(orderedTables))
	for _, table := range orderedTables {
		data, err := f.store.DumpTable(f.ctx, table)
		if err != nil {
			panic(err)
		}
		out[table] = data
	}
	return out
}

func (f *fixture) exec(query string) {
	if _, err := f.store.DB().Exec(query); err != nil {
		panic(err)
	}
}

// backupAt runs a full manual backup with the clock set to at.
func (f *fixture) backupAt(at time.Time) *domain.Backup {
	f.clock.Set(at)
	b, err := f.executor.Run(f.ctx, domain.BackupRequest{Type: domain.BackupTypeManual, Actor: "admin"})
	if err != nil {
		panic(err)
	}
	return b
}

// occupy leaves an IN_PROGRESS backup behind, as a running or crashed
// executor would.
func (f *fixture) occupy() *domain.Backup {
	b := domain.NewBackup(domain.BackupRequest{Tables: []string{"posts"}, Type: domain.BackupTypeManual}, f.clock.Now())
	if ok, err := f.store.InsertBackupIfIdle(f.ctx, b); err != nil || !ok {
		panic("insert pending backup")
	}
	if ok, err := f.store.ClaimBackup(f.ctx, b.ID, f.clock.Now()); err != nil || !ok {
		panic("claim pending backup")
	}
	return b
}

func (f *fixture) backups() []*domain.Backup {
	list, err := f.store.ListBackups(f.ctx, domain.BackupFilter{})
	if err != nil {
		panic(err)
	}
	return list
}

func (f *fixture) archiveFiles() []string {
	matches, _ := filepath.Glob(filepath.Join(f.dir, "backups", "*"))
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, filepath.Base(m))
	}
	sort.Strings(names)
	return names
}

type fakeRemote struct {
	mu        sync.Mutex
	files     map[string]time.Time
	uploaded  []string
	deleted   []string
	oldErr    error
	uploadErr error
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{files: make(map[string]time.Time)}
}

func (r *fakeRemote) Upload(ctx context.Context, localPath, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.uploadErr != nil {
		return r.uploadErr
	}
	r.uploaded = append(r.uploaded, name)
	r.files[name] = time.Now()
	return nil
}

func (r *fakeRemote) List(ctx context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.files))
	for name := range r.files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (r *fakeRemote) Delete(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.files[name]; !ok {
		return errors.New("not found")
	}
	delete(r.files, name)
	r.deleted = append(r.deleted, name)
	return nil
}

func (r *fakeRemote) GetOldFiles(ctx context.Context, cutoff time.Time) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.oldErr != nil {
		return nil, r.oldErr
	}
	var old []string
	for name, at := range r.files {
		if at.Before(cutoff) {
			old = append(old, name)
		}
	}
	sort.Strings(old)
	return old, nil
}

type fakeNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *fakeNotifier) Notify(ctx context.Context, msg string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, msg)
	return nil
}

func (n *fakeNotifier) Messages() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.messages...)
}
