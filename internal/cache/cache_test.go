package cache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/proxycad/proxycad/internal/dataset"
)

type testCache struct {
	*Cache
	root string
}

func newTestCache(t *testing.T, capacity int64, maxAge time.Duration) testCache {
	t.Helper()
	root := t.TempDir()
	return reopen(t, root, capacity, maxAge)
}

func reopen(t *testing.T, root string, capacity int64, maxAge time.Duration) testCache {
	t.Helper()
	artifacts, err := NewFileArtifacts(filepath.Join(root, "artifacts"))
	if err != nil {
		t.Fatalf("artifacts: %v", err)
	}
	index, err := NewFileIndex(filepath.Join(root, "index.cbor"))
	if err != nil {
		t.Fatalf("index: %v", err)
	}
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(logrus.WarnLevel)
	c, err := Open(context.Background(), Options{
		CapacityBytes: capacity,
		MaxAge:        maxAge,
		StagingDir:    filepath.Join(root, "staging"),
	}, artifacts, index, logger)
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return testCache{Cache: c, root: root}
}

// sizedBuild 写出一个 size 字节的主文件和一个侧车文件。
func sizedBuild(size int, calls *atomic.Int32) BuildFunc {
	return func(ctx context.Context, dir string) (Artifact, error) {
		if calls != nil {
			calls.Add(1)
		}
		primary := filepath.Join(dir, "out.bil")
		if err := os.WriteFile(primary, []byte(strings.Repeat("x", size)), 0o644); err != nil {
			return Artifact{}, err
		}
		side := filepath.Join(dir, "out.hdr")
		if err := os.WriteFile(side, nil, 0o644); err != nil {
			return Artifact{}, err
		}
		return Artifact{
			Handle:  dataset.Handle{Format: dataset.FormatBIL, Kind: dataset.KindRaster},
			Primary: primary,
			Files:   []string{primary, side},
		}, nil
	}
}

func TestKeyIsDeterministic(t *testing.T) {
	if Key("fp", "digest") != Key("fp", "digest") {
		t.Fatalf("key not deterministic")
	}
	if Key("fp", "digest") == Key("fpd", "igest") {
		t.Fatalf("key must separate fingerprint and digest")
	}
}

func TestMaterializeStoresAndHits(t *testing.T) {
	c := newTestCache(t, 1<<20, 0)
	var calls atomic.Int32
	e, hit, err := c.Materialize(context.Background(), "k1", sizedBuild(10, &calls))
	if err != nil || hit {
		t.Fatalf("first materialize: hit=%v err=%v", hit, err)
	}
	if e.SizeBytes != 10 || e.Primary != "out.bil" || len(e.Files) != 2 {
		t.Fatalf("unexpected entry %+v", e)
	}
	if _, err := os.Stat(e.Handle.Location); err != nil {
		t.Fatalf("artifact not committed: %v", err)
	}
	if _, hit, err = c.Materialize(context.Background(), "k1", sizedBuild(10, &calls)); err != nil || !hit {
		t.Fatalf("second materialize: hit=%v err=%v", hit, err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected one build, got %d", calls.Load())
	}
	entries, _ := os.ReadDir(filepath.Join(c.root, "staging"))
	if len(entries) != 0 {
		t.Fatalf("staging not cleaned: %v", entries)
	}
}

func TestLRUEvictsOldestWhenCapacityExceeded(t *testing.T) {
	c := newTestCache(t, 30, 0)
	ctx := context.Background()
	for _, k := range []string{"a1", "b2", "c3"} {
		if _, _, err := c.Materialize(ctx, k, sizedBuild(10, nil)); err != nil {
			t.Fatalf("materialize %s: %v", k, err)
		}
	}
	// 访问 a1 使 b2 成为最久未用。
	if _, ok := c.Lookup(ctx, "a1"); !ok {
		t.Fatalf("a1 should be cached")
	}
	if _, _, err := c.Materialize(ctx, "d4", sizedBuild(10, nil)); err != nil {
		t.Fatalf("materialize d4: %v", err)
	}
	if _, ok := c.Lookup(ctx, "b2"); ok {
		t.Fatalf("b2 should have been evicted")
	}
	for _, k := range []string{"a1", "c3", "d4"} {
		if _, ok := c.Lookup(ctx, k); !ok {
			t.Fatalf("%s should still be cached", k)
		}
	}
	st := c.Stats()
	if st.Entries != 3 || st.SizeBytes != 30 || st.Evictions != 1 {
		t.Fatalf("unexpected stats %+v", st)
	}
	if _, err := os.Stat(filepath.Join(c.root, "artifacts", "b2", "b2")); !os.IsNotExist(err) {
		t.Fatalf("evicted artifacts should be removed, stat err=%v", err)
	}
}

func TestNewestEntryKeptEvenWhenOversized(t *testing.T) {
	c := newTestCache(t, 5, 0)
	e, _, err := c.Materialize(context.Background(), "big", sizedBuild(50, nil))
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}
	if _, ok := c.Lookup(context.Background(), e.Key); !ok {
		t.Fatalf("newest entry must not be evicted")
	}
}

func TestConcurrentMaterializeBuildsOnce(t *testing.T) {
	c := newTestCache(t, 1<<20, 0)
	var calls atomic.Int32
	release := make(chan struct{})
	build := func(ctx context.Context, dir string) (Artifact, error) {
		<-release
		return sizedBuild(4, &calls)(ctx, dir)
	}

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := c.Materialize(context.Background(), "same", build)
			errs <- err
		}()
	}
	deadline := time.Now().Add(2 * time.Second)
	for c.Stats().InFlight != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	close(release)
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("materialize: %v", err)
		}
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single build, got %d", calls.Load())
	}
}

func TestFailureIsSharedNotRetried(t *testing.T) {
	c := newTestCache(t, 1<<20, 0)
	var calls atomic.Int32
	release := make(chan struct{})
	boom := errors.New("engine exploded")
	build := func(ctx context.Context, dir string) (Artifact, error) {
		calls.Add(1)
		<-release
		return Artifact{}, boom
	}

	const n = 4
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := c.Materialize(context.Background(), "bad", build)
			errs <- err
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)
	for err := range errs {
		if !errors.Is(err, boom) {
			t.Fatalf("expected shared failure, got %v", err)
		}
	}
	if calls.Load() != 1 {
		t.Fatalf("failure should not be re-executed by concurrent waiters, builds=%d", calls.Load())
	}
	if _, ok := c.Lookup(context.Background(), "bad"); ok {
		t.Fatalf("failed build must not be cached")
	}
}

func TestLastWaiterLeavingCancelsBuild(t *testing.T) {
	c := newTestCache(t, 1<<20, 0)
	started := make(chan struct{})
	cancelled := make(chan struct{})
	build := func(ctx context.Context, dir string) (Artifact, error) {
		close(started)
		<-ctx.Done()
		close(cancelled)
		return Artifact{}, ctx.Err()
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, _, err := c.Materialize(ctx, "slow", build)
		done <- err
	}()
	<-started
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatalf("build was not cancelled after the last waiter left")
	}
}

func TestMissingArtifactIsTreatedAsMiss(t *testing.T) {
	c := newTestCache(t, 1<<20, 0)
	e, _, err := c.Materialize(context.Background(), "gone", sizedBuild(3, nil))
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}
	if err := os.Remove(e.Handle.Location); err != nil {
		t.Fatalf("remove artifact: %v", err)
	}
	if _, ok := c.Lookup(context.Background(), "gone"); ok {
		t.Fatalf("corrupt entry should be a miss")
	}
	if c.Stats().Entries != 0 {
		t.Fatalf("corrupt entry should be dropped")
	}
}

func TestEntriesExpireAfterMaxAge(t *testing.T) {
	c := newTestCache(t, 1<<20, time.Hour)
	now := time.Now()
	c.now = func() time.Time { return now }
	if _, _, err := c.Materialize(context.Background(), "old", sizedBuild(3, nil)); err != nil {
		t.Fatalf("materialize: %v", err)
	}
	c.now = func() time.Time { return now.Add(2 * time.Hour) }
	if _, ok := c.Lookup(context.Background(), "old"); ok {
		t.Fatalf("expired entry should be a miss")
	}
}

func TestIndexSurvivesRestart(t *testing.T) {
	c := newTestCache(t, 1<<20, 0)
	ctx := context.Background()
	for _, k := range []string{"k1", "k2"} {
		if _, _, err := c.Materialize(ctx, k, sizedBuild(7, nil)); err != nil {
			t.Fatalf("materialize: %v", err)
		}
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	again := reopen(t, c.root, 1<<20, 0)
	e, ok := again.Lookup(ctx, "k2")
	if !ok {
		t.Fatalf("entry lost across restart")
	}
	if e.SizeBytes != 7 || e.Handle.Format != dataset.FormatBIL {
		t.Fatalf("unexpected reloaded entry %+v", e)
	}
	if again.Stats().Entries != 2 {
		t.Fatalf("expected 2 entries, got %d", again.Stats().Entries)
	}
}

func TestCorruptIndexStartsEmpty(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "index.cbor"), []byte("not cbor"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	c := reopen(t, root, 1<<20, 0)
	if c.Stats().Entries != 0 {
		t.Fatalf("corrupt index should yield an empty cache")
	}
}

func TestOpenRemovesStaleBuildDirs(t *testing.T) {
	root := t.TempDir()
	staging := filepath.Join(root, "staging")
	stale := filepath.Join(staging, "build-123", "out.bil")
	if err := os.MkdirAll(filepath.Dir(stale), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(stale, []byte("partial"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	keep := filepath.Join(staging, "notes.txt")
	if err := os.WriteFile(keep, nil, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	reopen(t, root, 1<<20, 0)

	if _, err := os.Stat(filepath.Dir(stale)); !os.IsNotExist(err) {
		t.Fatalf("stale build dir should be removed, stat err=%v", err)
	}
	if _, err := os.Stat(keep); err != nil {
		t.Fatalf("unrelated files must be kept: %v", err)
	}
}
