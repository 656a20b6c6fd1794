package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"chronod/pkg/logx"
)

func openTestStore(t *testing.T, driver string) Store {
	t.Helper()
	st, err := Open(Config{Driver: driver, Path: filepath.Join(t.TempDir(), "chronod.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open %s store: %v", driver, err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func eachDriver(t *testing.T, fn func(t *testing.T, st Store)) {
	for _, driver := range []string{"sqlite", "file"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			fn(t, openTestStore(t, driver))
		})
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "bolt", Path: "x"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestKVRoundTrip(t *testing.T) {
	eachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()

		if _, ok, err := st.Get(ctx, "missing"); err != nil || ok {
			t.Fatalf("Get missing = (ok=%v, err=%v), want (false, nil)", ok, err)
		}

		if err := st.Put(ctx, "tasks/registry", []byte(`{"v":1}`)); err != nil {
			t.Fatalf("Put: %v", err)
		}
		got, ok, err := st.Get(ctx, "tasks/registry")
		if err != nil || !ok {
			t.Fatalf("Get = (ok=%v, err=%v)", ok, err)
		}
		if string(got) != `{"v":1}` {
			t.Fatalf("Get = %q, want %q", got, `{"v":1}`)
		}

		if err := st.Put(ctx, "tasks/registry", []byte(`{"v":2}`)); err != nil {
			t.Fatalf("overwrite: %v", err)
		}
		got, _, _ = st.Get(ctx, "tasks/registry")
		if string(got) != `{"v":2}` {
			t.Fatalf("after overwrite = %q, want %q", got, `{"v":2}`)
		}

		if err := st.Delete(ctx, "tasks/registry"); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if _, ok, _ := st.Get(ctx, "tasks/registry"); ok {
			t.Fatal("key still present after Delete")
		}
		// Deleting an absent key is not an error.
		if err := st.Delete(ctx, "tasks/registry"); err != nil {
			t.Fatalf("second Delete: %v", err)
		}
	})
}

func TestUpdateAtomicCounter(t *testing.T) {
	eachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		incr := func(cur []byte, ok bool) ([]byte, error) {
			n := 0
			if ok {
				if _, err := fmt.Sscanf(string(cur), "%d", &n); err != nil {
					return nil, err
				}
			}
			return []byte(fmt.Sprintf("%d", n+1)), nil
		}

		for i := 0; i < 3; i++ {
			if err := st.Update(ctx, "counter", incr); err != nil {
				t.Fatalf("Update #%d: %v", i, err)
			}
		}
		got, ok, _ := st.Get(ctx, "counter")
		if !ok || string(got) != "3" {
			t.Fatalf("counter = %q (ok=%v), want 3", got, ok)
		}
	})
}

func TestUpdateErrorAbortsWrite(t *testing.T) {
	eachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		if err := st.Put(ctx, "k", []byte("orig")); err != nil {
			t.Fatalf("Put: %v", err)
		}
		boom := errors.New("boom")
		err := st.Update(ctx, "k", func(cur []byte, ok bool) ([]byte, error) {
			return []byte("changed"), boom
		})
		if err == nil {
			t.Fatal("Update swallowed fn error")
		}
		got, _, _ := st.Get(ctx, "k")
		if string(got) != "orig" {
			t.Fatalf("value changed despite error: %q", got)
		}
	})
}

func TestUpdateNilDeletes(t *testing.T) {
	eachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		if err := st.Put(ctx, "k", []byte("v")); err != nil {
			t.Fatalf("Put: %v", err)
		}
		if err := st.Update(ctx, "k", func(cur []byte, ok bool) ([]byte, error) {
			return nil, nil
		}); err != nil {
			t.Fatalf("Update: %v", err)
		}
		if _, ok, _ := st.Get(ctx, "k"); ok {
			t.Fatal("key survived nil-returning Update")
		}
	})
}

func TestKeysPrefix(t *testing.T) {
	eachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		for _, k := range []string{"queue/pending/2", "queue/pending/1", "queue/backup/x", "tasks/registry"} {
			if err := st.Put(ctx, k, []byte("v")); err != nil {
				t.Fatalf("Put %s: %v", k, err)
			}
		}

		got, err := st.Keys(ctx, "queue/pending/")
		if err != nil {
			t.Fatalf("Keys: %v", err)
		}
		want := []string{"queue/pending/1", "queue/pending/2"}
		if len(got) != len(want) {
			t.Fatalf("Keys = %v, want %v", got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("Keys[%d] = %q, want %q", i, got[i], want[i])
			}
		}

		all, err := st.Keys(ctx, "")
		if err != nil {
			t.Fatalf("Keys(all): %v", err)
		}
		if len(all) != 4 {
			t.Fatalf("Keys(all) = %v, want 4 entries", all)
		}
	})
}

func TestRunHistory(t *testing.T) {
	eachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		base := time.Now().Add(-time.Hour).Truncate(time.Millisecond)

		runs := []RunRecord{
			{Task: "alpha", Slot: 1001, Started: base, Duration: 120 * time.Millisecond},
			{Task: "beta", Slot: 1002, Started: base.Add(time.Second), Duration: 40 * time.Millisecond, Error: "boom"},
			{Task: "alpha", Slot: 1001, Started: base.Add(2 * time.Second), Duration: 90 * time.Millisecond},
		}
		for i, r := range runs {
			if err := st.AppendRun(ctx, r); err != nil {
				t.Fatalf("AppendRun #%d: %v", i, err)
			}
		}

		all, err := st.ListRuns(ctx, "", 10)
		if err != nil {
			t.Fatalf("ListRuns: %v", err)
		}
		if len(all) != 3 {
			t.Fatalf("ListRuns len = %d, want 3", len(all))
		}
		if all[0].Task != "alpha" || !all[0].Started.Equal(base.Add(2*time.Second)) {
			t.Fatalf("newest run = %+v, want the latest alpha run", all[0])
		}
		if all[1].Error != "boom" {
			t.Fatalf("error not preserved: %+v", all[1])
		}
		if all[2].Duration != 120*time.Millisecond {
			t.Fatalf("duration = %v, want 120ms", all[2].Duration)
		}

		alpha, err := st.ListRuns(ctx, "alpha", 10)
		if err != nil {
			t.Fatalf("ListRuns(alpha): %v", err)
		}
		if len(alpha) != 2 {
			t.Fatalf("ListRuns(alpha) len = %d, want 2", len(alpha))
		}
		for _, r := range alpha {
			if r.Task != "alpha" {
				t.Fatalf("task filter leaked: %+v", r)
			}
		}

		limited, err := st.ListRuns(ctx, "", 1)
		if err != nil {
			t.Fatalf("ListRuns(limit 1): %v", err)
		}
		if len(limited) != 1 {
			t.Fatalf("limit ignored: got %d entries", len(limited))
		}

		removed, err := st.PruneRuns(ctx, base.Add(1500*time.Millisecond))
		if err != nil {
			t.Fatalf("PruneRuns: %v", err)
		}
		if removed != 2 {
			t.Fatalf("PruneRuns removed %d, want 2", removed)
		}
		left, _ := st.ListRuns(ctx, "", 10)
		if len(left) != 1 || !left[0].Started.Equal(base.Add(2*time.Second)) {
			t.Fatalf("wrong runs survived prune: %+v", left)
		}
	})
}

func TestAppendRunIgnoresEmptyTask(t *testing.T) {
	eachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		if err := st.AppendRun(ctx, RunRecord{Task: "  "}); err != nil {
			t.Fatalf("AppendRun: %v", err)
		}
		runs, _ := st.ListRuns(ctx, "", 10)
		if len(runs) != 0 {
			t.Fatalf("blank-task run was recorded: %+v", runs)
		}
	})
}

func TestFileStoreReopenKeepsData(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfg := Config{Driver: "file", Path: filepath.Join(dir, "chronod.db")}
	ctx := context.Background()

	st, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := st.Put(ctx, "tasks/registry", []byte(`{"v":1}`)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := st.Put(ctx, "gone", []byte("x")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := st.Delete(ctx, "gone"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := st.AppendRun(ctx, RunRecord{Task: "alpha", Started: time.Now()}); err != nil {
		t.Fatalf("AppendRun: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st2, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()

	got, ok, err := st2.Get(ctx, "tasks/registry")
	if err != nil || !ok || string(got) != `{"v":1}` {
		t.Fatalf("value lost across reopen: %q (ok=%v, err=%v)", got, ok, err)
	}
	if _, ok, _ := st2.Get(ctx, "gone"); ok {
		t.Fatal("deleted key resurrected by journal replay")
	}
	runs, err := st2.ListRuns(ctx, "alpha", 10)
	if err != nil || len(runs) != 1 {
		t.Fatalf("run history lost across reopen: %v (err=%v)", runs, err)
	}
}

func TestFileStoreCompaction(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfg := Config{Driver: "file", Path: filepath.Join(dir, "chronod.db")}
	ctx := context.Background()

	st, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	// Enough writes to cross the journal compaction threshold.
	for i := 0; i < 300; i++ {
		if err := st.Put(ctx, fmt.Sprintf("k/%03d", i%10), []byte(fmt.Sprintf("%d", i))); err != nil {
			t.Fatalf("Put #%d: %v", i, err)
		}
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st2, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("reopen after compaction: %v", err)
	}
	defer st2.Close()
	got, ok, _ := st2.Get(ctx, "k/009")
	if !ok || string(got) != "299" {
		t.Fatalf("k/009 = %q (ok=%v), want 299", got, ok)
	}
	keys, _ := st2.Keys(ctx, "k/")
	if len(keys) != 10 {
		t.Fatalf("keys after compaction = %d, want 10", len(keys))
	}
}

func TestFileStoreHistoryCap(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "chronod.db"), HistoryCap: 5}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	base := time.Now().Add(-time.Minute)
	for i := 0; i < 8; i++ {
		if err := st.AppendRun(ctx, RunRecord{Task: "alpha", Started: base.Add(time.Duration(i) * time.Second)}); err != nil {
			t.Fatalf("AppendRun #%d: %v", i, err)
		}
	}

	runs, err := st.ListRuns(ctx, "alpha", 100)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 5 {
		t.Fatalf("history cap not applied: %d runs", len(runs))
	}
	if !runs[0].Started.Equal(base.Add(7 * time.Second)) {
		t.Fatalf("cap evicted the wrong end: newest = %v", runs[0].Started)
	}
}
