// sched/sched_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package sched

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mmp/ark/util"
)

var testLog = util.NewLogger(false, false)

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatal(err)
	}
}

func countArtifacts(t *testing.T, dir, prefix string) int {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), prefix) && strings.HasSuffix(e.Name(), ".bin") {
			n++
		}
	}
	return n
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
	return cond()
}

func TestScheduledTaskRuns(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	writeFile(t, filepath.Join(src, "a.txt"), "hello")
	dst := filepath.Join(dir, "backups")

	s := New(testLog)
	id := s.AddScheduledTask(src, dst, "mytask", 3600, 0)
	if id != 1 {
		t.Errorf("first task id is %d", id)
	}

	s.Start()
	defer s.Stop()

	// The first tick runs a task that has never run.
	if !waitFor(t, 5*time.Second, func() bool {
		return countArtifacts(t, dst, "mytask") == 1
	}) {
		t.Fatalf("scheduled task did not produce an artifact")
	}

	// With a one-hour interval it must not run again right away.
	time.Sleep(3 * time.Second)
	if n := countArtifacts(t, dst, "mytask"); n != 1 {
		t.Errorf("expected 1 artifact, found %d", n)
	}
}

func TestTaskIDsIncrease(t *testing.T) {
	dir := t.TempDir()
	s := New(testLog)
	a := s.AddScheduledTask(dir, filepath.Join(dir, "d1"), "a", 60, 0)
	b := s.AddRealtimeTask(dir, filepath.Join(dir, "d2"), "b", 0)
	if b != a+1 {
		t.Errorf("ids not monotonic: %d then %d", a, b)
	}
}

func TestRealtimeTaskDetectsChange(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	writeFile(t, filepath.Join(src, "a.txt"), "v1")
	dst := filepath.Join(dir, "backups")

	s := New(testLog)
	s.AddRealtimeTask(src, dst, "rt", 0)

	s.Start()
	defer s.Stop()

	// Unchanged tree: no backup.
	time.Sleep(3 * time.Second)
	if n := countArtifacts(t, dst, "rt"); n != 0 {
		t.Fatalf("unchanged tree produced %d artifacts", n)
	}

	// A new file must trigger a run.
	writeFile(t, filepath.Join(src, "b.txt"), "new")
	if !waitFor(t, 5*time.Second, func() bool {
		return countArtifacts(t, dst, "rt") >= 1
	}) {
		t.Fatalf("change did not trigger a backup")
	}
}

func TestRetention(t *testing.T) {
	dir := t.TempDir()
	dst := filepath.Join(dir, "backups")
	if err := os.MkdirAll(dst, 0755); err != nil {
		t.Fatal(err)
	}

	// Seed five artifacts with distinct mtimes, plus noise that must
	// survive pruning.
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		p := filepath.Join(dst, "task_2024010"+string(rune('0'+i))+"_000000.bin")
		writeFile(t, p, "artifact")
		mt := base.Add(time.Duration(i) * time.Minute)
		if err := os.Chtimes(p, mt, mt); err != nil {
			t.Fatal(err)
		}
	}
	writeFile(t, filepath.Join(dst, "other_20240101_000000.bin"), "different prefix")
	writeFile(t, filepath.Join(dst, "task_notes.txt"), "not an artifact")

	s := New(testLog)
	tk := &task{id: 1, dstDir: dst, prefix: "task", maxKeep: 2}

	s.prune(tk)
	if n := countArtifacts(t, dst, "task"); n != 2 {
		t.Errorf("expected 2 artifacts after pruning, found %d", n)
	}

	// The two newest must be the survivors.
	for _, name := range []string{"task_20240103_000000.bin", "task_20240104_000000.bin"} {
		if _, err := os.Stat(filepath.Join(dst, name)); err != nil {
			t.Errorf("%s: pruned the wrong artifact: %v", name, err)
		}
	}
	if _, err := os.Stat(filepath.Join(dst, "other_20240101_000000.bin")); err != nil {
		t.Errorf("pruning touched another task's artifact")
	}
	if _, err := os.Stat(filepath.Join(dst, "task_notes.txt")); err != nil {
		t.Errorf("pruning touched a non-artifact file")
	}

	// Non-positive maxKeep disables pruning.
	tk.maxKeep = 0
	s.prune(tk)
	if n := countArtifacts(t, dst, "task"); n != 2 {
		t.Errorf("maxKeep=0 pruned down to %d", n)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	s := New(testLog)
	s.Start()
	s.Stop()
	s.Stop()
	s.Start()
	s.Stop()
}

func TestSetters(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	writeFile(t, filepath.Join(src, "a.txt"), "hello")

	s := New(testLog)
	id := s.AddScheduledTask(src, filepath.Join(dir, "backups"), "t", 60, 0)

	s.SetTaskPassword(id, "pw")
	if err := s.SetTaskCompressionAlgorithm(id, 0); err != nil {
		t.Errorf("set algorithm: %v", err)
	}
	if err := s.SetTaskCompressionAlgorithm(id, 42); err == nil {
		t.Errorf("bad algorithm id accepted")
	}
	if err := s.SetTaskCompressionAlgorithm(99, 0); err == nil {
		t.Errorf("unknown task id accepted")
	}
}
