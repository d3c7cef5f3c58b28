// engine/engine_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package engine

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/mmp/ark/compress"
	"github.com/mmp/ark/crypt"
	"github.com/mmp/ark/util"
	"github.com/mmp/ark/walk"
)

func walkFilter(t *testing.T, suffixes []string, maxSize uint64) walk.Filter {
	t.Helper()
	return walk.Filter{Suffixes: suffixes, MaxSize: maxSize}
}

var testLog = util.NewLogger(false, false)

func writeFile(t *testing.T, path string, contents []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, contents, 0644); err != nil {
		t.Fatal(err)
	}
}

// makeSource builds the standard test tree under dir/src.
func makeSource(t *testing.T, dir string) string {
	t.Helper()
	src := filepath.Join(dir, "src")
	writeFile(t, filepath.Join(src, "file1.txt"), []byte("Content of file 1"))
	writeFile(t, filepath.Join(src, "file2.log"), []byte("Log data..."))
	writeFile(t, filepath.Join(src, "subdir", "file3.bin"), []byte{0x42, 0x69, 0x00, 0xFF})
	return src
}

func checkFile(t *testing.T, path string, want []byte) {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Errorf("%s: %v", path, err)
		return
	}
	if !bytes.Equal(b, want) {
		t.Errorf("%s: got %q, want %q", path, b, want)
	}
}

func TestBackupRestoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	src := makeSource(t, dir)
	artifact := filepath.Join(dir, "backup.bin")

	e := New(testLog)
	if _, err := e.Backup(src, artifact); err != nil {
		t.Fatalf("backup: %v", err)
	}

	out := filepath.Join(dir, "out")
	if err := e.Restore(artifact, out); err != nil {
		t.Fatalf("restore: %v", err)
	}

	checkFile(t, filepath.Join(out, "src", "file1.txt"), []byte("Content of file 1"))
	checkFile(t, filepath.Join(out, "src", "file2.log"), []byte("Log data..."))
	checkFile(t, filepath.Join(out, "src", "subdir", "file3.bin"), []byte{0x42, 0x69, 0x00, 0xFF})
}

func TestAllAlgorithms(t *testing.T) {
	dir := t.TempDir()
	src := makeSource(t, dir)

	for _, algo := range []compress.Algorithm{compress.Huffman, compress.LZSS, compress.Joined} {
		artifact := filepath.Join(dir, algo.String()+".bin")

		e := New(testLog)
		if err := e.SetCompressionAlgorithm(int(algo)); err != nil {
			t.Fatal(err)
		}
		if _, err := e.Backup(src, artifact); err != nil {
			t.Fatalf("%s: backup: %v", algo, err)
		}
		if err := e.Verify(artifact); err != nil {
			t.Errorf("%s: verify: %v", algo, err)
		}

		out := filepath.Join(dir, "out_"+algo.String())
		if err := e.Restore(artifact, out); err != nil {
			t.Fatalf("%s: restore: %v", algo, err)
		}
		checkFile(t, filepath.Join(out, "src", "file1.txt"), []byte("Content of file 1"))
	}
}

func TestWrongPassword(t *testing.T) {
	dir := t.TempDir()
	src := makeSource(t, dir)
	artifact := filepath.Join(dir, "backup.bin")

	e := New(testLog)
	e.SetPassword("CorrectPassword")
	if _, err := e.Backup(src, artifact); err != nil {
		t.Fatalf("backup: %v", err)
	}

	bad := New(testLog)
	bad.SetPassword("WrongPassword")
	if err := bad.Restore(artifact, filepath.Join(dir, "out")); !errors.Is(err, crypt.ErrBadPadding) {
		t.Errorf("restore with wrong password: expected ErrBadPadding, got %v", err)
	}
	if err := bad.Verify(artifact); err == nil {
		t.Errorf("verify with wrong password succeeded")
	}

	if err := e.Verify(artifact); err != nil {
		t.Errorf("verify with correct password: %v", err)
	}
}

func TestFilterSuffixAndSize(t *testing.T) {
	dir := t.TempDir()
	src := makeSource(t, dir)
	writeFile(t, filepath.Join(src, "extra.txt"), []byte("extra content."))
	writeFile(t, filepath.Join(src, "ignore.jpg"), []byte("jpeg bytes"))
	writeFile(t, filepath.Join(src, "large_doc.txt"), bytes.Repeat([]byte("x"), 10240))

	artifact := filepath.Join(dir, "backup.bin")
	e := New(testLog)
	e.SetFilter(walkFilter(t, []string{".txt", ".log"}, 5000))
	if _, err := e.Backup(src, artifact); err != nil {
		t.Fatalf("backup: %v", err)
	}

	out := filepath.Join(dir, "out")
	if err := e.Restore(artifact, out); err != nil {
		t.Fatalf("restore: %v", err)
	}

	for _, want := range []string{"file1.txt", "file2.log", "extra.txt"} {
		if _, err := os.Stat(filepath.Join(out, "src", want)); err != nil {
			t.Errorf("%s: %v", want, err)
		}
	}
	for _, absent := range []string{"subdir/file3.bin", "ignore.jpg", "large_doc.txt"} {
		if _, err := os.Stat(filepath.Join(out, "src", filepath.FromSlash(absent))); err == nil {
			t.Errorf("%s: unexpectedly restored", absent)
		}
	}
}

func TestFilterKeywordsWithMetacharacters(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	writeFile(t, filepath.Join(src, "calc(v1+2).cpp"), []byte("int main() {}"))
	writeFile(t, filepath.Join(src, "notes_alpha.txt"), []byte("notes"))
	writeFile(t, filepath.Join(src, "vacation.jpg"), []byte("jpeg"))

	artifact := filepath.Join(dir, "backup.bin")
	e := New(testLog)
	f := walkFilter(t, nil, 0)
	f.NameKeywords = []string{"alpha", "(v1+2)"}
	e.SetFilter(f)
	if _, err := e.Backup(src, artifact); err != nil {
		t.Fatalf("backup: %v", err)
	}

	out := filepath.Join(dir, "out")
	if err := e.Restore(artifact, out); err != nil {
		t.Fatalf("restore: %v", err)
	}

	for _, want := range []string{"calc(v1+2).cpp", "notes_alpha.txt"} {
		if _, err := os.Stat(filepath.Join(out, "src", want)); err != nil {
			t.Errorf("%s: %v", want, err)
		}
	}
	if _, err := os.Stat(filepath.Join(out, "src", "vacation.jpg")); err == nil {
		t.Errorf("vacation.jpg: unexpectedly restored")
	}
}

func TestFilterEmptyResult(t *testing.T) {
	dir := t.TempDir()
	src := makeSource(t, dir)

	e := New(testLog)
	e.SetFilter(walkFilter(t, []string{".nomatch"}, 0))
	// Directories always pass the filter, so subdir is removed to leave
	// the filter nothing to keep.
	os.RemoveAll(filepath.Join(src, "subdir"))
	if _, err := e.Backup(src, filepath.Join(dir, "b.bin")); !errors.Is(err, ErrEmptyInput) {
		t.Errorf("expected ErrEmptyInput, got %v", err)
	}
}

func TestVerifyCorruption(t *testing.T) {
	dir := t.TempDir()
	src := makeSource(t, dir)
	artifact := filepath.Join(dir, "backup.bin")

	e := New(testLog)
	if _, err := e.Backup(src, artifact); err != nil {
		t.Fatalf("backup: %v", err)
	}
	if err := e.Verify(artifact); err != nil {
		t.Fatalf("verify of intact artifact: %v", err)
	}

	data, err := os.ReadFile(artifact)
	if err != nil {
		t.Fatal(err)
	}
	data[10] ^= 0xFF
	if err := os.WriteFile(artifact, data, 0644); err != nil {
		t.Fatal(err)
	}

	if err := e.Verify(artifact); err == nil {
		t.Errorf("verify of corrupt artifact succeeded")
	}
}

func TestRestoreNameCollision(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "project")
	writeFile(t, filepath.Join(src, "main.go"), []byte("package main"))

	artifact := filepath.Join(dir, "backup.bin")
	e := New(testLog)
	if _, err := e.Backup(src, artifact); err != nil {
		t.Fatalf("backup: %v", err)
	}

	out := filepath.Join(dir, "out")
	// Pre-existing project/ in the destination.
	writeFile(t, filepath.Join(out, "project", "other.txt"), []byte("keep me"))

	if err := e.Restore(artifact, out); err != nil {
		t.Fatalf("restore: %v", err)
	}

	checkFile(t, filepath.Join(out, "project", "other.txt"), []byte("keep me"))
	checkFile(t, filepath.Join(out, "project_1", "main.go"), []byte("package main"))

	// A second collision lands in project_2.
	if err := e.Restore(artifact, out); err != nil {
		t.Fatalf("second restore: %v", err)
	}
	checkFile(t, filepath.Join(out, "project_2", "main.go"), []byte("package main"))

	// No temporary directories left behind.
	entries, err := os.ReadDir(out)
	if err != nil {
		t.Fatal(err)
	}
	for _, ent := range entries {
		if ent.Name() != "project" && ent.Name() != "project_1" && ent.Name() != "project_2" {
			t.Errorf("unexpected entry %q in destination", ent.Name())
		}
	}
}

func TestDestinationResolution(t *testing.T) {
	dir := t.TempDir()
	src := makeSource(t, dir)

	e := New(testLog)

	// Empty dst: parent of the source, auto-generated name.
	target, err := e.Backup(src, "")
	if err != nil {
		t.Fatalf("backup: %v", err)
	}
	if target != filepath.Join(dir, "src.bin") {
		t.Errorf("auto target is %q", target)
	}

	// Same again: the name must not collide.
	target, err = e.Backup(src, "")
	if err != nil {
		t.Fatalf("backup: %v", err)
	}
	if target != filepath.Join(dir, "src_1.bin") {
		t.Errorf("second auto target is %q", target)
	}

	// Extensionless non-existent dst is treated as a directory.
	target, err = e.Backup(src, filepath.Join(dir, "backups"))
	if err != nil {
		t.Fatalf("backup: %v", err)
	}
	if target != filepath.Join(dir, "backups", "src.bin") {
		t.Errorf("directory target is %q", target)
	}

	// Explicit file name is used verbatim, parents created.
	want := filepath.Join(dir, "deep", "nested", "out.bin")
	target, err = e.Backup(src, want)
	if err != nil {
		t.Fatalf("backup: %v", err)
	}
	if target != want {
		t.Errorf("explicit target is %q", target)
	}
}

func TestRecoverySidecar(t *testing.T) {
	dir := t.TempDir()
	src := makeSource(t, dir)
	artifact := filepath.Join(dir, "backup.bin")

	e := New(testLog)
	e.SetRecoveryShards(4, 2)
	if _, err := e.Backup(src, artifact); err != nil {
		t.Fatalf("backup: %v", err)
	}
	if _, err := os.Stat(artifact + ".rs"); err != nil {
		t.Errorf("missing recovery sidecar: %v", err)
	}
}

func TestUnknownAlgorithmRejected(t *testing.T) {
	e := New(testLog)
	if err := e.SetCompressionAlgorithm(42); err == nil {
		t.Errorf("unknown algorithm id accepted")
	}
}
