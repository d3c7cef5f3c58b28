// engine/engine.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package engine composes the backup pipeline: traverse a source tree,
// pack it as a ustar stream, compress, optionally encrypt, and write a
// single artifact file.  Restore runs the stages in reverse; Verify
// runs decrypt and decompress and checks that the result looks like a
// ustar stream.

package engine

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mmp/ark/compress"
	"github.com/mmp/ark/crypt"
	"github.com/mmp/ark/rdso"
	"github.com/mmp/ark/ustar"
	"github.com/mmp/ark/util"
	"github.com/mmp/ark/walk"
)

var ErrEmptyInput = errors.New("nothing to back up")

// Engine holds the per-task settings for the backup pipeline.  An Engine
// is not safe for concurrent use; give each task its own.
type Engine struct {
	algo     compress.Algorithm
	password string
	filter   walk.Filter

	// Reed-Solomon sidecar generation; zero shard counts disable it.
	nData, nParity int

	log *util.Logger
}

// New returns an Engine with LZSS compression, no encryption, and no
// filter.
func New(log *util.Logger) *Engine {
	return &Engine{algo: compress.LZSS, log: log}
}

// Clone returns an independent copy of the engine's settings, sharing
// the logger.  The scheduler uses this to run a backup from a stable
// snapshot of a task's configuration.
func (e *Engine) Clone() *Engine {
	c := *e
	c.filter.NameKeywords = append([]string(nil), e.filter.NameKeywords...)
	c.filter.Suffixes = append([]string(nil), e.filter.Suffixes...)
	return &c
}

// SetCompressionAlgorithm selects the compression algorithm by id.
func (e *Engine) SetCompressionAlgorithm(algo int) error {
	a := compress.Algorithm(algo)
	if a != compress.Huffman && a != compress.LZSS && a != compress.Joined {
		return fmt.Errorf("%d: %w", algo, compress.ErrUnknownAlgorithm)
	}
	e.algo = a
	return nil
}

// SetPassword enables encryption with the given password; the empty
// string disables it.
func (e *Engine) SetPassword(password string) {
	e.password = password
}

// SetFilter installs and enables a record filter for subsequent backups.
func (e *Engine) SetFilter(f walk.Filter) {
	e.filter = f
	e.filter.Enabled = true
}

// SetRecoveryShards enables writing a Reed-Solomon .rs sidecar next to
// each artifact, with the given shard counts.  Zero counts disable it.
func (e *Engine) SetRecoveryShards(nData, nParity int) {
	e.nData, e.nParity = nData, nParity
}

// Backup archives srcDir into a single artifact file derived from dst
// (see resolveDest) and returns the path it wrote.
func (e *Engine) Backup(srcDir, dst string) (string, error) {
	src := filepath.Clean(srcDir)

	recs, err := walk.Traverse(src)
	if err != nil {
		return "", err
	}
	if len(recs) == 0 {
		return "", fmt.Errorf("%s: empty source directory: %w", src, ErrEmptyInput)
	}
	e.log.Verbose("%s: scanned %d entries", src, len(recs))

	if e.filter.Enabled {
		recs, err = e.filter.Apply(recs)
		if err != nil {
			return "", err
		}
		if len(recs) == 0 {
			return "", fmt.Errorf("%s: no entries match the filter: %w", src, ErrEmptyInput)
		}
		e.log.Verbose("%s: %d entries after filtering", src, len(recs))
	}

	// Prefix every path with the source's basename so that restore
	// recreates the top-level directory rather than spilling its
	// children into the destination.
	base := filepath.Base(src)
	for i := range recs {
		recs[i].RelPath = base + "/" + recs[i].RelPath
	}

	var tar bytes.Buffer
	if err := ustar.Write(&tar, recs, e.log); err != nil {
		return "", err
	}
	e.log.Verbose("packed %s", util.FmtBytes(int64(tar.Len())))

	data, err := compress.Compress(tar.Bytes(), e.algo)
	if err != nil {
		return "", err
	}
	e.log.Verbose("compressed to %s (%s)", util.FmtBytes(int64(len(data))), e.algo)

	if e.password != "" {
		data = crypt.New(e.password).Encrypt(data)
	}

	target, err := resolveDest(src, dst)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(target, data, 0644); err != nil {
		return "", err
	}
	e.log.Verbose("wrote %s (%s)", target, util.FmtBytes(int64(len(data))))

	if e.nData > 0 && e.nParity > 0 {
		if err := rdso.WriteRecovery(target, target+".rs", e.nData, e.nParity); err != nil {
			return "", err
		}
	}
	return target, nil
}

// Restore reconstructs the tree stored in the artifact srcFile under
// dstDir.  If the artifact's top-level directory already exists there,
// the tree is placed under a _N-suffixed sibling instead.
func (e *Engine) Restore(srcFile, dstDir string) error {
	tar, err := e.decode(srcFile)
	if err != nil {
		return err
	}

	top := ustar.TopLevel(tar)
	if top == "" {
		return fmt.Errorf("%s: %w", srcFile, ustar.ErrTruncated)
	}

	if _, err := os.Stat(filepath.Join(dstDir, top)); err != nil {
		// No collision; extract in place.
		return ustar.Extract(tar, dstDir, e.log)
	}

	// Extract into a temporary sibling, then move the top-level
	// directory to the first free _N name.
	tmp := filepath.Join(dstDir, fmt.Sprintf(".tmp_restore_%d", time.Now().Unix()))
	if err := ustar.Extract(tar, tmp, e.log); err != nil {
		os.RemoveAll(tmp)
		return err
	}
	defer os.RemoveAll(tmp)

	for n := 1; ; n++ {
		renamed := filepath.Join(dstDir, fmt.Sprintf("%s_%d", top, n))
		if _, err := os.Stat(renamed); err == nil {
			continue
		}
		e.log.Verbose("%s exists; restoring as %s", filepath.Join(dstDir, top), renamed)
		return os.Rename(filepath.Join(tmp, top), renamed)
	}
}

// Verify reports whether the artifact decrypts and decompresses cleanly
// and carries a ustar stream.  A nil return means the artifact is
// restorable under the same password.
func (e *Engine) Verify(path string) error {
	tar, err := e.decode(path)
	if err != nil {
		return err
	}
	if len(tar) < ustar.BlockSize {
		return fmt.Errorf("%s: too short for a tar stream", path)
	}
	if string(tar[257:262]) != "ustar" {
		return fmt.Errorf("%s: missing ustar magic", path)
	}
	return nil
}

// decode runs the read + decrypt + decompress front half shared by
// Restore and Verify.
func (e *Engine) decode(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%s: empty artifact: %w", path, ErrEmptyInput)
	}

	if e.password != "" {
		data, err = crypt.New(e.password).Decrypt(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}

	tar, err := compress.Decompress(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return tar, nil
}

// resolveDest determines the artifact path for a backup of src.  An
// empty dst selects the source's parent directory with an auto-generated
// name; a dst that is (or looks like) a directory gets an auto-generated
// name inside it; anything else is used as the output file verbatim.
func resolveDest(src, dst string) (string, error) {
	if dst == "" {
		return autoName(filepath.Dir(src), filepath.Base(src))
	}

	dst = filepath.Clean(dst)
	if fi, err := os.Stat(dst); err == nil {
		if fi.IsDir() {
			return autoName(dst, filepath.Base(src))
		}
		return dst, nil
	}

	if filepath.Ext(dst) == "" {
		if err := os.MkdirAll(dst, 0755); err != nil {
			return "", err
		}
		return autoName(dst, filepath.Base(src))
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return "", err
	}
	return dst, nil
}

// autoName picks the first unused <base>.bin, <base>_1.bin, ... in dir.
func autoName(dir, base string) (string, error) {
	base = strings.TrimSuffix(base, "/")
	name := filepath.Join(dir, base+".bin")
	for n := 1; ; n++ {
		if _, err := os.Stat(name); os.IsNotExist(err) {
			return name, nil
		}
		name = filepath.Join(dir, fmt.Sprintf("%s_%d.bin", base, n))
	}
}
