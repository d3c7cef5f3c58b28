// ustar/ustar.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package ustar reads and writes POSIX.1-1988 ustar archives: a sequence
// of 512-byte headers and zero-padded content blocks, terminated by two
// all-zero blocks.  It implements exactly the subset of the format the
// backup pipeline needs; in particular there is no pax extension support,
// long paths are handled with the ustar prefix field only.

package ustar

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mmp/ark/util"
	"github.com/mmp/ark/walk"
	"golang.org/x/sys/unix"
)

const BlockSize = 512

var (
	ErrBadChecksum = errors.New("tar header has incorrect checksum")
	ErrTruncated   = errors.New("archive ends in the middle of an entry")
)

// Header field offsets and sizes, per the ustar layout.
const (
	offName     = 0 // 100 bytes
	offMode     = 100
	offUID      = 108
	offGID      = 116
	offSize     = 124 // 12 bytes
	offMtime    = 136 // 12 bytes
	offChksum   = 148
	offTypeflag = 156
	offLinkname = 157 // 100 bytes
	offMagic    = 257
	offVersion  = 263
	offUname    = 265 // 32 bytes
	offGname    = 297 // 32 bytes
	offDevmajor = 329
	offDevminor = 337
	offPrefix   = 345 // 155 bytes
)

const (
	typeRegular    = '0'
	typeSymlink    = '2'
	typeCharDevice = '3'
	typeBlockDev   = '4'
	typeDirectory  = '5'
	typeFIFO       = '6'
)

// Write serializes the given records as a ustar stream.  Regular file
// contents are read from each record's AbsPath.  Socket entries are
// skipped with a warning; the format has no representation for them.
func Write(w io.Writer, recs []walk.FileRecord, log *util.Logger) error {
	for i := range recs {
		rec := &recs[i]
		if rec.Kind == walk.KindSocket {
			log.Warning("%s: sockets cannot be archived, skipping", rec.RelPath)
			continue
		}

		hdr := encodeHeader(rec, log)
		if _, err := w.Write(hdr[:]); err != nil {
			return err
		}

		if rec.Kind == walk.KindRegular {
			if err := writeContents(w, rec); err != nil {
				return err
			}
		}
	}

	// Terminator: two zero blocks.
	var zero [2 * BlockSize]byte
	_, err := w.Write(zero[:])
	return err
}

func writeContents(w io.Writer, rec *walk.FileRecord) error {
	f, err := os.Open(rec.AbsPath)
	if err != nil {
		return err
	}
	defer f.Close()

	n, err := io.Copy(w, io.LimitReader(f, int64(rec.Size)))
	if err != nil {
		return err
	}
	if uint64(n) != rec.Size {
		return fmt.Errorf("%s: file shrank while being archived", rec.AbsPath)
	}

	if pad := padding(rec.Size); pad > 0 {
		var zero [BlockSize]byte
		if _, err := w.Write(zero[:pad]); err != nil {
			return err
		}
	}
	return nil
}

func padding(size uint64) int {
	return int((BlockSize - size%BlockSize) % BlockSize)
}

func encodeHeader(rec *walk.FileRecord, log *util.Logger) [BlockSize]byte {
	var h [BlockSize]byte

	name, prefix, ok := splitPath(rec.RelPath)
	if !ok {
		log.Warning("%s: path too long for a ustar header, truncating", rec.RelPath)
		name, prefix = rec.RelPath[:100], ""
	}
	copy(h[offName:offName+100], name)
	copy(h[offPrefix:offPrefix+155], prefix)

	putOctal(h[offMode:offMode+8], uint64(rec.Mode))
	putOctal(h[offUID:offUID+8], uint64(rec.UID))
	putOctal(h[offGID:offGID+8], uint64(rec.GID))
	putOctal(h[offMtime:offMtime+12], uint64(rec.ModTime))

	var size uint64
	switch rec.Kind {
	case walk.KindDirectory:
		h[offTypeflag] = typeDirectory
	case walk.KindSymlink:
		h[offTypeflag] = typeSymlink
		copy(h[offLinkname:offLinkname+100], rec.LinkTarget)
	case walk.KindCharDevice:
		h[offTypeflag] = typeCharDevice
		putOctal(h[offDevmajor:offDevmajor+8], uint64(rec.DevMajor))
		putOctal(h[offDevminor:offDevminor+8], uint64(rec.DevMinor))
	case walk.KindBlockDevice:
		h[offTypeflag] = typeBlockDev
		putOctal(h[offDevmajor:offDevmajor+8], uint64(rec.DevMajor))
		putOctal(h[offDevminor:offDevminor+8], uint64(rec.DevMinor))
	case walk.KindFIFO:
		h[offTypeflag] = typeFIFO
	default:
		h[offTypeflag] = typeRegular
		size = rec.Size
	}
	putOctal(h[offSize:offSize+12], size)

	copy(h[offMagic:offMagic+6], "ustar\x00")
	copy(h[offVersion:offVersion+2], "00")
	copy(h[offUname:offUname+32], rec.UserName)
	copy(h[offGname:offGname+32], rec.GroupName)

	writeChecksum(&h)
	return h
}

// splitPath places the relative path into the name and prefix fields.
// Paths of 100 bytes or less go into name whole; longer paths are split
// at the leftmost '/' in [max(0, len-101), min(155, len)) so that prefix
// holds at most 155 bytes and name at most 100 (the separator itself is
// not stored).
func splitPath(p string) (name, prefix string, ok bool) {
	if len(p) <= 100 {
		return p, "", true
	}

	lo := 0
	if len(p) > 101 {
		lo = len(p) - 101
	}
	hi := 155
	if len(p) < hi {
		hi = len(p)
	}
	for i := lo; i < hi; i++ {
		if p[i] == '/' && len(p)-i-1 <= 100 {
			return p[i+1:], p[:i], true
		}
	}
	return "", "", false
}

// putOctal writes v into the field as zero-padded right-justified ASCII
// octal with a trailing NUL.
func putOctal(field []byte, v uint64) {
	s := strconv.FormatUint(v, 8)
	if len(s) > len(field)-1 {
		// Keep the low-order digits if the value doesn't fit.
		s = s[len(s)-(len(field)-1):]
	}
	// Zero-pad to fill all but the trailing NUL.
	for i := 0; i < len(field)-1-len(s); i++ {
		field[i] = '0'
	}
	copy(field[len(field)-1-len(s):], s)
	field[len(field)-1] = 0
}

func parseOctal(field []byte) uint64 {
	s := strings.Trim(string(field), "\x00 ")
	if s == "" {
		return 0
	}
	v, err := strconv.ParseUint(s, 8, 64)
	if err != nil {
		return 0
	}
	return v
}

// writeChecksum computes the header checksum: the unsigned byte sum of
// the full 512-byte header with the checksum field taken as eight ASCII
// spaces, stored as six octal digits, NUL, space.
func writeChecksum(h *[BlockSize]byte) {
	copy(h[offChksum:offChksum+8], "        ")
	var sum uint64
	for _, b := range h {
		sum += uint64(b)
	}
	copy(h[offChksum:offChksum+8], fmt.Sprintf("%06o\x00 ", sum))
}

func verifyChecksum(h []byte) bool {
	stored := parseOctal(h[offChksum : offChksum+8])
	var sum uint64
	for i, b := range h {
		if i >= offChksum && i < offChksum+8 {
			sum += ' '
		} else {
			sum += uint64(b)
		}
	}
	return sum == stored
}

func isZeroBlock(h []byte) bool {
	for _, b := range h {
		if b != 0 {
			return false
		}
	}
	return true
}

// headerPath reassembles the full relative path from the name and prefix
// fields.
func headerPath(h []byte) string {
	name := cString(h[offName : offName+100])
	prefix := cString(h[offPrefix : offPrefix+155])
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

func cString(b []byte) string {
	if i := strings.IndexByte(string(b), 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}

// unsafePath reports whether the path contains a ".." component.
func unsafePath(p string) bool {
	for _, c := range strings.Split(filepath.ToSlash(p), "/") {
		if c == ".." {
			return true
		}
	}
	return false
}

// TopLevel returns the first path component of the first entry in the
// archive, or "" if the data is too short to hold a header.
func TopLevel(data []byte) string {
	if len(data) < 100 {
		return ""
	}
	name := cString(data[:100])
	if i := strings.IndexByte(name, '/'); i >= 0 {
		return name[:i]
	}
	return name
}

// Extract unpacks the archive bytes into dstDir.  A header with a bad
// checksum aborts the whole extraction; entries with unsafe paths are
// skipped with a warning.  Devices and FIFOs are created when the
// process has sufficient privilege and skipped with a warning otherwise.
func Extract(data []byte, dstDir string, log *util.Logger) error {
	if err := os.MkdirAll(dstDir, 0755); err != nil {
		return err
	}

	for off := 0; ; off += BlockSize {
		if off+BlockSize > len(data) {
			// No terminator, but nothing left to read either.
			return nil
		}
		h := data[off : off+BlockSize]
		if isZeroBlock(h) {
			return nil
		}

		if !verifyChecksum(h) {
			return fmt.Errorf("entry at offset %d: %w", off, ErrBadChecksum)
		}

		relPath := headerPath(h)
		size := parseOctal(h[offSize : offSize+12])
		contentBlocks := int(size) + padding(size)

		if unsafePath(relPath) {
			log.Warning("%s: skipping unsafe path", relPath)
			off += contentBlocks
			continue
		}

		dest := filepath.Join(dstDir, filepath.FromSlash(relPath))
		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			return err
		}

		mode := parseOctal(h[offMode : offMode+8])
		mtime := parseOctal(h[offMtime : offMtime+12])

		typeflag := h[offTypeflag]
		if typeflag == 0 {
			typeflag = typeRegular
		}

		created := true
		switch typeflag {
		case typeDirectory:
			if err := os.MkdirAll(dest, 0755); err != nil {
				return err
			}
		case typeSymlink:
			target := cString(h[offLinkname : offLinkname+100])
			os.Remove(dest)
			if err := os.Symlink(target, dest); err != nil {
				log.Warning("%s: cannot create symlink: %v", dest, err)
				created = false
			}
		case typeCharDevice, typeBlockDev:
			major := uint32(parseOctal(h[offDevmajor : offDevmajor+8]))
			minor := uint32(parseOctal(h[offDevminor : offDevminor+8]))
			devMode := uint32(mode) | unix.S_IFCHR
			if typeflag == typeBlockDev {
				devMode = uint32(mode) | unix.S_IFBLK
			}
			if err := unix.Mknod(dest, devMode, int(unix.Mkdev(major, minor))); err != nil {
				log.Warning("%s: cannot create device node: %v", dest, err)
				created = false
			}
		case typeFIFO:
			if err := unix.Mkfifo(dest, uint32(mode)); err != nil {
				log.Warning("%s: cannot create fifo: %v", dest, err)
				created = false
			}
		default:
			if off+BlockSize+int(size) > len(data) {
				return fmt.Errorf("%s: %w", relPath, ErrTruncated)
			}
			contents := data[off+BlockSize : off+BlockSize+int(size)]
			if err := os.WriteFile(dest, contents, 0600); err != nil {
				return err
			}
		}
		off += contentBlocks

		if created {
			if typeflag == typeSymlink {
				// Chmod and Chtimes would follow the link to its
				// target; use the NOFOLLOW variants so the link itself
				// gets its metadata back.  Linux has no symlink
				// permission bits and reports EOPNOTSUPP for the
				// chmod; that is not worth a warning.
				err := unix.Fchmodat(unix.AT_FDCWD, dest, uint32(mode),
					unix.AT_SYMLINK_NOFOLLOW)
				if err != nil && err != unix.EOPNOTSUPP {
					log.Warning("%s: chmod: %v", dest, err)
				}
				tv := unix.Timeval{Sec: int64(mtime)}
				if err := unix.Lutimes(dest, []unix.Timeval{tv, tv}); err != nil {
					log.Warning("%s: chtimes: %v", dest, err)
				}
			} else {
				// unix.Chmod rather than os.Chmod: the stored bits are
				// raw POSIX mode bits, including setuid/setgid/sticky,
				// which os.FileMode represents differently.
				if err := unix.Chmod(dest, uint32(mode)); err != nil {
					log.Warning("%s: chmod: %v", dest, err)
				}
				t := time.Unix(int64(mtime), 0)
				if err := os.Chtimes(dest, t, t); err != nil {
					log.Warning("%s: chtimes: %v", dest, err)
				}
			}
		}
	}
}
