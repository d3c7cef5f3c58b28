// walk/walk.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package walk recursively scans a directory tree and reports one
// FileRecord per entry found, carrying the POSIX metadata that the
// archive format needs to reproduce the tree later.

package walk

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"
)

// FileKind identifies what sort of filesystem entry a FileRecord
// describes.
type FileKind int

const (
	KindRegular FileKind = iota
	KindDirectory
	KindSymlink
	KindFIFO
	KindSocket
	KindCharDevice
	KindBlockDevice
	KindUnknown
)

func (k FileKind) String() string {
	switch k {
	case KindRegular:
		return "regular"
	case KindDirectory:
		return "directory"
	case KindSymlink:
		return "symlink"
	case KindFIFO:
		return "fifo"
	case KindSocket:
		return "socket"
	case KindCharDevice:
		return "char device"
	case KindBlockDevice:
		return "block device"
	default:
		return "unknown"
	}
}

// FileRecord describes a single entry discovered during traversal.  It is
// created here and treated as immutable by everything downstream.
type FileRecord struct {
	// AbsPath is the path used to read the entry's contents from disk.
	AbsPath string
	// RelPath is the path stored in the archive: forward-slash
	// separated, relative to the traversal root, with no leading slash.
	RelPath string
	Kind    FileKind
	// Size is the entry's size in bytes; zero for anything that isn't a
	// regular file.
	Size uint64
	// Mode holds the low twelve permission bits.
	Mode    uint32
	ModTime int64
	UID     uint32
	GID     uint32
	// UserName and GroupName are resolved through the system name
	// service; if lookup fails they hold the numeric id as a decimal
	// string.
	UserName  string
	GroupName string
	// LinkTarget is set only for symlinks and is stored verbatim.
	LinkTarget string
	// DevMajor and DevMinor are set only for device entries.
	DevMajor uint32
	DevMinor uint32
}

// Traverse walks the directory tree rooted at root and returns a record
// for every entry under it, in pre-order: each directory appears before
// its children, siblings in readdir order.  The root itself is not
// reported.  Symlinks are recorded, not followed.
func Traverse(root string) ([]FileRecord, error) {
	var st unix.Stat_t
	if err := unix.Lstat(root, &st); err != nil {
		return nil, fmt.Errorf("%s: %w", root, err)
	}

	var recs []FileRecord
	if err := traverseDir(root, "", &recs); err != nil {
		return nil, err
	}
	return recs, nil
}

func traverseDir(dir, rel string, recs *[]FileRecord) error {
	f, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("%s: %w", dir, err)
	}
	// Readdirnames rather than os.ReadDir: the latter sorts, and
	// sibling order here is the host's raw readdir order.
	names, err := f.Readdirnames(-1)
	f.Close()
	if err != nil {
		return fmt.Errorf("%s: %w", dir, err)
	}

	for _, name := range names {
		if name == ".DS_Store" {
			continue
		}

		full := filepath.Join(dir, name)
		childRel := name
		if rel != "" {
			childRel = rel + "/" + name
		}

		rec, err := statRecord(full, childRel)
		if err != nil {
			return err
		}
		*recs = append(*recs, rec)

		if rec.Kind == KindDirectory {
			if err := traverseDir(full, childRel, recs); err != nil {
				return err
			}
		}
	}
	return nil
}

func statRecord(full, rel string) (FileRecord, error) {
	var st unix.Stat_t
	if err := unix.Lstat(full, &st); err != nil {
		return FileRecord{}, fmt.Errorf("%s: %w", full, err)
	}

	rec := FileRecord{
		AbsPath:   full,
		RelPath:   rel,
		Mode:      uint32(st.Mode & 0o7777),
		ModTime:   int64(st.Mtim.Sec),
		UID:       st.Uid,
		GID:       st.Gid,
		UserName:  lookupUser(st.Uid),
		GroupName: lookupGroup(st.Gid),
	}

	switch st.Mode & unix.S_IFMT {
	case unix.S_IFREG:
		rec.Kind = KindRegular
		rec.Size = uint64(st.Size)
	case unix.S_IFDIR:
		rec.Kind = KindDirectory
	case unix.S_IFLNK:
		rec.Kind = KindSymlink
		target, err := os.Readlink(full)
		if err != nil {
			return FileRecord{}, fmt.Errorf("%s: %w", full, err)
		}
		rec.LinkTarget = target
	case unix.S_IFIFO:
		rec.Kind = KindFIFO
	case unix.S_IFSOCK:
		rec.Kind = KindSocket
	case unix.S_IFCHR:
		rec.Kind = KindCharDevice
	case unix.S_IFBLK:
		rec.Kind = KindBlockDevice
	default:
		rec.Kind = KindUnknown
	}

	if rec.Kind == KindCharDevice || rec.Kind == KindBlockDevice {
		rec.DevMajor = unix.Major(uint64(st.Rdev))
		rec.DevMinor = unix.Minor(uint64(st.Rdev))
	}

	return rec, nil
}

func lookupUser(uid uint32) string {
	if u, err := user.LookupId(strconv.FormatUint(uint64(uid), 10)); err == nil {
		return u.Username
	}
	return strconv.FormatUint(uint64(uid), 10)
}

func lookupGroup(gid uint32) string {
	if g, err := user.LookupGroupId(strconv.FormatUint(uint64(gid), 10)); err == nil {
		return g.Name
	}
	return strconv.FormatUint(uint64(gid), 10)
}
