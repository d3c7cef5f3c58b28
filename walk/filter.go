// walk/filter.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package walk

import (
	"fmt"
	"regexp"
	"strings"
)

// Filter selects which records are included in a backup.  Directories
// always pass so that tree structure is preserved regardless of the
// criteria.  A zero value for any field disables that criterion.
type Filter struct {
	Enabled bool

	// NameKeywords are literal substrings matched anywhere in the
	// relative path.  If non-empty, NameRegex is ignored.
	NameKeywords []string
	NameRegex    string

	// Suffixes is an allow-list of relative-path suffixes.
	Suffixes []string

	MinSize uint64
	MaxSize uint64

	// StartTime and EndTime bound the modification time (POSIX seconds).
	StartTime int64
	EndTime   int64

	// UserName, if set, must match the record's resolved user name
	// exactly.
	UserName string
}

// namePattern builds the regexp used for the name criterion, or returns
// nil if the filter has no name criterion.  Keyword metacharacters are
// escaped before OR-joining.
func (f *Filter) namePattern() (*regexp.Regexp, error) {
	if len(f.NameKeywords) > 0 {
		quoted := make([]string, len(f.NameKeywords))
		for i, kw := range f.NameKeywords {
			quoted[i] = regexp.QuoteMeta(kw)
		}
		return regexp.Compile(".*(" + strings.Join(quoted, "|") + ").*")
	}
	if f.NameRegex != "" {
		return regexp.Compile(f.NameRegex)
	}
	return nil, nil
}

// Apply returns the records that pass the filter.  The input slice is
// not modified.
func (f *Filter) Apply(recs []FileRecord) ([]FileRecord, error) {
	pattern, err := f.namePattern()
	if err != nil {
		return nil, fmt.Errorf("filter name pattern: %w", err)
	}

	var out []FileRecord
	for _, r := range recs {
		if r.Kind == KindDirectory {
			out = append(out, r)
			continue
		}

		if f.MinSize > 0 && r.Size < f.MinSize {
			continue
		}
		if f.MaxSize > 0 && r.Size > f.MaxSize {
			continue
		}

		if f.StartTime > 0 && r.ModTime < f.StartTime {
			continue
		}
		if f.EndTime > 0 && r.ModTime > f.EndTime {
			continue
		}

		if f.UserName != "" && r.UserName != f.UserName {
			continue
		}

		if len(f.Suffixes) > 0 {
			match := false
			for _, s := range f.Suffixes {
				if strings.HasSuffix(r.RelPath, s) {
					match = true
					break
				}
			}
			if !match {
				continue
			}
		}

		if pattern != nil && !pattern.MatchString(r.RelPath) {
			continue
		}

		out = append(out, r)
	}
	return out, nil
}
