package analysis

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mslinn/umtest/pkg/database"
	"github.com/mslinn/umtest/pkg/logfile"
)

// Change types reported by Verify.
const (
	Modified    = "modified"
	SizeChanged = "size-changed"
	Missing     = "missing"   // recorded, but not on disk
	Untracked   = "untracked" // on disk, but not recorded
)

// Difference is a log file whose content does not match its run record.
type Difference struct {
	Path       string
	StoredCRC  string
	StoredSize int64
	ActualCRC  string
	ActualSize int64
	ChangeType string
}

// Verify compares the log files below dir with the checksums recorded for
// them. runs maps log paths to runs, as returned by DB.RunsByLogPath; runs
// whose log lies outside dir are ignored.
func Verify(dir string, runs map[string]*database.Run) ([]*Difference, int, error) {
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to resolve %s: %w", dir, err)
	}
	files, err := logfile.Walk(root)
	if err != nil {
		return nil, 0, err
	}

	recorded := make(map[string]*database.Run)
	for path, run := range runs {
		abs, err := filepath.Abs(path)
		if err != nil {
			continue
		}
		if strings.HasPrefix(abs, root+string(filepath.Separator)) {
			recorded[abs] = run
		}
	}

	var diffs []*Difference
	onDisk := make(map[string]bool, len(files))
	for _, f := range files {
		onDisk[f.Path] = true
		crc, size, err := logfile.Checksum(f.Path)
		if err != nil {
			return nil, 0, err
		}
		actual := logfile.FormatCRC(crc)

		run, ok := recorded[f.Path]
		if !ok {
			diffs = append(diffs, &Difference{Path: f.Path, ActualCRC: actual, ActualSize: size, ChangeType: Untracked})
			continue
		}
		if run.CRC32 != actual {
			changeType := Modified
			if run.SizeBytes != size {
				changeType = SizeChanged
			}
			diffs = append(diffs, &Difference{
				Path:       f.Path,
				StoredCRC:  run.CRC32,
				StoredSize: run.SizeBytes,
				ActualCRC:  actual,
				ActualSize: size,
				ChangeType: changeType,
			})
		}
	}

	for path, run := range recorded {
		if !onDisk[path] {
			diffs = append(diffs, &Difference{Path: path, StoredCRC: run.CRC32, StoredSize: run.SizeBytes, ChangeType: Missing})
		}
	}

	sort.Slice(diffs, func(i, j int) bool {
		return diffs[i].Path < diffs[j].Path
	})
	return diffs, len(files), nil
}
