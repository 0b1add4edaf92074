// Package logfile reads and writes measurement log files.
//
// A log file starts with a header of key=value lines, written in key order,
// followed by the sentinel line BEGIN_TEST_OUTPUT and the raw output of the
// measurement tool. Log files are named after the sweep cell that produced
// them: i<iteration>_s<scenario>_r<run>_<test>, the iteration zero-padded to
// three digits.
package logfile

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Sentinel separates the header from the tool output.
const Sentinel = "BEGIN_TEST_OUTPUT"

// ErrNoSentinel is returned when a log file has no sentinel line.
var ErrNoSentinel = errors.New("log file has no " + Sentinel + " line")

// skipDirs are version control directories ignored by Walk.
var skipDirs = map[string]bool{
	".svn": true,
	".git": true,
	".hg":  true,
	"CVS":  true,
	".bzr": true,
}

var namePattern = regexp.MustCompile(`^i(\d{3,})_s(\d+)_r(\d+)_([A-Za-z0-9][A-Za-z0-9.-]*)$`)

// Prefix returns the name prefix of a sweep cell.
func Prefix(iteration, scenario, run int) string {
	return fmt.Sprintf("i%03d_s%d_r%d", iteration, scenario, run)
}

// Name returns the log file name of a test in a sweep cell.
func Name(iteration, scenario, run int, test string) string {
	return Prefix(iteration, scenario, run) + "_" + test
}

// Key identifies the sweep cell a log file belongs to.
type Key struct {
	Iteration int
	Scenario  int
	Run       int
	Test      string
}

// String returns the log file name of the key.
func (k Key) String() string {
	return Name(k.Iteration, k.Scenario, k.Run, k.Test)
}

// ParseName parses a log file name. It reports false for names that do not
// follow the naming convention.
func ParseName(name string) (Key, bool) {
	m := namePattern.FindStringSubmatch(name)
	if m == nil {
		return Key{}, false
	}
	var k Key
	var err error
	if k.Iteration, err = strconv.Atoi(m[1]); err != nil {
		return Key{}, false
	}
	if k.Scenario, err = strconv.Atoi(m[2]); err != nil {
		return Key{}, false
	}
	if k.Run, err = strconv.Atoi(m[3]); err != nil {
		return Key{}, false
	}
	k.Test = m[4]
	return k, true
}

// Write writes a log file with the given header and body to w.
func Write(w io.Writer, header map[string]string, body string) error {
	keys := make([]string, 0, len(header))
	for k := range header {
		if err := checkHeader(k, header[k]); err != nil {
			return err
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	bw := bufio.NewWriter(w)
	for _, k := range keys {
		fmt.Fprintf(bw, "%s=%s\n", k, header[k])
	}
	bw.WriteString(Sentinel + "\n")
	bw.WriteString(body)
	return bw.Flush()
}

func checkHeader(key, value string) error {
	switch {
	case key == "":
		return errors.New("empty header key")
	case strings.ContainsAny(key, "=\n"):
		return fmt.Errorf("invalid header key %q", key)
	case strings.Contains(value, "\n"):
		return fmt.Errorf("header value of %s contains a newline", key)
	case key == Sentinel:
		return fmt.Errorf("header key %s is reserved", key)
	}
	return nil
}

// WriteFile creates the log file path and returns the CRC32 of its content.
// It never overwrites an existing file.
func WriteFile(path string, header map[string]string, body string) (uint32, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return 0, fmt.Errorf("failed to create log directory: %w", err)
	}

	var buf bytes.Buffer
	if err := Write(&buf, header, body); err != nil {
		return 0, err
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return 0, fmt.Errorf("failed to create log file: %w", err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return 0, fmt.Errorf("failed to write log file: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("failed to write log file: %w", err)
	}
	return crc32.ChecksumIEEE(buf.Bytes()), nil
}

// Read parses a log file. Header values are returned as written; a value may
// contain '=' since only the first one separates key and value.
func Read(r io.Reader) (map[string]string, string, error) {
	br := bufio.NewReader(r)
	header := make(map[string]string)
	for lineno := 1; ; lineno++ {
		line, err := br.ReadString('\n')
		if err != nil && err != io.EOF {
			return nil, "", err
		}
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == Sentinel {
			break
		}
		if err == io.EOF {
			return nil, "", ErrNoSentinel
		}
		if trimmed == "" {
			continue
		}
		k, v, ok := strings.Cut(trimmed, "=")
		if !ok {
			return nil, "", fmt.Errorf("malformed header line %d: %q", lineno, trimmed)
		}
		header[k] = v
	}

	body, err := io.ReadAll(br)
	if err != nil {
		return nil, "", err
	}
	return header, string(body), nil
}

// ReadFile parses the log file at path.
func ReadFile(path string) (map[string]string, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", err
	}
	defer f.Close()

	header, body, err := Read(f)
	if err != nil {
		return nil, "", fmt.Errorf("%s: %w", path, err)
	}
	return header, body, nil
}

// File is a log file found by Walk.
type File struct {
	Path string
	Key  Key
}

// Walk returns the log files below dir, sorted by path. Files whose names
// do not follow the naming convention are ignored, as are version control
// directories.
func Walk(dir string) ([]File, error) {
	var files []File

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if skipDirs[d.Name()] && path != dir {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if key, ok := ParseName(d.Name()); ok {
			files = append(files, File{Path: path, Key: key})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].Path < files[j].Path
	})
	return files, nil
}

// Checksum returns the CRC32 and size of the file at path.
func Checksum(path string) (uint32, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	hash := crc32.NewIEEE()
	n, err := io.Copy(hash, file)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to compute checksum: %w", err)
	}
	return hash.Sum32(), n, nil
}

// FormatCRC formats a checksum the way it is stored in the database.
func FormatCRC(crc uint32) string {
	return fmt.Sprintf("%08x", crc)
}
