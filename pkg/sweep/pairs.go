package sweep

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// LoadPairs reads a pairs file: one run per line, "src dst" followed by
// optional key=value parameters. Blank lines and text after '#' are
// ignored.
func LoadPairs(path string) ([]Params, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open pairs file: %w", err)
	}
	defer f.Close()

	var runs []Params
	scanner := bufio.NewScanner(f)
	for lineno := 1; scanner.Scan(); lineno++ {
		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if len(fields) < 2 {
			return nil, fmt.Errorf("%s:%d: want \"src dst\", got %q", path, lineno, strings.TrimSpace(line))
		}

		run := Params{"src": fields[0], "dst": fields[1]}
		for _, kv := range fields[2:] {
			k, v, ok := strings.Cut(kv, "=")
			if !ok || k == "" {
				return nil, fmt.Errorf("%s:%d: malformed parameter %q", path, lineno, kv)
			}
			run[k] = v
		}
		runs = append(runs, run)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read pairs file: %w", err)
	}
	return runs, nil
}
