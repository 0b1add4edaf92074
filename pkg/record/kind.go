package record

import (
	"fmt"
	"sort"
	"strings"
)

// Kind names a measurement tool whose output can be parsed.
type Kind string

const (
	Ping      Kind = "ping"
	Fping     Kind = "fping"
	Flowgrind Kind = "flowgrind"
	Nuttcp    Kind = "nuttcp"
	Thrulay   Kind = "thrulay"
)

// Kinds returns the supported kinds in sorted order.
func Kinds() []Kind {
	kinds := make([]Kind, 0, len(parserTables))
	for k := range parserTables {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// ParseKind validates s as a kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := parserTables[k]; !ok {
		return "", &UnsupportedTestTypeError{Kind: s}
	}
	return k, nil
}

// UnsupportedTestTypeError reports a request for a kind without a parser.
type UnsupportedTestTypeError struct {
	Kind string
}

func (e *UnsupportedTestTypeError) Error() string {
	names := make([]string, 0, len(parserTables))
	for _, k := range Kinds() {
		names = append(names, string(k))
	}
	return fmt.Sprintf("unsupported test type %q (supported: %s)", e.Kind, strings.Join(names, ", "))
}
