// Package record turns measurement log files into records with derived
// metrics.
//
// A Parser holds the ordered regular expressions and the metric table of
// one test kind. Applying it to a log file body collects the values of
// every named capture group, in the order they occur. Metrics are computed
// from those captures on demand; the first metric that cannot be computed
// marks the record invalid for good.
package record

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"

	"github.com/mslinn/umtest/pkg/logfile"
)

// ErrInvalidRecord is returned by Calculate once a record became invalid.
var ErrInvalidRecord = errors.New("record is invalid")

// ErrMissingCapture is wrapped by metric functions when a capture group
// they need matched nothing.
var ErrMissingCapture = errors.New("missing capture group")

// Captures maps capture group names to their matches, first to last.
type Captures map[string][]string

// MetricFunc derives one metric from the captures of a record.
type MetricFunc func(Captures) (float64, error)

// Parser extracts captures from the output of one kind of test.
type Parser struct {
	kind     Kind
	patterns []*regexp.Regexp
	metrics  map[string]MetricFunc
}

// Kind returns the test kind of the parser.
func (p *Parser) Kind() Kind {
	return p.kind
}

// Metrics returns the names of the metrics the parser can derive, sorted.
func (p *Parser) Metrics() []string {
	names := make([]string, 0, len(p.metrics))
	for name := range p.metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Parse builds a record from a parsed log file.
func (p *Parser) Parse(header map[string]string, body string) *TestRecord {
	captures := make(Captures)
	for _, re := range p.patterns {
		names := re.SubexpNames()
		for _, m := range re.FindAllStringSubmatchIndex(body, -1) {
			for i := 1; i < len(names); i++ {
				if names[i] == "" || m[2*i] < 0 {
					continue
				}
				captures[names[i]] = append(captures[names[i]], body[m[2*i]:m[2*i+1]])
			}
		}
	}
	if header == nil {
		header = make(map[string]string)
	}
	return &TestRecord{Header: header, Captures: captures, parser: p}
}

// Factory creates records. Parsers are built on first use and cached.
type Factory struct {
	mu      sync.Mutex
	parsers map[Kind]*Parser
}

// NewFactory creates a Factory.
func NewFactory() *Factory {
	return &Factory{parsers: make(map[Kind]*Parser)}
}

// Parser returns the parser for kind.
func (f *Factory) Parser(kind string) (*Parser, error) {
	k, err := ParseKind(kind)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.parsers[k]; ok {
		return p, nil
	}
	p := newParser(k, parserTables[k])
	f.parsers[k] = p
	return p, nil
}

// CreateRecord reads the log file filename and parses it as kind. An
// unsupported kind is reported before the file is opened.
func (f *Factory) CreateRecord(filename, kind string) (*TestRecord, error) {
	p, err := f.Parser(kind)
	if err != nil {
		return nil, err
	}
	header, body, err := logfile.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read log file: %w", err)
	}
	r := p.Parse(header, body)
	r.Path = filename
	return r, nil
}

// TestRecord is the parsed content of one log file.
type TestRecord struct {
	Path     string
	Header   map[string]string
	Captures Captures

	parser  *Parser
	mu      sync.Mutex
	invalid error
}

// Kind returns the test kind the record was parsed as.
func (r *TestRecord) Kind() Kind {
	return r.parser.kind
}

// Metrics returns the metrics defined for the record's kind, sorted.
func (r *TestRecord) Metrics() []string {
	return r.parser.Metrics()
}

// Valid reports whether every metric calculated so far succeeded.
func (r *TestRecord) Valid() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.invalid == nil
}

// Err returns the failure that invalidated the record, or nil.
func (r *TestRecord) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.invalid
}

// Calculate derives metric. A failed derivation invalidates the record and
// every later call returns ErrInvalidRecord. Asking for a metric the kind
// does not define is an error but leaves the record valid.
func (r *TestRecord) Calculate(metric string) (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.invalid != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidRecord, r.invalid)
	}
	fn, ok := r.parser.metrics[metric]
	if !ok {
		return 0, fmt.Errorf("unknown metric %q for %s records", metric, r.parser.kind)
	}
	v, err := fn(r.Captures)
	if err != nil {
		r.invalid = fmt.Errorf("%s: %w", metric, err)
		return 0, r.invalid
	}
	return v, nil
}

// CalculateAll derives every metric of the record's kind. It stops at the
// first failure.
func (r *TestRecord) CalculateAll() (map[string]float64, error) {
	values := make(map[string]float64)
	for _, name := range r.parser.Metrics() {
		v, err := r.Calculate(name)
		if err != nil {
			return nil, err
		}
		values[name] = v
	}
	return values, nil
}
