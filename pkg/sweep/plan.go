package sweep

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultTimeout bounds every remote command of a sweep whose plan sets no
// timeout.
const DefaultTimeout = 5 * time.Minute

// Scenario is one named set of parameters applied to every run.
type Scenario struct {
	Name   string `yaml:"name"`
	Params Params `yaml:"params"`
}

// Profile holds the commands that switch the testbed into the
// configuration the sweep needs and back. They run on every profile node.
type Profile struct {
	Setup    []string `yaml:"setup"`
	Teardown []string `yaml:"teardown"`
	Nodes    []string `yaml:"nodes"` // default: every src and dst node
}

// Upload is a file copied to nodes before the sweep.
type Upload struct {
	Src   string   `yaml:"src"`
	Dst   string   `yaml:"dst"`
	Mode  string   `yaml:"mode"`  // octal, default 0644
	Nodes []string `yaml:"nodes"` // default: every src and dst node
}

// FileMode returns the permission bits of the uploaded file.
func (u Upload) FileMode() (os.FileMode, error) {
	if u.Mode == "" {
		return 0644, nil
	}
	m, err := strconv.ParseUint(u.Mode, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("upload %s: invalid mode %q", u.Src, u.Mode)
	}
	return os.FileMode(m), nil
}

// Plan describes a sweep: iterations × scenarios × runs, each cell running
// every test.
type Plan struct {
	Name        string        `yaml:"name"`
	Iterations  int           `yaml:"iterations"`
	Params      Params        `yaml:"params"`
	Scenarios   []Scenario    `yaml:"scenarios"`
	Runs        []Params      `yaml:"runs"`
	PairsFile   string        `yaml:"pairs"`
	Tests       []string      `yaml:"tests"`
	Parallel    bool          `yaml:"parallel"`
	MaxParallel int           `yaml:"max_parallel"`
	Settle      time.Duration `yaml:"settle"`
	Timeout     time.Duration `yaml:"timeout"`
	Profile     Profile       `yaml:"profile"`
	Uploads     []Upload      `yaml:"uploads"`
}

// LoadPlan reads a plan file. A relative pairs file or upload source is
// resolved against the directory of the plan.
func LoadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan: %w", err)
	}

	var plan Plan
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&plan); err != nil {
		return nil, fmt.Errorf("failed to parse plan %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	if plan.PairsFile != "" {
		if !filepath.IsAbs(plan.PairsFile) {
			plan.PairsFile = filepath.Join(dir, plan.PairsFile)
		}
		pairs, err := LoadPairs(plan.PairsFile)
		if err != nil {
			return nil, err
		}
		plan.Runs = append(plan.Runs, pairs...)
	}
	for i := range plan.Uploads {
		if src := plan.Uploads[i].Src; src != "" && !filepath.IsAbs(src) {
			plan.Uploads[i].Src = filepath.Join(dir, src)
		}
	}
	if plan.Name == "" {
		plan.Name = trimExt(filepath.Base(path))
	}

	plan.setDefaults()
	if err := plan.Validate(DefaultTests()); err != nil {
		return nil, fmt.Errorf("invalid plan %s: %w", path, err)
	}
	return &plan, nil
}

func trimExt(name string) string {
	return name[:len(name)-len(filepath.Ext(name))]
}

func (p *Plan) setDefaults() {
	if p.Iterations == 0 {
		p.Iterations = 1
	}
	if p.Timeout == 0 {
		p.Timeout = DefaultTimeout
	}
	if len(p.Scenarios) == 0 {
		p.Scenarios = []Scenario{{Name: "default"}}
	}
}

// Validate checks the plan against the registry of tests.
func (p *Plan) Validate(registry map[string]TestFunc) error {
	var errs []error
	if p.Iterations < 1 {
		errs = append(errs, fmt.Errorf("iterations must be at least 1, got %d", p.Iterations))
	}
	if p.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("timeout must be positive, got %s", p.Timeout))
	}
	if p.Settle < 0 {
		errs = append(errs, fmt.Errorf("settle must not be negative, got %s", p.Settle))
	}
	if p.MaxParallel < 0 {
		errs = append(errs, fmt.Errorf("max_parallel must not be negative, got %d", p.MaxParallel))
	}
	if len(p.Scenarios) == 0 {
		errs = append(errs, errors.New("no scenarios"))
	}
	if len(p.Runs) == 0 {
		errs = append(errs, errors.New("no runs (give runs or a pairs file)"))
	}
	if len(p.Tests) == 0 {
		errs = append(errs, errors.New("no tests"))
	}
	for _, name := range p.Tests {
		if _, ok := registry[name]; !ok {
			errs = append(errs, fmt.Errorf("unknown test %q (known: %v)", name, testNames(registry)))
		}
	}
	errs = append(errs, checkReserved("params", p.Params)...)
	for i, sc := range p.Scenarios {
		errs = append(errs, checkReserved(fmt.Sprintf("scenario %d params", i), sc.Params)...)
	}
	for i, r := range p.Runs {
		errs = append(errs, checkReserved(fmt.Sprintf("run %d", i), r)...)
	}
	for _, u := range p.Uploads {
		if u.Src == "" || u.Dst == "" {
			errs = append(errs, errors.New("upload needs src and dst"))
		}
		if _, err := u.FileMode(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// checkReserved rejects parameters that would be overwritten by the fields
// identifying a cell in its log header.
func checkReserved(where string, p Params) []error {
	var errs []error
	for _, k := range p.Keys() {
		if slices.Contains(headerFields, k) {
			errs = append(errs, fmt.Errorf("%s: parameter %q is reserved for the log header", where, k))
		}
	}
	return errs
}

// YAML returns the plan as YAML, as stored with the sweep.
func (p *Plan) YAML() string {
	data, err := yaml.Marshal(p)
	if err != nil {
		return ""
	}
	return string(data)
}
