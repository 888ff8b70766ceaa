package probe

import (
	"os"
	"path/filepath"

	"boundary/pkg/errors"

	"github.com/google/shlex"
	"gopkg.in/yaml.v3"
)

// Catalog is the ordered list of boundary checks for one suite run.
// Report entries preserve this order regardless of execution order.
type Catalog struct {
	Probes []Descriptor
}

// Len returns the number of probes in the catalog.
func (c Catalog) Len() int {
	return len(c.Probes)
}

// Find returns the descriptor with the given name.
func (c Catalog) Find(name string) (Descriptor, bool) {
	for _, d := range c.Probes {
		if d.Name == name {
			return d, true
		}
	}
	return Descriptor{}, false
}

// Validate checks every descriptor and fails on the first offending entry.
// Binary existence is checked here so a bad catalog aborts before any
// probe runs instead of surfacing mid-suite.
func (c Catalog) Validate() error {
	if len(c.Probes) == 0 {
		return errors.New(errors.CatalogEmpty)
	}
	seen := make(map[string]bool, len(c.Probes))
	for _, d := range c.Probes {
		if d.Name == "" {
			return errors.New(errors.ProbeNameEmpty)
		}
		if seen[d.Name] {
			return errors.Newf(errors.ProbeNameDuplicate, "duplicate probe %q", d.Name)
		}
		seen[d.Name] = true
		if !d.Category.Valid() {
			return errors.Newf(errors.ProbeCategoryInvalid, "probe %q: unknown category %q", d.Name, d.Category)
		}
		if !d.Expect.Valid() {
			return errors.Newf(errors.ExpectationInvalid, "probe %q: unknown expectation %q", d.Name, d.Expect)
		}
		if err := validateCeilings(d); err != nil {
			return err
		}
		if err := validateBinary(d); err != nil {
			return err
		}
	}
	return nil
}

func validateCeilings(d Descriptor) error {
	cl := d.Ceilings
	for _, v := range []int64{cl.WallTimeMs, cl.CPUTimeMs, cl.MemoryMB, cl.StackMB, cl.FileSizeMB, cl.CaptureKB, cl.OpenFiles, cl.PIDs} {
		if v < 0 {
			return errors.Newf(errors.ProbeCeilingInvalid, "probe %q: negative ceiling", d.Name)
		}
	}
	return nil
}

func validateBinary(d Descriptor) error {
	if d.Binary == "" {
		return errors.Newf(errors.ProbeBinaryMissing, "probe %q: empty binary path", d.Name)
	}
	info, err := os.Stat(d.Binary)
	if err != nil {
		return errors.Wrapf(err, errors.ProbeBinaryMissing, "probe %q: binary %q not found", d.Name, d.Binary)
	}
	if info.IsDir() || info.Mode()&0111 == 0 {
		return errors.Newf(errors.ProbeBinaryNotExec, "probe %q: binary %q is not executable", d.Name, d.Binary)
	}
	return nil
}

type catalogFile struct {
	Probes []probeEntry `yaml:"probes"`
}

type probeEntry struct {
	Name     string        `yaml:"name"`
	Category string        `yaml:"category"`
	Binary   string        `yaml:"binary"`
	Args     []string      `yaml:"args"`
	Env      []string      `yaml:"env"`
	Command  string        `yaml:"command"`
	Expect   string        `yaml:"expect"`
	Markers  markersEntry  `yaml:"markers"`
	Ceilings ceilingsEntry `yaml:"ceilings"`
}

type markersEntry struct {
	Breach       []string `yaml:"breach"`
	Blocked      []string `yaml:"blocked"`
	ResourceStop []string `yaml:"resource_stop"`
}

type ceilingsEntry struct {
	WallTimeMs int64 `yaml:"wall_time_ms"`
	CPUTimeMs  int64 `yaml:"cpu_time_ms"`
	MemoryMB   int64 `yaml:"memory_mb"`
	StackMB    int64 `yaml:"stack_mb"`
	FileSizeMB int64 `yaml:"file_size_mb"`
	CaptureKB  int64 `yaml:"capture_kb"`
	OpenFiles  int64 `yaml:"open_files"`
	PIDs       int64 `yaml:"pids"`
}

// Load reads a catalog YAML file, fills category defaults and validates it.
func Load(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, errors.Wrapf(err, errors.CatalogLoadFailed, "read catalog %q", path)
	}
	return Parse(data)
}

// LoadAnchored reads a catalog YAML file and resolves relative binary
// paths against the catalog's directory before validation. Bundled
// catalogs reference their probes this way.
func LoadAnchored(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, errors.Wrapf(err, errors.CatalogLoadFailed, "read catalog %q", path)
	}
	catalog, err := decode(data)
	if err != nil {
		return Catalog{}, err
	}
	dir := filepath.Dir(path)
	for i := range catalog.Probes {
		if !filepath.IsAbs(catalog.Probes[i].Binary) {
			catalog.Probes[i].Binary = filepath.Join(dir, catalog.Probes[i].Binary)
		}
	}
	if err := catalog.Validate(); err != nil {
		return Catalog{}, err
	}
	return catalog, nil
}

// Parse decodes catalog YAML, fills category defaults and validates it.
func Parse(data []byte) (Catalog, error) {
	catalog, err := decode(data)
	if err != nil {
		return Catalog{}, err
	}
	if err := catalog.Validate(); err != nil {
		return Catalog{}, err
	}
	return catalog, nil
}

func decode(data []byte) (Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return Catalog{}, errors.Wrap(err, errors.CatalogParseFailed)
	}

	catalog := Catalog{Probes: make([]Descriptor, 0, len(file.Probes))}
	for _, entry := range file.Probes {
		d := Descriptor{
			Name:     entry.Name,
			Category: Category(entry.Category),
			Binary:   entry.Binary,
			Args:     entry.Args,
			Env:      entry.Env,
			Expect:   Expectation(entry.Expect),
			Markers: Markers{
				Breach:       entry.Markers.Breach,
				Blocked:      entry.Markers.Blocked,
				ResourceStop: entry.Markers.ResourceStop,
			},
			Ceilings: decodeCeilings(entry.Ceilings),
		}
		// A single command string is the compact alternative to
		// binary plus args.
		if entry.Command != "" {
			argv, err := shlex.Split(entry.Command)
			if err != nil {
				return Catalog{}, errors.Wrapf(err, errors.CatalogParseFailed, "probe %q: bad command", entry.Name)
			}
			if len(argv) > 0 {
				d.Binary = argv[0]
				d.Args = argv[1:]
			}
		}
		if d.Expect == "" {
			d.Expect = ExpectBlocked
		}
		d.Ceilings = d.Ceilings.Normalize(d.Category)
		catalog.Probes = append(catalog.Probes, d)
	}
	return catalog, nil
}

func decodeCeilings(e ceilingsEntry) Ceilings {
	return Ceilings{
		WallTimeMs: e.WallTimeMs,
		CPUTimeMs:  e.CPUTimeMs,
		MemoryMB:   e.MemoryMB,
		StackMB:    e.StackMB,
		FileSizeMB: e.FileSizeMB,
		CaptureKB:  e.CaptureKB,
		OpenFiles:  e.OpenFiles,
		PIDs:       e.PIDs,
	}
}
