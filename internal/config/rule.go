// Package config is the boundary the spec reduces "configuration and
// rule-definition embedding" to: "a function that returns a list of rule
// descriptors" (§1 Out of scope). Loader is that function, made concrete by
// a YAML-based default implementation — the same role distri's
// build.textproto/meta.textproto files play for package metadata, rendered
// in YAML (github.com/goccy/go-yaml, from the retrieval pack) because we
// have no protoc available to generate bindings for a textproto schema (see
// DESIGN.md).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"golang.org/x/xerrors"

	"github.com/gomake/gomake/internal/store"
)

// DepPattern is one statically-declared dependency of a rule (§3 Dep: "an
// ordered list with flags").
type DepPattern struct {
	Name  string         `yaml:"name"`
	Flags store.DepFlags `yaml:"-"`

	Required    bool `yaml:"required"`
	Critical    bool `yaml:"critical"`
	Essential   bool `yaml:"essential"`
	IgnoreError bool `yaml:"ignore_error"`
	Top         bool `yaml:"top"`
}

func (d *DepPattern) resolveFlags() {
	d.Flags = store.DepStatic
	if d.Required {
		d.Flags |= store.DepRequired
	}
	if d.Critical {
		d.Flags |= store.DepCritical
	}
	if d.Essential {
		d.Flags |= store.DepEssential
	}
	if d.IgnoreError {
		d.Flags |= store.DepIgnoreError
	}
	if d.Top {
		d.Flags |= store.DepTop
	}
}

// Resources is a rule's resource requirements (§3 Rule).
type Resources struct {
	CPU     uint32 `yaml:"cpu"`
	MemMB   uint32 `yaml:"mem_mb"`
	TmpMB   uint32 `yaml:"tmp_mb"`
	Backend string `yaml:"backend"` // "local" or "cluster" (§4.G)
}

// View describes one sandbox view (§4.D, GLOSSARY "View"): a logical path
// the job sees that is backed by a bind, overlay, tmpfs, or FUSE mount.
type View struct {
	Path string   `yaml:"path"`
	Kind string   `yaml:"kind"`           // "bind" | "overlay" | "tmpfs" | "fuse"
	Src  []string `yaml:"src,omitempty"`  // physical directories (bind: 1, overlay: N)
	TmpfsSizeMB uint32 `yaml:"tmpfs_size_mb,omitempty"`
}

// Rule is the full specification for a family of jobs (§3 Rule).
type Rule struct {
	ID   uint64 `yaml:"-"`
	Name string `yaml:"name"`

	Targets    []string     `yaml:"targets"`
	StaticDeps []DepPattern `yaml:"static_deps"`

	Cmd       string    `yaml:"cmd"`
	Resources Resources `yaml:"resources"`
	Priority  int32     `yaml:"priority"`

	IsAnti   bool `yaml:"is_anti"`
	Special  bool `yaml:"special"`
	Frozen   bool `yaml:"frozen"`
	ManualOk bool `yaml:"manual_ok"`
	KeepTmp  bool `yaml:"keep_tmp"`
	Cacheable bool `yaml:"cacheable"`

	Timeout time.Duration `yaml:"timeout"`

	// AutodepMethod names the §4.C interception mechanism. Validate
	// defaults an empty value to "ptrace" and accepts any other string
	// unchecked; the job supervisor always traces with ptrace (see
	// internal/autodep), whatever this field says.
	AutodepMethod string `yaml:"autodep_method"`

	ChrootDir string `yaml:"chroot_dir,omitempty"`
	Cwd       string `yaml:"cwd,omitempty"`
	Views     []View `yaml:"views,omitempty"`
}

// Validate rejects rule definitions §7 calls "User rule errors": bad
// pattern, duplicate target, unknown resource backend.
func (r *Rule) Validate() error {
	if r.Name == "" {
		return xerrors.New("config: rule has no name")
	}
	if len(r.Targets) == 0 {
		return xerrors.Errorf("config: rule %q declares no targets", r.Name)
	}
	seenTarget := make(map[string]bool, len(r.Targets))
	for _, t := range r.Targets {
		if t == "" {
			return xerrors.Errorf("config: rule %q has an empty target pattern", r.Name)
		}
		if seenTarget[t] {
			return xerrors.Errorf("config: rule %q declares target %q twice", r.Name, t)
		}
		seenTarget[t] = true
	}
	switch r.Resources.Backend {
	case "", "local", "cluster":
	default:
		return xerrors.Errorf("config: rule %q has unknown resource backend %q", r.Name, r.Resources.Backend)
	}
	for i := range r.StaticDeps {
		r.StaticDeps[i].resolveFlags()
		if r.StaticDeps[i].Name == "" {
			return xerrors.Errorf("config: rule %q has an empty static dep", r.Name)
		}
	}
	if r.AutodepMethod == "" {
		r.AutodepMethod = "ptrace"
	}
	return nil
}

// Loader returns the current list of rule descriptors. This is the
// function the spec's §1 "Out of scope" paragraph names directly; callers
// (internal/match, internal/engine) depend only on this interface so that
// Python glue, a different file format, or an in-memory test fixture can
// all satisfy it.
type Loader interface {
	Load() ([]Rule, error)
}

// YAMLLoader loads rule descriptors from a directory of "*.rule.yaml"
// files, one rule per file, matching distri's one-build.textproto-per-
// package layout.
type YAMLLoader struct {
	Dir string
}

func (l YAMLLoader) Load() ([]Rule, error) {
	entries, err := os.ReadDir(l.Dir)
	if err != nil {
		return nil, xerrors.Errorf("config: read %s: %w", l.Dir, err)
	}
	var rules []Rule
	seen := make(map[string]bool)
	var id uint64 = 1
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".rule.yaml") {
			continue
		}
		path := filepath.Join(l.Dir, e.Name())
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		var r Rule
		if err := yaml.Unmarshal(b, &r); err != nil {
			return nil, xerrors.Errorf("config: parse %s: %w", path, err)
		}
		if err := r.Validate(); err != nil {
			return nil, xerrors.Errorf("config: %s: %w", path, err)
		}
		if seen[r.Name] {
			return nil, fmt.Errorf("config: duplicate rule name %q (in %s)", r.Name, path)
		}
		seen[r.Name] = true
		r.ID = id
		id++
		rules = append(rules, r)
	}
	return rules, nil
}

// StaticLoader is an in-memory Loader, used by tests and by callers that
// already have rules (e.g. decoded from a persisted RuleRecord set).
type StaticLoader struct{ Rules []Rule }

func (l StaticLoader) Load() ([]Rule, error) { return l.Rules, nil }
