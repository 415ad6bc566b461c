package rules

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/charlievieth/fastwalk"
	"github.com/goccy/go-yaml"
	"go.uber.org/zap"

	"github.com/switchboard-sh/switchboard/internal/attention"
	"github.com/switchboard-sh/switchboard/internal/infrastructure/config"
	"github.com/switchboard-sh/switchboard/internal/infrastructure/logging"
	"github.com/switchboard-sh/switchboard/internal/shared/types"
)

// maxListing bounds how many workdir paths scope globs are evaluated
// against. Projects larger than this match on the first entries found.
const maxListing = 4096

// skipDirs are never descended into when listing a workdir.
var skipDirs = map[string]bool{
	"node_modules": true,
	"vendor":       true,
	"target":       true,
}

var errListingFull = errors.New("listing full")

// File is the on-disk schema of a patterns file.
//
//	version: 1
//	rules:
//	  - name: py-repl
//	    pattern: '>>> $'
//	    category: input_prompt
//	    priority: 55
//	    scope: ["pyproject.toml", "**/*.py"]
type File struct {
	Version int     `yaml:"version"`
	Rules   []Entry `yaml:"rules"`
}

// Entry is one rule before compilation. Priority and confidence are
// optional; zero falls back to the category defaults.
type Entry struct {
	Name       string   `yaml:"name"`
	Pattern    string   `yaml:"pattern"`
	Category   string   `yaml:"category"`
	Priority   float64  `yaml:"priority"`
	Confidence float64  `yaml:"confidence"`
	Scope      []string `yaml:"scope"`
}

// EntryError reports an invalid rule entry and where it sits in the file.
// Index is the zero-based position under the rules key, -1 for file-level
// failures such as unreadable YAML.
type EntryError struct {
	Source string
	Index  int
	Name   string
	Err    error
}

func (e EntryError) Error() string {
	switch {
	case e.Index < 0:
		return fmt.Sprintf("%s: %v", e.Source, e.Err)
	case e.Name != "":
		return fmt.Sprintf("%s: rules[%d] %q: %v", e.Source, e.Index, e.Name, e.Err)
	default:
		return fmt.Sprintf("%s: rules[%d]: %v", e.Source, e.Index, e.Err)
	}
}

func (e EntryError) Unwrap() error { return e.Err }

// Result is the outcome of loading one or more pattern files. Valid
// rules load even when sibling entries fail, so Errors and Rules are
// usually both worth inspecting.
type Result struct {
	Rules     []attention.Rule
	Skipped   []string // rule names whose scope globs matched nothing
	Errors    []EntryError
	Truncated int // rules dropped at the per-session cap
}

// Loader reads pattern files and compiles them into attention rules.
type Loader struct {
	cfg config.RulesConfig
	log *logging.Logger
}

// NewLoader creates a loader. A nil logger disables logging.
func NewLoader(cfg config.RulesConfig, log *logging.Logger) *Loader {
	if log == nil {
		log = logging.Nop()
	}
	return &Loader{cfg: cfg, log: log.Named("rules")}
}

// GlobalPath returns the configured global pattern file, empty if unset.
func (l *Loader) GlobalPath() string { return l.cfg.GlobalFile }

// ProjectPath returns the pattern file path for a working directory,
// empty if per-project files are disabled.
func (l *Loader) ProjectPath(workDir string) string {
	if l.cfg.ProjectFile == "" || workDir == "" {
		return ""
	}
	return filepath.Join(workDir, l.cfg.ProjectFile)
}

// ForSession loads the global file followed by the workdir's project
// file and merges them. Missing files are not errors. The merged set is
// capped at the configured maximum.
func (l *Loader) ForSession(workDir string) Result {
	list := l.lister(workDir)

	var res Result
	if p := l.GlobalPath(); p != "" {
		l.loadFile(&res, p, list)
	}
	if p := l.ProjectPath(workDir); p != "" {
		l.loadFile(&res, p, list)
	}

	if l.cfg.MaxRules > 0 && len(res.Rules) > l.cfg.MaxRules {
		res.Truncated = len(res.Rules) - l.cfg.MaxRules
		res.Rules = res.Rules[:l.cfg.MaxRules]
	}

	for _, e := range res.Errors {
		l.log.Warn("Rejected pattern rule", zap.String("error", e.Error()))
	}
	if len(res.Skipped) > 0 {
		l.log.Debug("Skipped out-of-scope rules", zap.Strings("rules", res.Skipped))
	}
	if res.Truncated > 0 {
		l.log.Warn("Rule cap exceeded",
			zap.Int("kept", len(res.Rules)),
			zap.Int("dropped", res.Truncated))
	}
	return res
}

// Parse compiles a pattern file body. Scope globs are evaluated against
// a bounded listing of workDir.
func (l *Loader) Parse(data []byte, source, workDir string) Result {
	var res Result
	l.parse(&res, data, source, l.lister(workDir))
	return res
}

func (l *Loader) loadFile(res *Result, path string, list func() []string) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			res.Errors = append(res.Errors, EntryError{Source: path, Index: -1, Err: err})
		}
		return
	}
	l.parse(res, data, path, list)
}

func (l *Loader) parse(res *Result, data []byte, source string, list func() []string) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		res.Errors = append(res.Errors, EntryError{Source: source, Index: -1, Err: err})
		return
	}
	if f.Version > 1 {
		res.Errors = append(res.Errors, EntryError{
			Source: source, Index: -1,
			Err: fmt.Errorf("unsupported version %d", f.Version),
		})
		return
	}

	for i, entry := range f.Rules {
		name := entry.Name
		if name == "" {
			name = fmt.Sprintf("rule-%d", i+1)
		}

		category, err := parseCategory(entry.Category)
		if err != nil {
			res.Errors = append(res.Errors, EntryError{Source: source, Index: i, Name: name, Err: err})
			continue
		}

		if bad, ok := invalidGlob(entry.Scope); ok {
			res.Errors = append(res.Errors, EntryError{
				Source: source, Index: i, Name: name,
				Err: fmt.Errorf("invalid scope glob %q", bad),
			})
			continue
		}

		rule, err := attention.NewRule(name, entry.Pattern, category, entry.Priority, entry.Confidence, source)
		if err != nil {
			res.Errors = append(res.Errors, EntryError{Source: source, Index: i, Name: name, Err: err})
			continue
		}

		if len(entry.Scope) > 0 && !inScope(entry.Scope, list()) {
			res.Skipped = append(res.Skipped, name)
			continue
		}

		res.Rules = append(res.Rules, rule)
	}
}

// parseCategory maps the YAML category field onto an attention category.
// Short aliases are accepted alongside the wire names.
func parseCategory(s string) (types.AttentionCategory, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "input", "input_prompt":
		return types.CategoryInputPrompt, nil
	case "choice", "choice_prompt":
		return types.CategoryChoicePrompt, nil
	case "error", "error_halt":
		return types.CategoryErrorHalt, nil
	case "":
		return "", errors.New("missing category")
	default:
		return "", fmt.Errorf("unknown category %q", s)
	}
}

func invalidGlob(globs []string) (string, bool) {
	for _, g := range globs {
		if !doublestar.ValidatePattern(g) {
			return g, true
		}
	}
	return "", false
}

// inScope reports whether any glob matches any listed path.
func inScope(globs, paths []string) bool {
	for _, g := range globs {
		for _, p := range paths {
			if ok, _ := doublestar.Match(g, p); ok {
				return true
			}
		}
	}
	return false
}

// lister returns a memoized workdir listing so one load evaluates the
// filesystem at most once.
func (l *Loader) lister(workDir string) func() []string {
	var once sync.Once
	var paths []string
	return func() []string {
		once.Do(func() {
			paths = listWorkdir(workDir, l.cfg.WalkDepth)
		})
		return paths
	}
}

// listWorkdir collects slash-separated relative file paths up to
// maxDepth levels deep. Hidden and dependency directories are skipped.
func listWorkdir(root string, maxDepth int) []string {
	if root == "" {
		return nil
	}
	if maxDepth <= 0 {
		maxDepth = 2
	}

	var mu sync.Mutex
	var out []string
	conf := fastwalk.Config{Follow: false}

	_ = fastwalk.Walk(&conf, root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		rel, rerr := filepath.Rel(root, p)
		if rerr != nil || rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			name := d.Name()
			if skipDirs[name] || strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
			if strings.Count(rel, "/")+1 >= maxDepth {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			return nil
		}

		mu.Lock()
		defer mu.Unlock()
		if len(out) >= maxListing {
			return errListingFull
		}
		out = append(out, rel)
		return nil
	})

	sort.Strings(out)
	return out
}
