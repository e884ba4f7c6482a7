package plugins

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/zeebo/blake3"

	"github.com/scenerun/scenerun/pkg/bindings"
)

// Kinds of plugin files.
const (
	KindStarlark = "starlark"
	KindGo       = "go"
	KindWASM     = "wasm"
)

const (
	// DefaultLoadTimeout bounds the evaluation of one plugin file.
	DefaultLoadTimeout = 10 * time.Second

	// DefaultMemoryLimitPages caps WASM plugin memory (64KiB pages, 16MiB).
	DefaultMemoryLimitPages = 256
)

// Options configures Load.
type Options struct {
	// Dirs are scanned in order. Missing directories produce warnings.
	Dirs []string

	// LoadTimeout bounds the top-level evaluation of each file.
	LoadTimeout time.Duration

	// MemoryLimitPages caps the linear memory of each WASM plugin.
	MemoryLimitPages uint32

	Logger zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.LoadTimeout <= 0 {
		o.LoadTimeout = DefaultLoadTimeout
	}
	if o.MemoryLimitPages == 0 {
		o.MemoryLimitPages = DefaultMemoryLimitPages
	}
	return o
}

// DirReport describes one consulted directory.
type DirReport struct {
	Path     string `json:"path"`
	Manifest bool   `json:"manifest"`
	Strict   bool   `json:"strict,omitempty"`
	Error    string `json:"error,omitempty"`
}

// FileReport describes one consulted plugin file.
type FileReport struct {
	Path        string   `json:"path"`
	Kind        string   `json:"kind"`
	Fingerprint string   `json:"fingerprint,omitempty"`
	Priority    int      `json:"priority"`
	Handlers    []string `json:"handlers,omitempty"`
	Skipped     string   `json:"skipped,omitempty"`
	Error       string   `json:"error,omitempty"`
}

// Loaded reports whether the file contributed at least one handler.
func (f FileReport) Loaded() bool {
	return f.Skipped == "" && f.Error == "" && len(f.Handlers) > 0
}

// Report is the outcome of plugin discovery.
type Report struct {
	Dirs     []DirReport  `json:"dirs"`
	Files    []FileReport `json:"files"`
	Warnings []string     `json:"warnings"`

	handlers []*bindings.Handler
	closers  []func(context.Context) error
}

// Handlers returns the loaded handlers in load order.
func (r *Report) Handlers() []*bindings.Handler {
	return append([]*bindings.Handler(nil), r.handlers...)
}

// Close releases plugin runtimes. Handlers must not be called afterwards.
func (r *Report) Close(ctx context.Context) error {
	var firstErr error
	for _, c := range r.closers {
		if err := c(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.closers = nil
	return firstErr
}

func (r *Report) warnf(format string, args ...interface{}) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

type candidate struct {
	path     string
	name     string
	kind     string
	dirIndex int
	priority int
	data     []byte
}

type loader struct {
	opts   Options
	logger zerolog.Logger
	report *Report
	ids    map[string]string
}

// Load discovers plugin files and evaluates them. It never fails: every
// problem becomes a report warning and loading continues with the next file.
func Load(ctx context.Context, opts Options) *Report {
	opts = opts.withDefaults()
	l := &loader{
		opts:   opts,
		logger: opts.Logger.With().Str("component", "plugins").Logger(),
		report: &Report{Dirs: []DirReport{}, Files: []FileReport{}, Warnings: []string{}},
		ids:    make(map[string]string),
	}

	var candidates []candidate
	for i, dir := range opts.Dirs {
		candidates = append(candidates, l.scanDir(i, dir)...)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.priority != b.priority {
			return a.priority < b.priority
		}
		if a.name != b.name {
			return a.name < b.name
		}
		return a.dirIndex < b.dirIndex
	})

	for _, c := range candidates {
		l.loadFile(ctx, c)
	}

	l.logger.Info().
		Int("dirs", len(l.report.Dirs)).
		Int("files", len(l.report.Files)).
		Int("handlers", len(l.report.handlers)).
		Int("warnings", len(l.report.Warnings)).
		Msg("Plugins loaded")

	return l.report
}

// Register adds the loaded handlers to the registry in load order and
// returns how many were accepted. Rejections become report warnings.
func Register(reg *bindings.Registry, report *Report) int {
	n := 0
	for _, h := range report.handlers {
		if err := reg.Register(h); err != nil {
			report.warnf("%s: %v", h.Source, err)
			continue
		}
		n++
	}
	return n
}

func kindOf(name string) string {
	switch {
	case strings.HasSuffix(name, ".star"):
		return KindStarlark
	case strings.HasSuffix(name, "_test.go"):
		return ""
	case strings.HasSuffix(name, ".go"):
		return KindGo
	case strings.HasSuffix(name, ".wasm"):
		return KindWASM
	default:
		return ""
	}
}

func fingerprint(data []byte) string {
	sum := blake3.Sum256(data)
	return "blake3:" + hex.EncodeToString(sum[:])
}

func (l *loader) scanDir(index int, dir string) []candidate {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil
	}
	dr := DirReport{Path: dir}
	defer func() { l.report.Dirs = append(l.report.Dirs, dr) }()

	entries, err := os.ReadDir(dir)
	if err != nil {
		dr.Error = err.Error()
		if os.IsNotExist(err) {
			l.report.warnf("plugin directory %s does not exist", dir)
		} else {
			l.report.warnf("plugin directory %s: %v", dir, err)
		}
		return nil
	}

	manifest, err := readManifest(dir)
	if err != nil {
		dr.Error = err.Error()
		l.report.warnf("%s: %v; directory skipped", filepath.Join(dir, ManifestFile), err)
		return nil
	}
	if manifest != nil {
		dr.Manifest = true
		dr.Strict = manifest.Strict
	}

	var out []candidate
	present := make(map[string]bool)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		kind := kindOf(name)
		if kind == "" {
			continue
		}
		present[name] = true
		path := filepath.Join(dir, name)

		data, err := os.ReadFile(path)
		if err != nil {
			l.report.Files = append(l.report.Files, FileReport{Path: path, Kind: kind, Error: err.Error()})
			l.report.warnf("%s: %v", path, err)
			continue
		}

		decision := manifest.decide(name)
		if decision.skip != "" {
			l.report.Files = append(l.report.Files, FileReport{
				Path:        path,
				Kind:        kind,
				Fingerprint: fingerprint(data),
				Priority:    decision.priority,
				Skipped:     decision.skip,
			})
			l.logger.Debug().Str("file", path).Str("reason", decision.skip).Msg("Plugin skipped")
			continue
		}

		out = append(out, candidate{
			path:     path,
			name:     name,
			kind:     kind,
			dirIndex: index,
			priority: decision.priority,
			data:     data,
		})
	}

	for _, name := range manifest.missing(present) {
		l.report.warnf("%s lists %s, which is not a plugin file in %s", ManifestFile, name, dir)
	}
	return out
}

func (l *loader) loadFile(ctx context.Context, c candidate) {
	fr := FileReport{
		Path:        c.path,
		Kind:        c.kind,
		Fingerprint: fingerprint(c.data),
		Priority:    c.priority,
	}
	defer func() { l.report.Files = append(l.report.Files, fr) }()

	loadCtx, cancel := context.WithTimeout(ctx, l.opts.LoadTimeout)
	defer cancel()

	handlers, closer, err := l.evaluate(loadCtx, c)
	if err != nil {
		fr.Error = err.Error()
		l.report.warnf("%s: %v", c.path, err)
		l.logger.Warn().Err(err).Str("file", c.path).Msg("Plugin failed to load")
		return
	}

	for _, h := range handlers {
		if reservedID(h.ID) {
			l.report.warnf("%s: handler id %s is reserved for a built-in handler", c.path, h.ID)
			continue
		}
		if prev, dup := l.ids[h.ID]; dup {
			l.report.warnf("%s: handler id %s already provided by %s", c.path, h.ID, prev)
			continue
		}
		l.ids[h.ID] = c.path
		h.Source = c.path
		l.report.handlers = append(l.report.handlers, h)
		fr.Handlers = append(fr.Handlers, h.ID)
	}

	if len(fr.Handlers) == 0 {
		l.report.warnf("%s: no usable handlers", c.path)
		if closer != nil {
			_ = closer(ctx)
		}
		return
	}
	if closer != nil {
		l.report.closers = append(l.report.closers, closer)
	}

	l.logger.Debug().
		Str("file", c.path).
		Str("kind", c.kind).
		Strs("handlers", fr.Handlers).
		Msg("Plugin loaded")
}

// evaluate runs the kind-specific loader. Plugin code runs in-process, so a
// panic while evaluating it is turned into a load error for that file.
func (l *loader) evaluate(ctx context.Context, c candidate) (handlers []*bindings.Handler, closer func(context.Context) error, err error) {
	defer func() {
		if p := recover(); p != nil {
			l.logger.Error().
				Str("file", c.path).
				Interface("panic", p).
				Bytes("stack", debug.Stack()).
				Msg("Plugin panicked while loading")
			if closer != nil {
				_ = closer(context.Background())
			}
			handlers, closer, err = nil, nil, fmt.Errorf("panic while loading: %v", p)
		}
	}()

	switch c.kind {
	case KindStarlark:
		handlers, err = loadStarlark(ctx, c.path, c.data, l.logger)
	case KindGo:
		handlers, err = loadGo(c.path, c.data)
	case KindWASM:
		handlers, closer, err = loadWASM(ctx, c.path, c.data, l.opts.MemoryLimitPages)
	default:
		err = fmt.Errorf("unsupported plugin kind %q", c.kind)
	}
	return handlers, closer, err
}

func reservedID(id string) bool {
	switch id {
	case bindings.HandlerMoqui, bindings.HandlerERPSim, bindings.HandlerRobotSim,
		bindings.HandlerAdapterSim, bindings.HandlerDefault:
		return true
	}
	return false
}
