package plugin

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/dshills/archon-go/graph/tool"
)

// Info describes a registered tool for listings.
type Info struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Kind        string `json:"kind"`
	Source      string `json:"source"`
}

type entry struct {
	tool tool.Tool
	info Info
}

// snapshot is never modified after it is published.
type snapshot struct {
	dir      string
	entries  map[string]entry
	loadedAt time.Time
}

// Registry holds the current set of tools.
//
// Lookups read an immutable snapshot without locking. Reload builds a
// complete new snapshot and publishes it only if every manifest in the
// directory loaded, so a bad plugin never leaves the registry half-updated.
// The built-in echo_tool is always present.
type Registry struct {
	current atomic.Pointer[snapshot]
	reload  sync.Mutex
	logger  *zap.Logger
}

// NewRegistry creates a registry holding only the built-in tools.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{logger: logger}
	r.current.Store(&snapshot{entries: builtins(), loadedAt: time.Now()})
	return r
}

func builtins() map[string]entry {
	echo := tool.NewEchoTool()
	return map[string]entry{
		echo.Name(): {tool: echo, info: Info{
			Name:        echo.Name(),
			Description: echo.Description(),
			Kind:        KindEcho,
			Source:      "builtin",
		}},
	}
}

// Reload replaces the registry contents with the tools declared by the
// *.yaml and *.yml manifests in dir.
//
// Every manifest is loaded before anything is published. Malformed
// manifests, build failures and duplicate names (including clashes with
// built-ins) are all reported together, and the registry is left unchanged.
func (r *Registry) Reload(dir string) error {
	r.reload.Lock()
	defer r.reload.Unlock()

	files, err := manifestFiles(dir)
	if err != nil {
		return err
	}

	entries := builtins()
	var errs []error
	for _, path := range files {
		m, err := LoadManifest(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if prior, exists := entries[m.Name]; exists {
			errs = append(errs, fmt.Errorf("%s: tool %q is already registered by %s", filepath.Base(path), m.Name, prior.info.Source))
			continue
		}
		t, err := m.Build()
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", filepath.Base(path), err))
			continue
		}
		entries[m.Name] = entry{tool: t, info: Info{
			Name:        m.Name,
			Description: m.Description,
			Kind:        m.Kind,
			Source:      filepath.Base(path),
		}}
	}

	if len(errs) > 0 {
		err := errors.Join(errs...)
		r.logger.Error("Plugin reload failed, keeping previous tools",
			zap.String("dir", dir),
			zap.Int("errors", len(errs)),
			zap.Error(err))
		return fmt.Errorf("reload %s: %w", dir, err)
	}

	r.current.Store(&snapshot{dir: dir, entries: entries, loadedAt: time.Now()})
	r.logger.Info("Plugins reloaded",
		zap.String("dir", dir),
		zap.Int("tools", len(entries)))
	return nil
}

// manifestFiles lists manifests in dir in name order. Hidden files are
// skipped so in-flight temp files are never read.
func manifestFiles(dir string) ([]string, error) {
	des, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read plugin dir: %w", err)
	}
	var files []string
	for _, de := range des {
		name := de.Name()
		if de.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		if ext := filepath.Ext(name); ext == ".yaml" || ext == ".yml" {
			files = append(files, filepath.Join(dir, name))
		}
	}
	sort.Strings(files)
	return files, nil
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (tool.Tool, bool) {
	e, ok := r.current.Load().entries[name]
	return e.tool, ok
}

// ErrUnknownTool is returned by Run for a name the registry does not hold.
var ErrUnknownTool = errors.New("unknown tool")

// Run calls the named tool with input. A nil input is passed as an empty
// map. Tool failures are wrapped with the tool name.
func (r *Registry) Run(ctx context.Context, name string, input map[string]interface{}) (map[string]interface{}, error) {
	t, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if input == nil {
		input = map[string]interface{}{}
	}

	start := time.Now()
	out, err := t.Call(ctx, input)
	r.logger.Debug("Tool called",
		zap.String("tool", name),
		zap.Duration("duration", time.Since(start)),
		zap.Error(err))
	if err != nil {
		return nil, fmt.Errorf("tool %s: %w", name, err)
	}
	return out, nil
}

// List returns all registered tools sorted by name.
func (r *Registry) List() []Info {
	snap := r.current.Load()
	out := make([]Info, 0, len(snap.entries))
	for _, e := range snap.entries {
		out = append(out, e.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	return len(r.current.Load().entries)
}

// Dir returns the directory of the last successful reload.
func (r *Registry) Dir() string {
	return r.current.Load().dir
}

// LoadedAt returns when the current snapshot was published.
func (r *Registry) LoadedAt() time.Time {
	return r.current.Load().loadedAt
}
