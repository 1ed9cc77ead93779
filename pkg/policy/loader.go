package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultReloadDelay debounces bursts of writes to watched policy files.
const DefaultReloadDelay = 500 * time.Millisecond

// Loader reads admission policies from .rego and .json files.
//
// A .rego file becomes a policy named after the file. Its leading comment
// block is the description, and a "# severity: <level>" line in that block
// sets the severity (warning by default). A .json file holds a Policy
// object and must name it.
type Loader struct {
	logger zerolog.Logger

	mu    sync.Mutex
	cache map[string]cachedPolicy

	// ReloadDelay debounces bursts of file events.
	ReloadDelay time.Duration
}

// cachedPolicy is valid while the file keeps its size and mtime.
type cachedPolicy struct {
	size    int64
	modTime time.Time
	policy  *Policy
}

// NewLoader creates a policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger:      logger.With().Str("component", "policy-loader").Logger(),
		cache:       make(map[string]cachedPolicy),
		ReloadDelay: DefaultReloadDelay,
	}
}

// LoadFromPaths loads every policy file named by paths. Directories are
// walked recursively and files in them that fail to parse are skipped; a
// file named directly must parse.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var out []Policy
	for _, path := range paths {
		policies, err := l.loadFromPath(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("failed to load policies from %s: %w", path, err)
		}
		out = append(out, policies...)
	}

	l.logger.Debug().Int("policies", len(out)).Strs("paths", paths).Msg("Policy files loaded")
	return out, nil
}

func (l *Loader) loadFromPath(ctx context.Context, path string) ([]Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		p, err := l.loadFromFile(ctx, path)
		if err != nil {
			return nil, err
		}
		return []Policy{*p}, nil
	}

	var policies []Policy
	err = filepath.WalkDir(path, func(file string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isPolicyFile(file) {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		p, err := l.loadFromFile(ctx, file)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", file).Msg("Skipping policy file")
			return nil
		}
		policies = append(policies, *p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return policies, nil
}

func isPolicyFile(path string) bool {
	switch filepath.Ext(path) {
	case ".rego", ".json":
		return true
	}
	return false
}

// loadFromFile parses one policy file. Unchanged files are served from the
// cache.
func (l *Loader) loadFromFile(_ context.Context, path string) (*Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	cached, ok := l.cache[path]
	l.mu.Unlock()
	if ok && cached.size == info.Size() && cached.modTime.Equal(info.ModTime()) {
		return cached.policy, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var p *Policy
	switch ext := filepath.Ext(path); ext {
	case ".rego":
		p, err = parseRego(path, data)
	case ".json":
		p, err = parseJSONPolicy(path, data)
	default:
		err = fmt.Errorf("unsupported policy file type %q", ext)
	}
	if err != nil {
		return nil, err
	}
	p.Source = path
	p.LoadedAt = time.Now()

	l.mu.Lock()
	l.cache[path] = cachedPolicy{size: info.Size(), modTime: info.ModTime(), policy: p}
	l.mu.Unlock()

	l.logger.Debug().Str("path", path).Str("policy", p.Name).Msg("Policy file parsed")
	return p, nil
}

func parseRego(path string, data []byte) (*Policy, error) {
	content := string(data)

	severity := SeverityWarning
	if s, ok := headerField(content, "severity"); ok {
		severity = Severity(s)
		if !severity.Valid() {
			return nil, fmt.Errorf("%s: unknown severity %q", path, s)
		}
	}

	return &Policy{
		Name:        strings.TrimSuffix(filepath.Base(path), ".rego"),
		Description: extractDescription(content),
		Rego:        content,
		Severity:    severity,
		Enabled:     true,
	}, nil
}

func parseJSONPolicy(path string, data []byte) (*Policy, error) {
	var p Policy
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if p.Name == "" {
		return nil, fmt.Errorf("%s: policy has no name", path)
	}
	if p.Severity == "" {
		p.Severity = SeverityWarning
	}
	if !p.Severity.Valid() {
		return nil, fmt.Errorf("%s: unknown severity %q", path, p.Severity)
	}
	p.Builtin = false
	return &p, nil
}

// header returns the comment lines before the first line of code, with the
// leading "#" and surrounding space removed.
func header(content string) []string {
	var lines []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		comment, ok := strings.CutPrefix(line, "#")
		if !ok {
			break
		}
		lines = append(lines, strings.TrimSpace(comment))
	}
	return lines
}

// headerField returns the value of a "# key: value" header line.
func headerField(content, key string) (string, bool) {
	for _, line := range header(content) {
		if v, ok := strings.CutPrefix(line, key+":"); ok {
			return strings.TrimSpace(v), true
		}
	}
	return "", false
}

// extractDescription joins the header lines that are not "key: value"
// fields.
func extractDescription(content string) string {
	var parts []string
	for _, line := range header(content) {
		if line == "" || strings.HasPrefix(line, "severity:") {
			continue
		}
		parts = append(parts, line)
	}
	return strings.Join(parts, " ")
}

// ClearCache forgets every parsed file.
func (l *Loader) ClearCache() {
	l.mu.Lock()
	l.cache = make(map[string]cachedPolicy)
	l.mu.Unlock()
}

// Watch calls reloadFn with the full set of policies under paths after
// each debounced burst of changes. Directories are watched recursively as
// they exist when Watch is called. Watch returns once the watcher is
// running; it stops when ctx is done.
func (l *Loader) Watch(ctx context.Context, paths []string, reloadFn func([]Policy) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	watched := 0
	for _, path := range paths {
		err := filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || p == path {
				watched++
				return watcher.Add(p)
			}
			return nil
		})
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Policy path will not be watched")
		}
	}
	if watched == 0 {
		_ = watcher.Close()
		return fmt.Errorf("none of %d policy paths can be watched", len(paths))
	}

	go l.watchLoop(ctx, watcher, paths, reloadFn)

	l.logger.Info().Int("watches", watched).Msg("Watching policy files")
	return nil
}

func (l *Loader) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, paths []string, reloadFn func([]Policy) error) {
	defer watcher.Close()

	const relevant = fsnotify.Write | fsnotify.Create | fsnotify.Remove | fsnotify.Rename
	var timer *time.Timer

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&relevant == 0 || !isPolicyFile(event.Name) {
				continue
			}
			l.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Policy file changed")

			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(l.ReloadDelay, func() {
				if ctx.Err() != nil {
					return
				}
				l.reload(ctx, paths, reloadFn)
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Policy watcher error")
		}
	}
}

func (l *Loader) reload(ctx context.Context, paths []string, reloadFn func([]Policy) error) {
	policies, err := l.LoadFromPaths(ctx, paths)
	if err != nil {
		l.logger.Error().Err(err).Msg("Failed to reload policies")
		return
	}
	if err := reloadFn(policies); err != nil {
		l.logger.Error().Err(err).Msg("Failed to apply reloaded policies")
		return
	}
	l.logger.Info().Int("policies", len(policies)).Msg("Policies reloaded")
}
