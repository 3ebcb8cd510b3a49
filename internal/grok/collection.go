// Package grok implements the shared grok pattern collection used by an
// enrichment session: a table of named reusable sub-patterns, expansion of
// %{NAME:field:type} references into RE2 expressions, and matching.
package grok

import (
	"bufio"
	"context"
	"embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/zjrosen/enrich/internal/cachemanager"
	"github.com/zjrosen/enrich/internal/log"
)

//go:embed patterns/*.grok
var builtin embed.FS

// DefaultCacheTTL is how long compiled expressions stay cached.
const DefaultCacheTTL = 10 * time.Minute

var (
	// ErrUnknownPattern is returned when an expression references an undefined pattern name.
	ErrUnknownPattern = errors.New("unknown grok pattern")
	// ErrRecursivePattern is returned when pattern definitions reference each other in a cycle.
	ErrRecursivePattern = errors.New("recursive grok pattern")
	// ErrInvalidExpression is returned when the expanded expression is not valid RE2.
	ErrInvalidExpression = errors.New("invalid grok expression")
	// ErrNotSetUp is returned by Compile before Setup has completed.
	ErrNotSetUp = errors.New("grok collection is not set up")
)

// Option configures a Collection.
type Option func(*Collection)

// WithPatternsDir loads additional "*.grok" pattern files from dir during Setup.
func WithPatternsDir(dir string) Option {
	return func(c *Collection) {
		c.patternsDir = dir
	}
}

// WithCacheTTL sets how long compiled expressions are cached.
func WithCacheTTL(ttl time.Duration) Option {
	return func(c *Collection) {
		c.cacheTTL = ttl
	}
}

// Collection is a mutable table of named patterns. It is safe for concurrent
// use: the enrichment loop mutates custom patterns while preview runs compile
// expressions on other goroutines.
type Collection struct {
	mu          sync.RWMutex
	patterns    map[string]string
	custom      map[string]string
	ready       bool
	generation  uint64
	patternsDir string
	cacheTTL    time.Duration

	compiled *cachemanager.ReadThroughCache[string, *Expression, compileInput]
}

type compileInput struct {
	pattern string
	defs    map[string]string
}

// NewCollection creates an empty collection. Call Setup before compiling.
func NewCollection(opts ...Option) *Collection {
	c := &Collection{
		patterns: make(map[string]string),
		custom:   make(map[string]string),
		cacheTTL: DefaultCacheTTL,
	}
	for _, opt := range opts {
		opt(c)
	}
	cache := cachemanager.NewInMemoryCacheManager[string, *Expression]("grok", c.cacheTTL, cachemanager.DefaultCleanupInterval)
	c.compiled = cachemanager.NewReadThroughCache[string, *Expression, compileInput](cache, c.compile, false)
	return c
}

// Setup loads the built-in pattern set and any files from the configured
// patterns directory. Calling Setup again reloads both.
func (c *Collection) Setup(ctx context.Context) error {
	loaded := make(map[string]string)

	entries, err := fs.Glob(builtin, "patterns/*.grok")
	if err != nil {
		return fmt.Errorf("listing built-in patterns: %w", err)
	}
	for _, name := range entries {
		f, err := builtin.Open(name)
		if err != nil {
			return fmt.Errorf("opening built-in patterns %s: %w", name, err)
		}
		err = parsePatterns(f, loaded)
		_ = f.Close()
		if err != nil {
			return fmt.Errorf("parsing built-in patterns %s: %w", name, err)
		}
	}

	if c.patternsDir != "" {
		if err := ctx.Err(); err != nil {
			return err
		}
		files, err := filepath.Glob(filepath.Join(c.patternsDir, "*.grok"))
		if err != nil {
			return fmt.Errorf("listing patterns dir: %w", err)
		}
		sort.Strings(files)
		for _, path := range files {
			if err := loadPatternFile(path, loaded); err != nil {
				return err
			}
		}
	}

	c.mu.Lock()
	c.patterns = loaded
	c.ready = true
	c.generation++
	c.mu.Unlock()

	_ = c.compiled.Invalidate(ctx)
	log.Info(log.CatGrok, "grok collection ready", "patterns", len(loaded), "dir", c.patternsDir)
	return nil
}

func loadPatternFile(path string, into map[string]string) error {
	f, err := os.Open(path) //nolint:gosec // G304: patterns dir is operator configured
	if err != nil {
		return fmt.Errorf("opening patterns file %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()
	if err := parsePatterns(f, into); err != nil {
		return fmt.Errorf("parsing patterns file %s: %w", path, err)
	}
	return nil
}

func parsePatterns(r io.Reader, into map[string]string) error {
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, expr, ok := strings.Cut(line, " ")
		if !ok || !validName(name) {
			return fmt.Errorf("line %d: expected \"NAME expression\"", lineNo)
		}
		into[name] = strings.TrimSpace(expr)
	}
	return sc.Err()
}

// IsReady reports whether Setup has completed.
func (c *Collection) IsReady() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}

// SetCustomPatterns replaces the custom pattern table. Custom patterns shadow
// built-in ones with the same name.
func (c *Collection) SetCustomPatterns(defs map[string]string) {
	c.mu.Lock()
	c.custom = maps.Clone(defs)
	if c.custom == nil {
		c.custom = make(map[string]string)
	}
	c.generation++
	c.mu.Unlock()

	_ = c.compiled.Invalidate(context.Background())
	log.Debug(log.CatGrok, "custom patterns updated", "count", len(defs))
}

// CustomPatterns returns a copy of the custom pattern table.
func (c *Collection) CustomPatterns() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.custom)
}

// Lookup returns the definition of a named pattern.
func (c *Collection) Lookup(name string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if expr, ok := c.custom[name]; ok {
		return expr, true
	}
	expr, ok := c.patterns[name]
	return expr, ok
}

// Names returns every known pattern name, sorted.
func (c *Collection) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.patterns)+len(c.custom))
	for name := range c.patterns {
		names = append(names, name)
	}
	for name := range c.custom {
		if _, dup := c.patterns[name]; !dup {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

// Compile expands and compiles a grok expression. defs are processor-local
// pattern definitions taking precedence over the collection.
func (c *Collection) Compile(ctx context.Context, pattern string, defs map[string]string) (*Expression, error) {
	c.mu.RLock()
	ready, gen := c.ready, c.generation
	c.mu.RUnlock()
	if !ready {
		return nil, ErrNotSetUp
	}
	return c.compiled.Get(ctx, cacheKey(gen, pattern, defs), compileInput{pattern: pattern, defs: defs}, c.cacheTTL)
}

// Validate reports whether pattern compiles against the collection.
func (c *Collection) Validate(ctx context.Context, pattern string, defs map[string]string) error {
	_, err := c.Compile(ctx, pattern, defs)
	return err
}

func (c *Collection) compile(_ context.Context, in compileInput) (*Expression, error) {
	c.mu.RLock()
	lookup := func(name string) (string, bool) {
		if expr, ok := in.defs[name]; ok {
			return expr, true
		}
		if expr, ok := c.custom[name]; ok {
			return expr, true
		}
		expr, ok := c.patterns[name]
		return expr, ok
	}
	expanded, exp, err := expand(in.pattern, lookup)
	c.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	return newExpression(in.pattern, expanded, exp)
}

// cacheKey includes the collection generation so that expressions compiled
// against replaced custom patterns are never served.
func cacheKey(gen uint64, pattern string, defs map[string]string) string {
	var b strings.Builder
	b.WriteString(strconv.FormatUint(gen, 10))
	b.WriteString("\x00")
	b.WriteString(pattern)
	keys := slices.Sorted(maps.Keys(defs))
	for _, k := range keys {
		b.WriteString("\x00")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(defs[k])
	}
	return b.String()
}
