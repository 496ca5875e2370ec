// Package spi resolves pluggable components by (interface, key).
//
// Descriptor files map keys to implementation identifiers, one "key=identifier"
// per line:
//
//	# spi/system/loadBalancer
//	roundRobin=krpc/loadbalance.RoundRobin
//
// The system tier is compiled in; a custom directory can add keys or shadow
// system ones. Identifiers resolve to factories bound in code, each built at
// most once.
package spi

import (
	"bufio"
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Interface names, also the descriptor file names.
const (
	Serializer        = "serializer"
	LoadBalancer      = "loadBalancer"
	Registry          = "registry"
	RetryStrategy     = "retryStrategy"
	ToleranceStrategy = "toleranceStrategy"
	Transport         = "transport"
)

// Interfaces lists every interface LoadAll reads.
var Interfaces = []string{Serializer, LoadBalancer, Registry, RetryStrategy, ToleranceStrategy, Transport}

var (
	ErrNotLoaded         = errors.New("spi: interface not loaded")
	ErrUnknownKey        = errors.New("spi: unknown key")
	ErrUnboundIdentifier = errors.New("spi: no factory bound for identifier")
)

//go:embed system
var systemFS embed.FS

// Factory builds one implementation.
type Factory func() (any, error)

type Loader struct {
	custom fs.FS
	logger *zap.Logger

	mu          sync.RWMutex
	descriptors map[string]map[string]string // interface → key → identifier
	factories   map[string]Factory

	instances sync.Map // identifier → *cell
}

type cell struct {
	mu sync.Mutex
	v  any
	ok bool
}

// NewLoader reads descriptors from the compiled-in tier and, when custom is not
// nil, from custom on top of it.
func NewLoader(custom fs.FS, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{
		custom:      custom,
		logger:      logger,
		descriptors: make(map[string]map[string]string),
		factories:   make(map[string]Factory),
	}
}

// Bind associates an identifier with its factory. Binding twice replaces the factory.
func (l *Loader) Bind(identifier string, f Factory) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.factories[identifier] = f
}

// Load (re)reads the descriptors of one interface from both tiers.
func (l *Loader) Load(iface string) error {
	table := make(map[string]string)
	sys, err := fs.Sub(systemFS, "system")
	if err != nil {
		return err
	}
	tiers := []struct {
		name string
		fsys fs.FS
	}{{"system", sys}, {"custom", l.custom}}

	for _, tier := range tiers {
		if tier.fsys == nil {
			continue
		}
		data, err := fs.ReadFile(tier.fsys, iface)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return fmt.Errorf("spi: read %s descriptor %s: %w", tier.name, iface, err)
		}
		entries, err := parseDescriptor(data)
		if err != nil {
			return fmt.Errorf("spi: %s descriptor %s: %w", tier.name, iface, err)
		}
		for k, id := range entries {
			if prev, ok := table[k]; ok && prev != id {
				l.logger.Info("spi key shadowed", zap.String("interface", iface), zap.String("key", k),
					zap.String("from", prev), zap.String("to", id))
			}
			table[k] = id
		}
	}

	l.mu.Lock()
	l.descriptors[iface] = table
	l.mu.Unlock()
	return nil
}

// LoadAll loads every known interface.
func (l *Loader) LoadAll() error {
	var errs []error
	for _, iface := range Interfaces {
		if err := l.Load(iface); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Keys lists the keys loaded for iface.
func (l *Loader) Keys(iface string) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	keys := make([]string, 0, len(l.descriptors[iface]))
	for k := range l.descriptors[iface] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// GetInstance returns the singleton implementation registered under key.
func (l *Loader) GetInstance(iface, key string) (any, error) {
	l.mu.RLock()
	table, loaded := l.descriptors[iface]
	id, known := table[key]
	f, bound := l.factories[id]
	l.mu.RUnlock()

	switch {
	case !loaded:
		return nil, fmt.Errorf("%w: %s", ErrNotLoaded, iface)
	case !known:
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownKey, iface, key)
	case !bound:
		return nil, fmt.Errorf("%w: %s (%s/%s)", ErrUnboundIdentifier, id, iface, key)
	}

	v, _ := l.instances.LoadOrStore(id, &cell{})
	c := v.(*cell)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ok {
		return c.v, nil
	}
	inst, err := f()
	if err != nil {
		// 构造失败不缓存，下次再试
		return nil, fmt.Errorf("spi: build %s: %w", id, err)
	}
	c.v, c.ok = inst, true
	return inst, nil
}

// Get is GetInstance with a type assertion.
func Get[T any](l *Loader, iface, key string) (T, error) {
	var zero T
	v, err := l.GetInstance(iface, key)
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("spi: %s/%s is %T, not %T", iface, key, v, zero)
	}
	return t, nil
}

func parseDescriptor(data []byte) (map[string]string, error) {
	out := make(map[string]string)
	sc := bufio.NewScanner(bytes.NewReader(data))
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		k, id, ok := strings.Cut(text, "=")
		k, id = strings.TrimSpace(k), strings.TrimSpace(id)
		if !ok || k == "" || id == "" {
			return nil, fmt.Errorf("line %d: want key=identifier, got %q", line, text)
		}
		out[k] = id
	}
	return out, sc.Err()
}
