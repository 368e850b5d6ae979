// Package namespace holds the process-wide table of names that every
// session evaluates against. Definitions made from one session are visible
// to all others, and to the host process, as soon as they are stored.
package namespace

import (
	"sort"
	"strings"
	"sync"
)

// Namespace is a concurrently accessible name → value table. It imposes no
// ordering between writers: concurrent assignments to the same name land in
// whatever order the scheduler runs them.
type Namespace struct {
	mu    sync.RWMutex
	table map[string]any
}

// New creates an empty namespace.
func New() *Namespace {
	return &Namespace{table: make(map[string]any)}
}

var (
	globalOnce sync.Once
	global     *Namespace
)

// Global returns the namespace shared by the whole process.
func Global() *Namespace {
	globalOnce.Do(func() {
		global = New()
	})
	return global
}

// Get returns the value bound to name.
func (n *Namespace) Get(name string) (any, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	v, ok := n.table[name]
	return v, ok
}

// Set binds name to v, replacing any previous binding.
func (n *Namespace) Set(name string, v any) {
	n.mu.Lock()
	n.table[name] = v
	n.mu.Unlock()
}

// SetDefault binds name to v only if name is unbound. It reports whether
// the binding was made.
func (n *Namespace) SetDefault(name string, v any) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.table[name]; ok {
		return false
	}
	n.table[name] = v
	return true
}

// Delete removes name. It reports whether name was bound.
func (n *Namespace) Delete(name string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.table[name]
	delete(n.table, name)
	return ok
}

// Names returns all bound names in sorted order.
func (n *Namespace) Names() []string {
	return n.WithPrefix("")
}

// WithPrefix returns the sorted names that start with prefix.
func (n *Namespace) WithPrefix(prefix string) []string {
	n.mu.RLock()
	names := make([]string, 0, len(n.table))
	for name := range n.table {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	n.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Len reports the number of bindings.
func (n *Namespace) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.table)
}

// Snapshot returns a copy of the current table.
func (n *Namespace) Snapshot() map[string]any {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make(map[string]any, len(n.table))
	for k, v := range n.table {
		out[k] = v
	}
	return out
}
