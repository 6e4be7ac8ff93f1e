package schema

import (
	"fmt"
	"sort"
	"sync"
)

var (
	registry   = make(map[string]Schema)
	registryMu sync.RWMutex
)

// Register adds a schema to the registry and compiles its rules.
// Panics if a schema with the same key is already registered or a rule
// does not compile.
func Register(s Schema) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, exists := registry[s.Key]; exists {
		panic(fmt.Sprintf("schema already registered: %s", s.Key))
	}

	compiled, err := compileRules(s)
	if err != nil {
		panic(fmt.Sprintf("schema %s: %v", s.Key, err))
	}
	s.compiled = compiled

	registry[s.Key] = s
}

// Get returns a schema by key.
// Returns false if not found.
func Get(key string) (Schema, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	s, ok := registry[key]
	return s, ok
}

// Keys returns all registered schema keys, sorted.
func Keys() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	keys := make([]string, 0, len(registry))
	for k := range registry {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
