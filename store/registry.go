// Package store is a registry of container backends,
// so that a backend can be chosen and configured at runtime
// (for instance from a config file).
//
// Backend packages register themselves in their init functions.
// Import them for their side effects to make them available:
//
//	import _ "github.com/bobg/geocache/store/file"
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/bobg/geocache"
)

// Factory creates a backend from its configuration.
type Factory func(context.Context, map[string]interface{}) (geocache.Backend, error)

var (
	mu       sync.Mutex
	registry = make(map[string]Factory)
)

// Register makes a backend type available to Create under the given key.
func Register(key string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	registry[key] = f
}

// Create creates a backend of the type registered under key.
func Create(ctx context.Context, key string, conf map[string]interface{}) (geocache.Backend, error) {
	mu.Lock()
	f, ok := registry[key]
	mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("key %s not found in registry", key)
	}
	return f(ctx, conf)
}

// FromConfig creates a backend from a configuration map
// whose "type" entry names the registered backend type.
func FromConfig(ctx context.Context, conf map[string]interface{}) (geocache.Backend, error) {
	typ, ok := conf["type"].(string)
	if !ok {
		return nil, errors.New(`missing "type" parameter`)
	}
	return Create(ctx, typ, conf)
}

// Nested creates the backend described by the "nested" entry of conf.
// Wrapper backends use it.
func Nested(ctx context.Context, conf map[string]interface{}) (geocache.Backend, error) {
	nested, ok := conf["nested"].(map[string]interface{})
	if !ok {
		return nil, errors.New(`missing "nested" parameter`)
	}
	b, err := FromConfig(ctx, nested)
	return b, errors.Wrap(err, "creating nested backend")
}

// Keys lists the registered backend types in sorted order.
func Keys() []string {
	mu.Lock()
	defer mu.Unlock()
	keys := make([]string, 0, len(registry))
	for k := range registry {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Int looks up an integer parameter in conf.
// It accepts the numeric types produced by both YAML and JSON decoding.
func Int(conf map[string]interface{}, key string) (int, bool) {
	switch v := conf[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case uint64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}
