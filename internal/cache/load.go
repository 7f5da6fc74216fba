package cache

import (
	"context"
	"encoding/json"
	"fmt"
)

// GetOrLoad returns the cached value for key when present and of type T, otherwise
// calls loader and writes the result through. Values that came back from the
// mirror as raw JSON are decoded into T. The returned bool reports a hit.
func GetOrLoad[T any](ctx context.Context, c *Cache, key string, category Category, loader func(context.Context) (T, error)) (T, bool, error) {
	var zero T

	if c != nil {
		cached, hit, err := Lookup[T](c, key, category)
		if err != nil {
			return zero, false, err
		}
		if hit {
			return cached, true, nil
		}
	}

	value, err := loader(ctx)
	if err != nil {
		return zero, false, err
	}
	if c != nil {
		if err := c.Set(key, value, category); err != nil {
			return value, false, fmt.Errorf("failed to cache %s:%s: %w", category, key, err)
		}
	}
	return value, false, nil
}

// Lookup returns the cached value as T. Values restored from the mirror
// arrive as raw JSON and are decoded; a value that is neither T nor
// decodable into T counts as a miss.
func Lookup[T any](c *Cache, key string, category Category) (T, bool, error) {
	var zero T
	cached, hit, err := c.Get(key, category)
	if err != nil || !hit {
		return zero, false, err
	}
	switch v := cached.(type) {
	case T:
		return v, true, nil
	case json.RawMessage:
		var decoded T
		if err := json.Unmarshal(v, &decoded); err == nil {
			return decoded, true, nil
		}
	}
	return zero, false, nil
}
