package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ProductFilter is a set of product ids allowed into a run. A nil filter
// allows everything.
type ProductFilter map[string]struct{}

// LoadProductFilter loads an allow-list of product ids from a JSON or YAML
// file, chosen by extension. The document is either a list of ids or an
// object with a "products" list. Returns nil if filePath is empty.
//
//	["041-12345", "061-00000"]
//	products: ["041-12345"]
func LoadProductFilter(filePath string) (ProductFilter, error) {
	if filePath == "" {
		return nil, nil
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read product filter %s: %w", filePath, err)
	}
	var raw any
	switch ext := filepath.Ext(filePath); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse YAML product filter %s: %w", filePath, err)
		}
	default:
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse JSON product filter %s: %w", filePath, err)
		}
	}

	if m, ok := raw.(map[string]any); ok {
		raw = m["products"]
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("product filter %s: expected a list of product ids", filePath)
	}
	filter := make(ProductFilter, len(list))
	for _, v := range list {
		s, ok := v.(string)
		if !ok || strings.TrimSpace(s) == "" {
			continue
		}
		filter[strings.TrimSpace(s)] = struct{}{}
	}
	return filter, nil
}

// With returns a filter extended by ids. Extending a nil filter with no ids
// stays nil.
func (f ProductFilter) With(ids ...string) ProductFilter {
	if f == nil && len(ids) == 0 {
		return nil
	}
	out := make(ProductFilter, len(f)+len(ids))
	for id := range f {
		out[id] = struct{}{}
	}
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}

// Allows reports whether productID passes the filter.
func (f ProductFilter) Allows(productID string) bool {
	if f == nil {
		return true
	}
	_, ok := f[productID]
	return ok
}
