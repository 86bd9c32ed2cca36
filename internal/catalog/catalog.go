// Package catalog decodes software update catalogs, their distribution
// documents and localized string tables, and renders filtered catalogs.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"howett.net/plist"
)

// ParseError reports a catalog or distribution that could not be decoded.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("catalog: unreadable document: %v", e.Err)
	}
	return fmt.Sprintf("catalog: unreadable document %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Package is one installable payload of a product.
type Package struct {
	URL              string `plist:"URL"`
	MetadataURL      string `plist:"MetadataURL,omitempty"`
	IntegrityDataURL string `plist:"IntegrityDataURL,omitempty"`
	Size             int64  `plist:"Size,omitempty"`
}

// Product is one entry of a catalog's Products dictionary.
type Product struct {
	PostDate          time.Time         `plist:"PostDate"`
	ServerMetadataURL string            `plist:"ServerMetadataURL,omitempty"`
	Packages          []Package         `plist:"Packages"`
	Distributions     map[string]string `plist:"Distributions"`
}

// Catalog is a decoded update catalog. Raw keeps the full document so
// filtered renders preserve keys this package does not model.
type Catalog struct {
	Products map[string]Product
	Raw      map[string]interface{}
}

type catalogDocument struct {
	Products map[string]Product `plist:"Products"`
}

// Parse decodes a property-list catalog in any plist encoding.
func Parse(data []byte) (*Catalog, error) {
	raw := make(map[string]interface{})
	if _, err := plist.Unmarshal(data, &raw); err != nil {
		return nil, &ParseError{Err: err}
	}
	var doc catalogDocument
	if _, err := plist.Unmarshal(data, &doc); err != nil {
		return nil, &ParseError{Err: err}
	}
	if doc.Products == nil {
		doc.Products = make(map[string]Product)
	}
	return &Catalog{Products: doc.Products, Raw: raw}, nil
}

// ParseFile reads and decodes the catalog at path.
func ParseFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog %s: %w", path, err)
	}
	cat, err := Parse(data)
	if err != nil {
		var pe *ParseError
		if errors.As(err, &pe) {
			pe.Path = path
		}
		return nil, err
	}
	return cat, nil
}

// FilterOptions controls WriteFiltered.
type FilterOptions struct {
	// Keep selects the products that appear in the output. Nil keeps all.
	Keep func(productID string) bool
	// Rewrite maps remote URLs to their mirrored location. Nil leaves URLs
	// untouched.
	Rewrite func(rawURL string) string
	// RewritePackages also rewrites package payload URLs. Metadata and
	// distribution URLs are always rewritten when Rewrite is set.
	RewritePackages bool
	// StagingDir holds the temporary render before it is moved into place.
	// Empty means the destination directory.
	StagingDir string
}

// WriteFiltered renders cat as an XML property list containing only the
// kept products and atomically replaces dest with it.
func WriteFiltered(cat *Catalog, dest string, opts FilterOptions) error {
	out := make(map[string]interface{}, len(cat.Raw))
	for k, v := range cat.Raw {
		out[k] = v
	}

	products, _ := cat.Raw["Products"].(map[string]interface{})
	filtered := make(map[string]interface{}, len(products))
	for id, entry := range products {
		if opts.Keep != nil && !opts.Keep(id) {
			continue
		}
		if opts.Rewrite != nil {
			if m, ok := entry.(map[string]interface{}); ok {
				entry = rewriteProduct(m, opts)
			}
		}
		filtered[id] = entry
	}
	out["Products"] = filtered

	data, err := plist.MarshalIndent(out, plist.XMLFormat, "\t")
	if err != nil {
		return fmt.Errorf("failed to encode catalog %s: %w", dest, err)
	}

	if err := writeAtomic(dest, data, opts.StagingDir); err != nil {
		return fmt.Errorf("failed to write catalog %s: %w", dest, err)
	}
	return nil
}

func rewriteProduct(entry map[string]interface{}, opts FilterOptions) map[string]interface{} {
	out := make(map[string]interface{}, len(entry))
	for k, v := range entry {
		out[k] = v
	}
	if s, ok := out["ServerMetadataURL"].(string); ok {
		out["ServerMetadataURL"] = opts.Rewrite(s)
	}
	if dists, ok := out["Distributions"].(map[string]interface{}); ok {
		rewritten := make(map[string]interface{}, len(dists))
		for lang, v := range dists {
			if s, ok := v.(string); ok {
				v = opts.Rewrite(s)
			}
			rewritten[lang] = v
		}
		out["Distributions"] = rewritten
	}
	if pkgs, ok := out["Packages"].([]interface{}); ok {
		rewritten := make([]interface{}, 0, len(pkgs))
		for _, p := range pkgs {
			pm, ok := p.(map[string]interface{})
			if !ok {
				rewritten = append(rewritten, p)
				continue
			}
			np := make(map[string]interface{}, len(pm))
			for k, v := range pm {
				np[k] = v
			}
			for _, key := range []string{"MetadataURL", "IntegrityDataURL"} {
				if s, ok := np[key].(string); ok {
					np[key] = opts.Rewrite(s)
				}
			}
			if opts.RewritePackages {
				if s, ok := np["URL"].(string); ok {
					np["URL"] = opts.Rewrite(s)
				}
			}
			rewritten = append(rewritten, np)
		}
		out["Packages"] = rewritten
	}
	return out
}

// writeAtomic writes data to a temporary file and renames it over dest.
// When the staging directory sits on another filesystem the temporary file
// is recreated next to dest.
func writeAtomic(dest string, data []byte, stagingDir string) error {
	dir := filepath.Dir(dest)
	if stagingDir == "" {
		stagingDir = dir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := writeTemp(stagingDir, filepath.Base(dest), data)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, dest); err == nil {
		return nil
	}
	_ = os.Remove(tmp)
	if stagingDir == dir {
		return fmt.Errorf("failed to move %s into place", tmp)
	}
	tmp, err = writeTemp(dir, filepath.Base(dest), data)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

func writeTemp(dir, base string, data []byte) (string, error) {
	f, err := os.CreateTemp(dir, "."+base+".*")
	if err != nil {
		return "", err
	}
	name := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(name)
		return "", err
	}
	if err := f.Chmod(0o644); err != nil {
		f.Close()
		os.Remove(name)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(name)
		return "", err
	}
	return name, nil
}
