package storage

import (
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LoadProducts returns the whole product index keyed by product id.
func (d *DB) LoadProducts() (map[string]*Product, error) {
	var products []*Product
	if err := d.db.Find(&products).Error; err != nil {
		return nil, fmt.Errorf("failed to load products: %w", err)
	}
	index := make(map[string]*Product, len(products))
	for _, p := range products {
		index[p.ID] = p
	}
	return index, nil
}

// SaveProducts upserts every product of index in one transaction.
func (d *DB) SaveProducts(index map[string]*Product) error {
	if len(index) == 0 {
		return nil
	}
	products := make([]*Product, 0, len(index))
	for id, p := range index {
		if p == nil {
			return fmt.Errorf("%w: %s", ErrNilProduct, id)
		}
		if p.ID == "" {
			p.ID = id
		}
		products = append(products, p)
	}

	err := d.db.Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).
			CreateInBatches(products, batchSize).Error
	})
	if err != nil {
		return fmt.Errorf("failed to save %d products: %w", len(products), err)
	}
	return nil
}

// GetProduct retrieves one product by id.
// Returns ErrNotFound if no matching product exists.
func (d *DB) GetProduct(id string) (*Product, error) {
	if id == "" {
		return nil, ErrEmptyID
	}
	var p Product
	if err := d.db.Where("id = ?", id).First(&p).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get product %s: %w", id, err)
	}
	return &p, nil
}

// ListProducts returns all products ordered by id.
func (d *DB) ListProducts() ([]*Product, error) {
	var products []*Product
	if err := d.db.Order("id").Find(&products).Error; err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}
	return products, nil
}

// ListDeprecated returns the products no catalog references anymore,
// ordered by id.
func (d *DB) ListDeprecated() ([]*Product, error) {
	products, err := d.ListProducts()
	if err != nil {
		return nil, err
	}
	deprecated := products[:0]
	for _, p := range products {
		if p.Deprecated() {
			deprecated = append(deprecated, p)
		}
	}
	return deprecated, nil
}

// ExportProductsJSON exports products as indented JSON, optionally only the
// deprecated ones.
func (d *DB) ExportProductsJSON(deprecatedOnly bool) ([]byte, error) {
	list := d.ListProducts
	if deprecatedOnly {
		list = d.ListDeprecated
	}
	products, err := list()
	if err != nil {
		return nil, err
	}

	data, err := json.MarshalIndent(products, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal products to JSON: %w", err)
	}
	return data, nil
}
