package storage

import (
	"time"

	"github.com/clean-dependency-project/sumirror/internal/catalog"
)

// Product is the persisted record of one update product.
type Product struct {
	ID          string    `gorm:"primaryKey" json:"id"`
	Title       string    `json:"title"`
	Version     string    `json:"version"`
	Description string    `gorm:"type:text" json:"description"`
	Size        int64     `json:"size"`
	PostDate    time.Time `json:"post_date"`

	PkgRefs map[string]catalog.PackageRef `gorm:"serializer:json" json:"pkg_refs"`

	// AppleCatalogs lists the catalogs referencing the product in the
	// current run; OriginalAppleCatalogs every catalog that ever has.
	AppleCatalogs         []string `gorm:"serializer:json" json:"apple_catalogs"`
	OriginalAppleCatalogs []string `gorm:"serializer:json" json:"original_apple_catalogs"`

	// CatalogEntry keeps the raw catalog entry as last seen.
	CatalogEntry *catalog.Product `gorm:"serializer:json" json:"catalog_entry,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName overrides the table name for GORM.
func (Product) TableName() string {
	return "products"
}

// Deprecated reports whether no catalog references the product anymore
// although some catalog once did.
func (p *Product) Deprecated() bool {
	return len(p.AppleCatalogs) == 0 && len(p.OriginalAppleCatalogs) > 0
}

// ETag is the last validator seen for a URL.
type ETag struct {
	URL       string `gorm:"primaryKey"`
	Value     string `gorm:"not null"`
	UpdatedAt time.Time
}

// DownloadStatus marks a product whose assets were replicated.
type DownloadStatus struct {
	ProductID string `gorm:"primaryKey"`
	CreatedAt time.Time
}
