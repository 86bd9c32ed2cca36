package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/clean-dependency-project/sumirror/internal/reposync"
	"github.com/clean-dependency-project/sumirror/internal/storage"
)

const postDateLayout = "2006-01-02"

// printSummary writes the human-readable result of a sync run.
func printSummary(w io.Writer, s *reposync.Summary) {
	fmt.Fprintf(w, "Catalogs:  %d processed, %d failed\n", s.Sources, s.SourcesFailed)
	fmt.Fprintf(w, "Products:  %d replicated, %d skipped\n", s.Products, s.ProductsSkipped)
	fmt.Fprintf(w, "Assets:    %d failed\n", s.AssetFailures)
	fmt.Fprintf(w, "Duration:  %s\n", s.Duration.Round(time.Millisecond))
	if s.Errors != nil {
		for _, err := range s.Errors.Errors {
			fmt.Fprintf(w, "  error: %v\n", err)
		}
	}
}

// printProducts writes one aligned row per product.
func printProducts(w io.Writer, products []*storage.Product) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTITLE\tVERSION\tPOSTED\tSTATE\tCATALOGS")
	for _, p := range products {
		state := "current"
		if p.Deprecated() {
			state = "deprecated"
		}
		posted := "-"
		if !p.PostDate.IsZero() {
			posted = p.PostDate.UTC().Format(postDateLayout)
		}
		catalogs := p.AppleCatalogs
		if len(catalogs) == 0 {
			catalogs = p.OriginalAppleCatalogs
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			p.ID, orDash(p.Title), orDash(p.Version), posted, state, orDash(strings.Join(catalogs, ",")))
	}
	return tw.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
