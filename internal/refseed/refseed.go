// Package refseed extracts canonical display names from legacy HTML exports
// so reference tables can be seeded before a matching run. The old admin tool
// exported reference data either as <table> pages or as <select> pickers;
// both shapes are supported.
package refseed

import (
	"fmt"
	"io"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"refmatch/internal/textnorm"
)

// Options control where names are read from within the document.
type Options struct {
	// Selector scopes extraction to one container, e.g. "table.countries"
	// or "select[name=pays]". Empty means the whole document.
	Selector string

	// Cell is the zero-based column holding the display name when reading
	// table rows. Ignored for <select> exports.
	Cell int
}

// Names parses an HTML export and returns its display names in document
// order, deduplicated on the folded form (first spelling wins).
//
// Semantics:
//   - <option> elements win when present; empty-valued options are picker
//     placeholders ("-- Sélectionner --") and are dropped.
//   - Otherwise every <tr> contributes the text of its Cell-th <td>. Header
//     rows have no <td> cells and fall out naturally.
//   - Blank names are dropped; rows with too few cells are skipped.
//
// An explicit Selector that matches nothing is an error: that is an operator
// typo, not an empty export.
func Names(r io.Reader, opts Options) ([]string, error) {
	if opts.Cell < 0 {
		return nil, fmt.Errorf("cell index must not be negative (got %d)", opts.Cell)
	}

	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	root := doc.Selection
	if sel := strings.TrimSpace(opts.Selector); sel != "" {
		root = doc.Find(sel)
		if root.Length() == 0 {
			return nil, fmt.Errorf("selector %q matched nothing", sel)
		}
	}

	seen := make(map[string]bool)
	var names []string
	add := func(raw string) {
		name := strings.TrimSpace(raw)
		if name == "" {
			return
		}
		key := textnorm.Fold(name)
		if seen[key] {
			return
		}
		seen[key] = true
		names = append(names, name)
	}

	options := root.Find("option")
	if options.Length() > 0 {
		options.Each(func(_ int, sel *goquery.Selection) {
			if v, ok := sel.Attr("value"); ok && strings.TrimSpace(v) == "" {
				return
			}
			add(sel.Text())
		})
		return names, nil
	}

	root.Find("tr").Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td")
		if cells.Length() <= opts.Cell {
			return
		}
		add(cells.Eq(opts.Cell).Text())
	})
	return names, nil
}

// NamesFromHTML is Names over an in-memory document.
func NamesFromHTML(html string, opts Options) ([]string, error) {
	return Names(strings.NewReader(html), opts)
}
