package mirror

import (
	"context"
	"fmt"

	"quotemirror/pkg/interval"
)

// MissingRanges computes the per-symbol sub-ranges of window not yet
// covered in the store. Symbols whose window is fully covered contribute
// nothing, which is what makes repeated runs cheap.
func MissingRanges(ctx context.Context, store Store, ds Dataset, symbols []string, window interval.Interval) ([]Range, error) {
	covered, err := store.LoadCoverage(ctx, ds, symbols, window)
	if err != nil {
		return nil, fmt.Errorf("mirror: load coverage for %s: %w", ds, err)
	}
	var missing []Range
	for _, sym := range symbols {
		ivs := covered[sym]
		interval.SortByStart(ivs)
		for _, gap := range interval.Subtract(window, ivs) {
			missing = append(missing, Range{Symbol: sym, Span: gap})
		}
	}
	return missing, nil
}
