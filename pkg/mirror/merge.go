package mirror

import (
	"fmt"
	"sort"
	"time"

	"quotemirror/pkg/interval"
	"quotemirror/pkg/provider"
)

// MergeBatches groups missing per-symbol ranges into the fewest batched
// requests that respect the capability's row limit. The batching strategy
// follows the capability's axis; the hybrid axis computes both plans and
// keeps the one with fewer requests, preferring the symbol plan on ties.
func MergeBatches(profile provider.Capability, missing []Range) ([]Batch, error) {
	if len(missing) == 0 {
		return nil, nil
	}
	switch profile.Axis {
	case provider.AxisSymbol:
		return mergeBySymbol(profile, missing), nil
	case provider.AxisTime:
		return mergeByTime(profile, missing), nil
	case provider.AxisHybrid:
		bySymbol := mergeBySymbol(profile, missing)
		byTime := mergeByTime(profile, missing)
		if len(bySymbol) <= len(byTime) {
			return bySymbol, nil
		}
		return byTime, nil
	default:
		return nil, fmt.Errorf("mirror: unsupported batch axis %s", profile.Axis)
	}
}

// chunkCount estimates how many granularity-sized rows a span produces,
// rounding up and never reporting less than one.
func chunkCount(span interval.Interval, granularity time.Duration) int {
	d := span.Duration()
	n := int((d + granularity - 1) / granularity)
	if n < 1 {
		n = 1
	}
	return n
}

// mergeBySymbol splits every missing range into granularity-sized time
// chunks and accumulates the symbols that touch each chunk into batches.
// Symbols from different chunks never share a batch; within a chunk a new
// batch starts as soon as adding one more symbol would push the estimated
// row count past the limit.
func mergeBySymbol(profile provider.Capability, missing []Range) []Batch {
	type chunkID struct {
		start, end int64
	}
	chunks := make(map[chunkID][]string)
	for _, r := range missing {
		cur := r.Span.Start
		for cur.Before(r.Span.End) {
			end := cur.Add(profile.Granularity)
			if end.After(r.Span.End) {
				end = r.Span.End
			}
			id := chunkID{start: cur.UnixNano(), end: end.UnixNano()}
			chunks[id] = append(chunks[id], r.Symbol)
			cur = end
		}
	}

	ids := make([]chunkID, 0, len(chunks))
	for id := range chunks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if ids[i].start == ids[j].start {
			return ids[i].end < ids[j].end
		}
		return ids[i].start < ids[j].start
	})

	var batches []Batch
	for _, id := range ids {
		span := interval.Interval{Start: time.Unix(0, id.start).UTC(), End: time.Unix(0, id.end).UTC()}
		rows := chunkCount(span, profile.Granularity)
		var cur *Batch
		for _, sym := range chunks[id] {
			if cur != nil && (len(cur.Symbols)+1)*rows <= profile.MaxRowsPerRequest {
				cur.Symbols = append(cur.Symbols, sym)
				continue
			}
			if cur != nil {
				batches = append(batches, *cur)
			}
			cur = &Batch{Symbols: []string{sym}, Span: span}
		}
		if cur != nil {
			batches = append(batches, *cur)
		}
	}
	return batches
}

// mergeByTime walks ranges sorted by (symbol, start) and extends a
// per-symbol batch forward in time while the estimated row count stays
// within the limit. Batches produced by this strategy always hold exactly
// one symbol.
func mergeByTime(profile provider.Capability, missing []Range) []Batch {
	sorted := make([]Range, 0, len(missing))
	for _, r := range missing {
		sorted = append(sorted, splitRange(r, profile)...)
	}
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Symbol == sorted[j].Symbol {
			return sorted[i].Span.Start.Before(sorted[j].Span.Start)
		}
		return sorted[i].Symbol < sorted[j].Symbol
	})

	var batches []Batch
	var cur *Batch
	for _, r := range sorted {
		if cur != nil && cur.Symbols[0] == r.Symbol {
			extended := interval.Interval{Start: cur.Span.Start, End: r.Span.End}
			if chunkCount(extended, profile.Granularity) <= profile.MaxRowsPerRequest {
				cur.Span.End = r.Span.End
				continue
			}
		}
		if cur != nil {
			batches = append(batches, *cur)
		}
		cur = &Batch{Symbols: []string{r.Symbol}, Span: r.Span}
	}
	if cur != nil {
		batches = append(batches, *cur)
	}
	return batches
}

// splitRange chops a missing range into pieces whose estimated row count
// fits the limit, so even a single long gap cannot yield an oversized batch.
func splitRange(r Range, profile provider.Capability) []Range {
	maxSpan := profile.Granularity * time.Duration(profile.MaxRowsPerRequest)
	if r.Span.Duration() <= maxSpan {
		return []Range{r}
	}
	var pieces []Range
	cur := r.Span.Start
	for cur.Before(r.Span.End) {
		end := cur.Add(maxSpan)
		if end.After(r.Span.End) {
			end = r.Span.End
		}
		pieces = append(pieces, Range{Symbol: r.Symbol, Span: interval.Interval{Start: cur, End: end}})
		cur = end
	}
	return pieces
}
