// Package coveragepersist is the Postgres adapter behind the mirror
// store. Data rows live in raw_data as JSONB keyed by a tstzrange; the
// raw_data_coverage table carries one disjoint, non-adjacent range set
// per (dataset, symbol), guarded by GIST exclusion constraints.
package coveragepersist

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/core/stores/sqlx"

	"quotemirror/pkg/interval"
	"quotemirror/pkg/mirror"
)

// symbolChunkSize bounds how many symbols one coverage query names.
const symbolChunkSize = 100

var _ mirror.Store = (*Service)(nil)

// Service implements mirror.Store on Postgres.
type Service struct {
	conn sqlx.SqlConn
	now  func() time.Time

	idMu sync.Mutex
	ids  map[string]int64
}

// Option customises a Service.
type Option func(*Service)

// WithClock overrides the wall clock used for the coverage end cap.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService wires a coverage store over an open connection.
func NewService(conn sqlx.SqlConn, opts ...Option) *Service {
	s := &Service{
		conn: conn,
		now:  time.Now,
		ids:  make(map[string]int64),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// datasetID resolves the surrogate key for a dataset, creating the row on
// first use. Resolved ids are cached for the life of the process.
func (s *Service) datasetID(ctx context.Context, ds mirror.Dataset) (int64, error) {
	if err := ds.Validate(); err != nil {
		return 0, err
	}
	key := ds.String()
	s.idMu.Lock()
	id, ok := s.ids[key]
	s.idMu.Unlock()
	if ok {
		return id, nil
	}

	query := `SELECT id FROM dataset WHERE provider = $1 AND market = $2 AND name = $3;`
	err := s.conn.QueryRowCtx(ctx, &id, query, ds.Provider, ds.Market, ds.Name)
	switch err {
	case nil:
	case sqlx.ErrNotFound, sql.ErrNoRows:
		insert := `
INSERT INTO dataset (provider, market, name) VALUES ($1, $2, $3)
ON CONFLICT (provider, market, name) DO UPDATE SET provider = EXCLUDED.provider
RETURNING id;`
		if err := s.conn.QueryRowCtx(ctx, &id, insert, ds.Provider, ds.Market, ds.Name); err != nil {
			return 0, fmt.Errorf("coveragepersist: create dataset %s: %w", ds, err)
		}
	default:
		return 0, fmt.Errorf("coveragepersist: lookup dataset %s: %w", ds, err)
	}

	s.idMu.Lock()
	s.ids[key] = id
	s.idMu.Unlock()
	return id, nil
}

type coverageRow struct {
	Symbol string    `db:"symbol"`
	Start  time.Time `db:"range_start"`
	End    time.Time `db:"range_end"`
}

// LoadCoverage implements mirror.Store. Every requested symbol is present
// in the result, with an empty slice when nothing is covered.
func (s *Service) LoadCoverage(ctx context.Context, ds mirror.Dataset, symbols []string, window interval.Interval) (map[string][]interval.Interval, error) {
	id, err := s.datasetID(ctx, ds)
	if err != nil {
		return nil, err
	}

	out := make(map[string][]interval.Interval, len(symbols))
	for _, sym := range symbols {
		out[sym] = []interval.Interval{}
	}

	query := `
SELECT symbol, lower(tstzrange) AS range_start, upper(tstzrange) AS range_end
FROM raw_data_coverage
WHERE dataset_id = $1 AND symbol = ANY($2) AND tstzrange && tstzrange($3, $4, '[)')
ORDER BY symbol, lower(tstzrange);`
	for _, chunk := range chunkSymbols(symbols, symbolChunkSize) {
		var rows []coverageRow
		if err := s.conn.QueryRowsCtx(ctx, &rows, query, id, pq.Array(chunk), window.Start, window.End); err != nil {
			return nil, fmt.Errorf("coveragepersist: load coverage for %s: %w", ds, err)
		}
		for _, row := range rows {
			out[row.Symbol] = append(out[row.Symbol], interval.Interval{Start: row.Start, End: row.End})
		}
	}
	return out, nil
}

// RecordCoverage implements mirror.Store. Each symbol's overlapping and
// adjacent ranges are merged with the new window inside one transaction,
// so readers never observe a partially merged state.
func (s *Service) RecordCoverage(ctx context.Context, ds mirror.Dataset, symbols []string, window interval.Interval, delay time.Duration) error {
	id, err := s.datasetID(ctx, ds)
	if err != nil {
		return err
	}
	capEnd := s.now().Add(-delay)

	return s.conn.TransactCtx(ctx, func(ctx context.Context, session sqlx.Session) error {
		for _, sym := range symbols {
			if err := mergeSymbolCoverage(ctx, session, id, sym, window, capEnd); err != nil {
				return fmt.Errorf("coveragepersist: record coverage for %s %s: %w", ds, sym, err)
			}
		}
		return nil
	})
}

func mergeSymbolCoverage(ctx context.Context, session sqlx.Session, datasetID int64, symbol string, window interval.Interval, capEnd time.Time) error {
	merged := window
	if merged.End.After(capEnd) {
		merged.End = capEnd
	}

	type rangeRow struct {
		Start time.Time `db:"range_start"`
		End   time.Time `db:"range_end"`
	}
	var rows []rangeRow
	query := `
SELECT lower(tstzrange) AS range_start, upper(tstzrange) AS range_end
FROM raw_data_coverage
WHERE dataset_id = $1 AND symbol = $2
  AND (tstzrange && tstzrange($3, $4, '[)') OR tstzrange -|- tstzrange($3, $4, '[)'));`
	if err := session.QueryRowsCtx(ctx, &rows, query, datasetID, symbol, window.Start, window.End); err != nil && err != sqlx.ErrNotFound {
		return err
	}
	for _, row := range rows {
		if row.Start.Before(merged.Start) {
			merged.Start = row.Start
		}
		if row.End.After(merged.End) {
			merged.End = row.End
		}
	}
	if !merged.Start.Before(merged.End) {
		// Entirely inside the delay cap and nothing to absorb.
		return nil
	}

	del := `
DELETE FROM raw_data_coverage
WHERE dataset_id = $1 AND symbol = $2
  AND (tstzrange && tstzrange($3, $4, '[)') OR tstzrange -|- tstzrange($3, $4, '[)'));`
	if _, err := session.ExecCtx(ctx, del, datasetID, symbol, window.Start, window.End); err != nil {
		return err
	}

	ins := `
INSERT INTO raw_data_coverage (dataset_id, symbol, tstzrange)
VALUES ($1, $2, tstzrange($3, $4, '[)'))
ON CONFLICT (dataset_id, symbol, tstzrange) DO NOTHING;`
	_, err := session.ExecCtx(ctx, ins, datasetID, symbol, merged.Start, merged.End)
	return err
}

// InsertRows implements mirror.Store. Conflicting rows are skipped, which
// makes re-downloading an already stored window a no-op.
func (s *Service) InsertRows(ctx context.Context, ds mirror.Dataset, rows []mirror.Row) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	id, err := s.datasetID(ctx, ds)
	if err != nil {
		return 0, err
	}

	stmt := `
INSERT INTO raw_data (dataset_id, symbol, tstzrange, data)
VALUES ($1, $2, tstzrange($3, $4, '[)'), $5)
ON CONFLICT (dataset_id, symbol, tstzrange) DO NOTHING;`
	inserted := 0
	err = s.conn.TransactCtx(ctx, func(ctx context.Context, session sqlx.Session) error {
		for _, row := range rows {
			res, err := session.ExecCtx(ctx, stmt, id, row.Symbol, row.Span.Start, row.Span.End, string(row.Payload))
			if err != nil {
				return fmt.Errorf("coveragepersist: insert row %s %s: %w", row.Symbol, row.Span, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			inserted += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	logx.WithContext(ctx).Debugf("coveragepersist: inserted %d/%d rows for %s", inserted, len(rows), ds)
	return inserted, nil
}

// StoredRow is one persisted observation read back from raw_data.
type StoredRow struct {
	Symbol  string    `db:"symbol"`
	Start   time.Time `db:"range_start"`
	End     time.Time `db:"range_end"`
	Payload string    `db:"data"`
}

// ReadRows returns stored rows for one symbol ordered by time, for
// consumers that replay history, e.g. backtests.
func (s *Service) ReadRows(ctx context.Context, ds mirror.Dataset, symbol string, window interval.Interval) ([]StoredRow, error) {
	id, err := s.datasetID(ctx, ds)
	if err != nil {
		return nil, err
	}
	query := `
SELECT symbol, lower(tstzrange) AS range_start, upper(tstzrange) AS range_end, data
FROM raw_data
WHERE dataset_id = $1 AND symbol = $2 AND tstzrange && tstzrange($3, $4, '[)')
ORDER BY lower(tstzrange);`
	var rows []StoredRow
	if err := s.conn.QueryRowsCtx(ctx, &rows, query, id, symbol, window.Start, window.End); err != nil && err != sqlx.ErrNotFound {
		return nil, fmt.Errorf("coveragepersist: read rows for %s %s: %w", ds, symbol, err)
	}
	return rows, nil
}

// DeleteDataset removes a dataset and, via cascade, all its rows and
// coverage. Destructive; only the reset CLI should call it.
func (s *Service) DeleteDataset(ctx context.Context, ds mirror.Dataset) error {
	stmt := `DELETE FROM dataset WHERE provider = $1 AND market = $2 AND name = $3;`
	if _, err := s.conn.ExecCtx(ctx, stmt, ds.Provider, ds.Market, ds.Name); err != nil {
		return fmt.Errorf("coveragepersist: delete dataset %s: %w", ds, err)
	}
	s.idMu.Lock()
	delete(s.ids, ds.String())
	s.idMu.Unlock()
	logx.WithContext(ctx).Infof("coveragepersist: deleted dataset %s", ds)
	return nil
}

func chunkSymbols(symbols []string, size int) [][]string {
	if len(symbols) == 0 {
		return nil
	}
	chunks := make([][]string, 0, (len(symbols)+size-1)/size)
	for start := 0; start < len(symbols); start += size {
		end := min(start+size, len(symbols))
		chunks = append(chunks, symbols[start:end])
	}
	return chunks
}
