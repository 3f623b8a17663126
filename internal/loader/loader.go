// Package loader reads Parquet files and maps their rows onto destination
// rows.
package loader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/parquet-go/parquet-go"

	"github.com/withObsrvr/obsrvr-parquet-loader/internal/mapping"
	"github.com/withObsrvr/obsrvr-parquet-loader/internal/source"
)

var (
	// ErrCorruptFile is returned when a file cannot be decoded as Parquet.
	ErrCorruptFile = errors.New("corrupt parquet file")

	// ErrTooManyMalformed is returned when the share of skipped rows exceeds
	// the configured ratio.
	ErrTooManyMalformed = errors.New("too many malformed rows")
)

const (
	readBatchSize = 1024
	maxRowErrors  = 10
)

// Stats summarizes one load.
type Stats struct {
	RowsRead    int64
	RowsEmitted int64
	RowsSkipped int64
	RowGroups   int
	Bytes       int64
	Checksum    string
	// RowErrors holds the first few row errors for logging.
	RowErrors []string
}

// SkipRatio returns skipped rows over all mapped outcomes.
func (s Stats) SkipRatio() float64 {
	total := s.RowsEmitted + s.RowsSkipped
	if total == 0 {
		return 0
	}
	return float64(s.RowsSkipped) / float64(total)
}

// Config tunes a Loader.
type Config struct {
	// MaxSkipRatio fails the file when more than this share of rows is
	// skipped. Nil disables the check; zero tolerates no skipped rows.
	MaxSkipRatio *float64
}

// Loader reads one file at a time.
type Loader struct {
	store   source.Store
	decoder *source.Decoder
	mapper  *mapping.Mapper
	cfg     Config
	log     *slog.Logger
}

// New creates a loader. The decoder is shared and may be used concurrently.
func New(store source.Store, decoder *source.Decoder, mapper *mapping.Mapper, cfg Config) *Loader {
	return &Loader{
		store:   store,
		decoder: decoder,
		mapper:  mapper,
		cfg:     cfg,
		log:     slog.With("component", "loader"),
	}
}

// Load reads entry and calls emit for every mapped row in file order.
// Rows whose transform fails are skipped and counted in Stats. A missing
// source column fails the file before any row is emitted.
func (l *Loader) Load(ctx context.Context, entry source.FileEntry, emit func(mapping.Row) error) (Stats, error) {
	var stats Stats

	data, err := l.store.Read(ctx, entry.Key)
	if err != nil {
		return stats, err
	}
	stats.Bytes = int64(len(data))
	stats.Checksum = ComputeChecksum(data)

	raw, err := l.decoder.Decode(entry.Key, data)
	if err != nil {
		return stats, fmt.Errorf("%w: %w", ErrCorruptFile, err)
	}

	f, err := parquet.OpenFile(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return stats, fmt.Errorf("%w: open %s: %w", ErrCorruptFile, entry.Key, err)
	}

	schema := columnNames(f.Schema())
	binding, err := l.mapper.Bind(schema)
	if err != nil {
		return stats, fmt.Errorf("%s: %w", entry.Key, err)
	}

	for _, rg := range f.RowGroups() {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		stats.RowGroups++
		if err := l.readRowGroup(ctx, rg, len(schema), binding, emit, &stats); err != nil {
			return stats, fmt.Errorf("%s: row group %d: %w", entry.Key, stats.RowGroups-1, err)
		}
	}

	if limit := l.cfg.MaxSkipRatio; limit != nil && stats.SkipRatio() > *limit {
		return stats, fmt.Errorf("%w: %s skipped %d of %d rows (max ratio %.2f)",
			ErrTooManyMalformed, entry.Key, stats.RowsSkipped, stats.RowsSkipped+stats.RowsEmitted, *limit)
	}

	if stats.RowsSkipped > 0 {
		l.log.Warn("skipped malformed rows",
			"file", entry.Key,
			"skipped", stats.RowsSkipped,
			"emitted", stats.RowsEmitted,
			"first_error", stats.RowErrors[0],
		)
	}
	return stats, nil
}

func (l *Loader) readRowGroup(ctx context.Context, rg parquet.RowGroup, width int, b *mapping.Binding, emit func(mapping.Row) error, stats *Stats) error {
	rows := rg.Rows()
	defer rows.Close()

	buf := make([]parquet.Row, readBatchSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := rows.ReadRows(buf)
		for _, row := range buf[:n] {
			stats.RowsRead++
			out, rowErrs := b.Map(rowValues(row, width))
			for _, rerr := range rowErrs {
				stats.RowsSkipped++
				if len(stats.RowErrors) < maxRowErrors {
					stats.RowErrors = append(stats.RowErrors, fmt.Sprintf("row %d: %v", stats.RowsRead-1, rerr))
				}
			}
			for _, r := range out {
				if err := emit(r); err != nil {
					return err
				}
				stats.RowsEmitted++
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: %w", ErrCorruptFile, err)
		}
	}
}

// columnNames returns the dotted leaf column paths in column index order.
func columnNames(s *parquet.Schema) []string {
	paths := s.Columns()
	names := make([]string, len(paths))
	for i, p := range paths {
		names[i] = strings.Join(p, ".")
	}
	return names
}

// rowValues flattens a row into one Go value per leaf column. Repeated
// columns keep their first value.
func rowValues(row parquet.Row, width int) []any {
	values := make([]any, width)
	set := make([]bool, width)
	for _, v := range row {
		col := v.Column()
		if col < 0 || col >= width || set[col] {
			continue
		}
		set[col] = true
		values[col] = goValue(v)
	}
	return values
}

func goValue(v parquet.Value) any {
	if v.IsNull() {
		return nil
	}
	switch v.Kind() {
	case parquet.Boolean:
		return v.Boolean()
	case parquet.Int32:
		return v.Int32()
	case parquet.Int64:
		return v.Int64()
	case parquet.Float:
		return v.Float()
	case parquet.Double:
		return v.Double()
	case parquet.ByteArray:
		return string(v.ByteArray())
	case parquet.FixedLenByteArray:
		return append([]byte(nil), v.ByteArray()...)
	default:
		return v.String()
	}
}
