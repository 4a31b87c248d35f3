package source

import (
	"context"
	"encoding/csv"
	"io"
	"strings"

	"github.com/rotisserie/eris"
)

// csvOptions configures the streaming CSV parser.
type csvOptions struct {
	delimiter  rune            // default ','
	hasHeader  bool            // if true, first row is skipped but sent to headerCh
	headerCh   chan<- []string // optional: receives the header row
	lazyQuotes bool
	trimSpace  bool
}

// streamCSV reads CSV rows and sends them to a channel. The caller must
// consume the returned row channel. Both channels are closed when processing
// completes.
func streamCSV(ctx context.Context, r io.Reader, opts csvOptions) (<-chan []string, <-chan error) {
	rowCh := make(chan []string, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(rowCh)
		defer close(errCh)

		reader := csv.NewReader(r)
		if opts.delimiter != 0 {
			reader.Comma = opts.delimiter
		}
		reader.LazyQuotes = opts.lazyQuotes
		reader.FieldsPerRecord = -1 // allow variable fields

		first := true
		for {
			if ctx.Err() != nil {
				errCh <- eris.Wrap(ctx.Err(), "csv: context cancelled")
				return
			}

			record, err := reader.Read()
			if err == io.EOF {
				return
			}
			if err != nil {
				errCh <- eris.Wrap(err, "csv: read row")
				return
			}

			if opts.trimSpace {
				for i, field := range record {
					record[i] = strings.TrimSpace(field)
				}
			}

			if first && opts.hasHeader {
				first = false
				if opts.headerCh != nil {
					select {
					case opts.headerCh <- record:
					case <-ctx.Done():
						errCh <- eris.Wrap(ctx.Err(), "csv: context cancelled sending header")
						return
					}
				}
				continue
			}
			first = false

			select {
			case rowCh <- record:
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "csv: context cancelled")
				return
			}
		}
	}()

	return rowCh, errCh
}
