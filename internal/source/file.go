package source

import (
	"context"
	"encoding/json"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/halcyon-data/weather-relay/internal/model"
)

// File serves observations from a CSV table loaded once at startup.
//
// Expected columns: city, temperature (Celsius), and optionally humidity,
// description, observed_at (RFC 3339). Header matching and city lookup are
// case-insensitive via Unicode case folding. When the same city appears
// twice the later row wins. Cells are kept as text and coerced at lookup
// time, so one bad row only fails its own city.
type File struct {
	path string
	rows map[string]fileRow
	now  func() time.Time
}

type fileRow struct {
	city        string
	temperature string
	humidity    string
	description string
	observedAt  string
	raw         json.RawMessage
}

// NewFile loads the CSV table at path. The encoding name is resolved against
// the WHATWG registry (e.g. "latin1", "windows-1252"); empty means UTF-8. A
// leading byte-order mark always wins over the configured encoding.
func NewFile(path, encodingName string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrap(err, "source: open csv file")
	}
	defer func() { _ = f.Close() }()

	dec := unicode.UTF8.NewDecoder()
	if encodingName != "" {
		enc, err := htmlindex.Get(encodingName)
		if err != nil {
			return nil, eris.Wrapf(err, "source: unknown csv encoding %q", encodingName)
		}
		dec = enc.NewDecoder()
	}
	r := transform.NewReader(f, unicode.BOMOverride(dec))

	headerCh := make(chan []string, 1)
	rowCh, errCh := streamCSV(context.Background(), r, csvOptions{
		hasHeader:  true,
		headerCh:   headerCh,
		lazyQuotes: true,
		trimSpace:  true,
	})

	var records [][]string
	for row := range rowCh {
		records = append(records, row)
	}
	if err := <-errCh; err != nil {
		return nil, err
	}

	var cols map[string]int
	select {
	case header := <-headerCh:
		cols = indexColumns(header)
	default:
		return nil, eris.Errorf("source: csv file %s is empty", path)
	}
	if _, ok := cols["city"]; !ok {
		return nil, eris.Errorf("source: csv file %s missing city column", path)
	}
	if _, ok := cols["temperature"]; !ok {
		return nil, eris.Errorf("source: csv file %s missing temperature column", path)
	}

	rows := make(map[string]fileRow, len(records))
	for _, row := range records {
		fr := fileRow{
			city:        cell(row, cols, "city"),
			temperature: cell(row, cols, "temperature"),
			humidity:    cell(row, cols, "humidity"),
			description: strings.Trim(cell(row, cols, "description"), `"`),
			observedAt:  cell(row, cols, "observed_at"),
		}
		if fr.city == "" {
			continue
		}
		fr.raw, _ = json.Marshal(map[string]string{
			"city":        fr.city,
			"temperature": fr.temperature,
			"humidity":    fr.humidity,
			"description": fr.description,
			"observed_at": fr.observedAt,
		})
		rows[cases.Fold().String(fr.city)] = fr
	}

	return &File{path: path, rows: rows, now: time.Now}, nil
}

func indexColumns(header []string) map[string]int {
	cols := make(map[string]int, len(header))
	fold := cases.Fold()
	for i, name := range header {
		cols[fold.String(strings.TrimSpace(name))] = i
	}
	return cols
}

func cell(row []string, cols map[string]int, name string) string {
	i, ok := cols[name]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func (a *File) Kind() model.SourceKind { return model.SourceFile }

// Len returns the number of cities in the table.
func (a *File) Len() int { return len(a.rows) }

func (a *File) Fetch(ctx context.Context, city string) (model.ObservationRecord, error) {
	task := model.FetchTask{Source: model.SourceFile, City: city}

	if err := ctx.Err(); err != nil {
		return model.ObservationRecord{}, model.NewFetchFailure(task, model.FailureTimeout, err)
	}

	row, ok := a.rows[cases.Fold().String(city)]
	if !ok {
		return model.ObservationRecord{}, model.NewFetchFailure(task, model.FailureNotFound,
			eris.Errorf("no row for city %q in %s", city, a.path))
	}

	temp, err := strconv.ParseFloat(row.temperature, 64)
	if err != nil || math.IsNaN(temp) || math.IsInf(temp, 0) {
		return model.ObservationRecord{}, model.NewFetchFailure(task, model.FailureMalformed,
			eris.Errorf("temperature %q is not a finite number", row.temperature))
	}

	rec := model.ObservationRecord{
		City:         task.City,
		Source:       model.SourceFile,
		TemperatureC: temp,
		Description:  row.description,
		ObservedAt:   a.now().UTC(),
		Raw:          row.raw,
	}
	if row.observedAt != "" {
		ts, err := time.Parse(time.RFC3339, row.observedAt)
		if err != nil {
			return model.ObservationRecord{}, model.NewFetchFailure(task, model.FailureMalformed,
				eris.Errorf("observed_at %q is not RFC 3339", row.observedAt))
		}
		rec.ObservedAt = ts.UTC()
	}
	if row.humidity != "" {
		h, err := strconv.ParseFloat(row.humidity, 64)
		if err != nil || h < 0 || h > 100 {
			return model.ObservationRecord{}, model.NewFetchFailure(task, model.FailureMalformed,
				eris.Errorf("humidity %q outside [0,100]", row.humidity))
		}
		rec.HumidityPercent = &h
	}
	return rec, nil
}
