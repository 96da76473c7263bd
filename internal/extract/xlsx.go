// Package extract turns an uploaded document into task fields.
package extract

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/xuri/excelize/v2"

	"taskbot/internal/apperr"
)

type Extractor interface {
	Extract(ctx context.Context, name string, r io.Reader) (map[string]string, error)
}

// aliases maps header labels, lower-cased, to field names.
var aliases = map[string]string{
	"описание":         "description",
	"описание задачи":  "description",
	"задача":           "description",
	"description":      "description",
	"населённый пункт": "locality",
	"населенный пункт": "locality",
	"город":            "locality",
	"locality":         "locality",
	"адрес":            "address",
	"address":          "address",
	"дата":             "scheduled_date",
	"дата выполнения":  "scheduled_date",
	"date":             "scheduled_date",
	"scheduled_date":   "scheduled_date",
	"планируемая дата": "scheduled_date",
}

// NormalizeKey maps a label to a known field. Unknown labels are returned
// lower-cased and trimmed.
func NormalizeKey(label string) string {
	k := strings.ToLower(strings.Join(strings.Fields(label), " "))
	k = strings.TrimSuffix(k, ":")
	if f, ok := aliases[k]; ok {
		return f
	}
	return k
}

// XLSX reads the first sheet as key/value rows: column A is the label and
// column B the value.
type XLSX struct{}

func (XLSX) Extract(ctx context.Context, name string, r io.Reader) (map[string]string, error) {
	if ext := strings.ToLower(path.Ext(name)); ext != ".xlsx" {
		return nil, fmt.Errorf("%w: %q is not an .xlsx file", apperr.ErrExtraction, name)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", apperr.ErrExtraction, name, err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("%w: %s has no sheets", apperr.ErrExtraction, name)
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", apperr.ErrExtraction, name, err)
	}

	out := make(map[string]string)
	for _, row := range rows {
		if len(row) < 2 {
			continue
		}
		key := NormalizeKey(row[0])
		val := strings.TrimSpace(row[1])
		if key == "" || val == "" {
			continue
		}
		if _, dup := out[key]; !dup {
			out[key] = val
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s has no filled rows", apperr.ErrExtraction, name)
	}
	return out, nil
}
