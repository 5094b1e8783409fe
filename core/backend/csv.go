package backend

import (
	"encoding/csv"
	"net/http"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/apiforge-io/apiforge/core"
	"github.com/apiforge-io/apiforge/core/query"
)

// writeCSV streams a result page as CSV. The column set follows the
// entity's serialization order, restricted to csv-flagged attributes and
// the query's projection; the header row carries display names.
func (b *Backend) writeCSV(w http.ResponseWriter, r *http.Request, q *query.Query, items []map[string]interface{}) {
	model := q.Model
	if !model.CSV {
		writeError(w, r, core.InvalidArgumentf("entity %s does not support csv export", model.Code))
		return
	}
	var projected map[string]bool
	if q.Select != nil && q.Select.ApplyRoot {
		projected = q.Select.Root
	}
	fields := model.CSVFields(projected)

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+model.Code+`.csv"`)

	writer := csv.NewWriter(w)
	header := make([]string, len(fields))
	for i, field := range fields {
		attr, _ := model.Attribute(field)
		header[i] = attr.Name
	}
	if err := writer.Write(header); err != nil {
		return
	}
	row := make([]string, len(fields))
	for _, item := range items {
		for i, field := range fields {
			row[i] = csvValue(item[field])
		}
		if err := writer.Write(row); err != nil {
			return
		}
	}
	writer.Flush()
}

func csvValue(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(data)
	}
}
