package output

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/conduitd/conduit/pkg/types"
)

// ErrUnsupportedFormat is returned for formats the dispatcher does not
// know. Unknown formats fail loudly rather than degrade to JSON.
var ErrUnsupportedFormat = errors.New("unsupported output format")

// Format renders the transformed result in the requested format and
// returns the payload with its content type.
func Format(format string, result interface{}) ([]byte, string, error) {
	switch format {
	case types.FormatJSON:
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return nil, "", fmt.Errorf("failed to serialize result as json: %w", err)
		}
		return data, "application/json", nil
	case types.FormatCSV:
		data, err := formatCSV(result)
		if err != nil {
			return nil, "", err
		}
		return data, "text/csv", nil
	default:
		return nil, "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

func formatCSV(result interface{}) ([]byte, error) {
	records, err := toRecords(result)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}

	header := make([]string, 0, len(records[0]))
	for key := range records[0] {
		header = append(header, key)
	}
	sort.Strings(header)

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		return nil, fmt.Errorf("failed to write csv header: %w", err)
	}
	for _, record := range records {
		row := make([]string, len(header))
		for i, key := range header {
			row[i] = stringify(record[key])
		}
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("failed to flush csv: %w", err)
	}
	return buf.Bytes(), nil
}

func toRecords(result interface{}) ([]map[string]interface{}, error) {
	switch val := result.(type) {
	case []map[string]interface{}:
		return val, nil
	case []interface{}:
		records := make([]map[string]interface{}, 0, len(val))
		for _, item := range val {
			record, ok := item.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("csv output requires a list of records, got element of type %T", item)
			}
			records = append(records, record)
		}
		return records, nil
	default:
		return nil, fmt.Errorf("csv output requires a list of records, got %T", result)
	}
}

func stringify(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64, float32, int, int64, bool:
		return fmt.Sprintf("%v", val)
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(data)
	}
}
