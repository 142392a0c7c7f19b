// Package convert turns InfluxQL query results into destination points,
// resolving tag/field name conflicts and historical field type drift along
// the way.
package convert

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	client "github.com/influxdata/influxdb1-client/v2"

	"github.com/influxkit/influx-migrate/internal/logging"
	"github.com/influxkit/influx-migrate/internal/source"
)

// TagSuffix is appended to a tag whose name collides with a field name.
// The field always keeps the original name.
const TagSuffix = "_tag"

// Conflicts returns the tag keys that are also field names, sorted.
func Conflicts(tags []string, fieldTypes map[string]string) []string {
	var out []string
	for _, tag := range tags {
		if _, ok := fieldTypes[tag]; ok {
			out = append(out, tag)
		}
	}
	sort.Strings(out)
	return out
}

// TagRenames maps each conflicting tag to its destination name.
func TagRenames(conflicts []string) map[string]string {
	renames := make(map[string]string, len(conflicts))
	for _, name := range conflicts {
		renames[name] = name + TagSuffix
	}
	return renames
}

// SanitizeFieldName rewrites field names the destination rejects; spaces
// become underscores.
func SanitizeFieldName(name string) string {
	return strings.ReplaceAll(name, " ", "_")
}

// column roles resolved by analyzeColumns.
type tagColumn struct {
	index   int
	renamed string
}

type fieldColumn struct {
	index    int
	name     string
	declared string
}

// analyzeColumns classifies result columns as tags or fields. A name used
// as both tag and field comes back from InfluxQL either as two columns
// (the tag disambiguated with a "_1" suffix) or as a single ambiguous
// column, in which case the first row's value type decides.
func analyzeColumns(s *source.Series, tags []string, fieldTypes map[string]string, renames map[string]string) ([]tagColumn, []fieldColumn) {
	tagSet := make(map[string]bool, len(tags))
	for _, t := range tags {
		tagSet[t] = true
	}
	colSet := make(map[string]bool, len(s.Columns))
	for _, c := range s.Columns {
		colSet[c] = true
	}

	var tagCols []tagColumn
	var fieldCols []fieldColumn

	for i, col := range s.Columns {
		if col == "time" {
			continue
		}

		isTag := false
		original := ""
		switch {
		case tagSet[col] && fieldTypes[col] == "":
			isTag = true
			original = col
		case tagSet[col] && fieldTypes[col] != "":
			if !colSet[col+"_1"] {
				if len(s.Values) > 0 && i < len(s.Values[0]) &&
					typeMatches(fieldTypes[col], s.Values[0][i]) {
					isTag = false
				} else {
					isTag = true
					original = col
				}
			}
		case strings.HasSuffix(col, "_1"):
			base := strings.TrimSuffix(col, "_1")
			if tagSet[base] && fieldTypes[base] != "" {
				isTag = true
				original = base
			}
		}

		if isTag && original != "" {
			renamed := original
			if r, ok := renames[original]; ok {
				renamed = r
			}
			tagCols = append(tagCols, tagColumn{index: i, renamed: renamed})
		}

		// A "_1" column backed by a conflicting tag is never a field.
		if strings.HasSuffix(col, "_1") {
			base := strings.TrimSuffix(col, "_1")
			if tagSet[base] && fieldTypes[base] != "" {
				continue
			}
		}

		if tagSet[col] && fieldTypes[col] != "" {
			if colSet[col+"_1"] {
				fieldCols = append(fieldCols, fieldColumn{index: i, name: col, declared: fieldTypes[col]})
			}
		} else if !tagSet[col] && fieldTypes[col] != "" {
			fieldCols = append(fieldCols, fieldColumn{index: i, name: col, declared: fieldTypes[col]})
		}
	}
	return tagCols, fieldCols
}

// Points converts one result series into destination points. Rows that end
// up with no usable fields are skipped. Fields whose observed type differs
// from the declared schema keep their value under a type-suffixed name
// instead of poisoning the destination column.
func Points(measurement string, s *source.Series, tags []string, fieldTypes map[string]string, renames map[string]string) ([]*client.Point, error) {
	if len(s.Values) == 0 {
		return nil, nil
	}

	tagCols, fieldCols := analyzeColumns(s, tags, fieldTypes, renames)
	timeIdx := s.ColumnIndex("time")
	if timeIdx < 0 {
		return nil, fmt.Errorf("series for %s has no time column", measurement)
	}

	var points []*client.Point
	for _, row := range s.Values {
		pointTags := make(map[string]string)
		for key, val := range s.Tags {
			name := key
			if r, ok := renames[key]; ok {
				name = r
			}
			pointTags[name] = val
		}
		for _, tc := range tagCols {
			if tc.index >= len(row) || row[tc.index] == nil {
				continue
			}
			pointTags[tc.renamed] = stringify(row[tc.index])
		}

		fields := make(map[string]interface{})
		for _, fc := range fieldCols {
			if fc.index >= len(row) {
				continue
			}
			value := row[fc.index]
			if value == nil {
				continue
			}

			name := fc.name
			typ := fc.declared
			if !typeMatches(fc.declared, value) {
				actual := ObservedType(value)
				name = fc.name + "_" + actual
				typ = actual
				logging.Warn("type mismatch for %s.%s: expected %s, got %s, writing field %s",
					measurement, fc.name, fc.declared, actual, name)
			}

			converted, err := coerce(typ, value)
			if err != nil {
				logging.Error("skipping field %s.%s: %v", measurement, name, err)
				continue
			}
			fields[SanitizeFieldName(name)] = converted
		}
		if len(fields) == 0 {
			continue
		}

		ts, err := source.ParseTimestamp(row[timeIdx])
		if err != nil {
			logging.Error("skipping row in %s: %v", measurement, err)
			continue
		}

		pt, err := client.NewPoint(measurement, pointTags, fields, ts)
		if err != nil {
			logging.Error("skipping row in %s: %v", measurement, err)
			continue
		}
		points = append(points, pt)
	}
	return points, nil
}

// ObservedType reports the InfluxQL type of a decoded JSON value.
func ObservedType(v interface{}) string {
	switch n := v.(type) {
	case bool:
		return "boolean"
	case json.Number:
		if isIntegral(n) {
			return "integer"
		}
		return "float"
	case float64:
		return "float"
	case int, int64:
		return "integer"
	default:
		return "string"
	}
}

// typeMatches reports whether a decoded value satisfies a declared InfluxQL
// field type. Integral numbers satisfy a declared float.
func typeMatches(declared string, v interface{}) bool {
	switch declared {
	case "string":
		_, ok := v.(string)
		return ok
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "integer", "unsigned":
		if n, ok := v.(json.Number); ok {
			return isIntegral(n)
		}
		return false
	case "float":
		_, ok := v.(json.Number)
		return ok
	default:
		return false
	}
}

func isIntegral(n json.Number) bool {
	return !strings.ContainsAny(n.String(), ".eE")
}

// coerce converts a decoded JSON value to the Go type the line protocol
// encoder expects for the given InfluxQL type.
func coerce(typ string, v interface{}) (interface{}, error) {
	switch typ {
	case "boolean":
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("value %v is not a boolean", v)
		}
		return b, nil
	case "integer":
		n, ok := v.(json.Number)
		if !ok {
			return nil, fmt.Errorf("value %v is not a number", v)
		}
		return n.Int64()
	case "unsigned":
		n, ok := v.(json.Number)
		if !ok {
			return nil, fmt.Errorf("value %v is not a number", v)
		}
		return strconv.ParseUint(n.String(), 10, 64)
	case "float":
		n, ok := v.(json.Number)
		if !ok {
			return nil, fmt.Errorf("value %v is not a number", v)
		}
		return n.Float64()
	case "string":
		return stringify(v), nil
	default:
		return nil, fmt.Errorf("unknown field type %q", typ)
	}
}

func stringify(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
