package source

import (
	"context"
	"fmt"
)

// TableSchema describes a source measurement: its tag keys and the declared
// type of each field. Field types are the InfluxQL names: float, integer,
// unsigned, boolean, string.
type TableSchema struct {
	Measurement string
	Tags        []string
	FieldTypes  map[string]string
}

// TableSchema fetches the tag and field schema of one measurement. v2 and
// v3 sources answer these statements on their v1 compatibility endpoint.
func (c *Client) TableSchema(ctx context.Context, db, measurement string) (*TableSchema, error) {
	schema := &TableSchema{
		Measurement: measurement,
		FieldTypes:  make(map[string]string),
	}

	from := quoteMeasurement(measurement)

	fields, err := c.Query(ctx, db, "SHOW FIELD KEYS FROM "+from)
	if err != nil {
		return nil, fmt.Errorf("failed to read field keys for %s: %w", measurement, err)
	}
	for _, s := range fields {
		keyIdx := s.ColumnIndex("fieldKey")
		typeIdx := s.ColumnIndex("fieldType")
		if keyIdx < 0 || typeIdx < 0 {
			continue
		}
		for _, row := range s.Values {
			if keyIdx >= len(row) || typeIdx >= len(row) {
				continue
			}
			key, _ := row[keyIdx].(string)
			typ, _ := row[typeIdx].(string)
			if key != "" {
				schema.FieldTypes[key] = typ
			}
		}
	}
	if len(schema.FieldTypes) == 0 {
		return nil, fmt.Errorf("measurement %s has no fields", measurement)
	}

	tags, err := c.Query(ctx, db, "SHOW TAG KEYS FROM "+from)
	if err != nil {
		return nil, fmt.Errorf("failed to read tag keys for %s: %w", measurement, err)
	}
	for _, s := range tags {
		keyIdx := s.ColumnIndex("tagKey")
		if keyIdx < 0 {
			continue
		}
		for _, row := range s.Values {
			if keyIdx >= len(row) {
				continue
			}
			if key, ok := row[keyIdx].(string); ok && key != "" {
				schema.Tags = append(schema.Tags, key)
			}
		}
	}
	return schema, nil
}
