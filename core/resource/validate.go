package resource

import (
	"regexp"
	"strconv"
)

// date-like string subtypes must match these patterns exactly
var (
	datePattern     = regexp.MustCompile(`\A\d{4}-\d{2}-\d{2}\z`)
	dateTimePattern = regexp.MustCompile(`\A\d{4}-\d{2}-\d{2}\s\d{2}:\d{2}:\d{2}\z`)
	timePattern     = regexp.MustCompile(`\A\d{2}:\d{2}:\d{2}\z`)
	yearPattern     = regexp.MustCompile(`\A\d{4}\z`)
)

// TypeError reports a request field whose runtime type does not match the
// schema's semantic type.
type TypeError struct {
	Field    string
	Given    string
	Expected Type
}

// FormatError reports a request field that is either larger than the column
// permits (Oversize) or, for date-like fields, malformed.
type FormatError struct {
	Field     string
	Oversize  bool
	GivenSize int64
}

// RuntimeType returns the semantic type name of a request value: "boolean",
// "integer", "double", "string", or a non-field type such as "array".
func RuntimeType(value any) string {
	switch value.(type) {
	case bool:
		return string(TypeBoolean)
	case int, int32, int64:
		return string(TypeInteger)
	case float32, float64:
		return string(TypeDouble)
	case string:
		return string(TypeString)
	case []any:
		return "array"
	case map[string]any:
		return "object"
	case nil:
		return "null"
	default:
		return "unknown"
	}
}

// FixTypes coerces string values to the schema's declared semantic type.
// It is called for GET requests, where all values arrive as strings from
// the query string. Values that cannot be coerced are left unchanged and
// will fail the subsequent type check.
func FixTypes(s *Schema, values map[string]any) {
	for i := range s.Fields {
		field := &s.Fields[i]
		raw, ok := values[field.Name].(string)
		if !ok {
			continue
		}
		switch field.Type {
		case TypeBoolean:
			// truthy-literal decode, the way a JSON decoder would
			if raw == "true" || raw == "false" {
				values[field.Name] = raw == "true"
			}
		case TypeInteger:
			if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
				values[field.Name] = n
			}
		case TypeDouble:
			if d, err := strconv.ParseFloat(raw, 64); err == nil {
				values[field.Name] = d
			}
		}
	}
}

// CheckTypes compares the runtime type of every present request field
// against the schema's semantic type via the type-equivalence table. It
// returns nil if all present fields are well-typed, or a TypeError for the
// first mismatch in schema field order.
func CheckTypes(s *Schema, values map[string]any) *TypeError {
	for i := range s.Fields {
		field := &s.Fields[i]
		value, ok := values[field.Name]
		if !ok {
			continue
		}
		given := RuntimeType(value)
		if !CompareTypes(Type(given), field.SQLType) {
			return &TypeError{Field: field.Name, Given: given, Expected: field.Type}
		}
	}
	return nil
}

// CheckFormats validates the size and format of every present request
// field: string lengths and numeric values must not exceed the column size,
// and date-like fields must match their exact pattern. It returns nil if
// all present fields are well-formed, or a FormatError for the first
// violation in schema field order.
func CheckFormats(s *Schema, values map[string]any) *FormatError {
	for i := range s.Fields {
		field := &s.Fields[i]
		value, ok := values[field.Name]
		if !ok {
			continue
		}
		switch v := value.(type) {
		case string:
			if int64(len(v)) > field.Size {
				return &FormatError{Field: field.Name, Oversize: true, GivenSize: int64(len(v))}
			}
			if pattern := dateLikePattern(field.SQLType); pattern != nil && !pattern.MatchString(v) {
				return &FormatError{Field: field.Name}
			}
		case int64:
			if v > field.Size {
				return &FormatError{Field: field.Name, Oversize: true, GivenSize: v}
			}
		case int:
			if int64(v) > field.Size {
				return &FormatError{Field: field.Name, Oversize: true, GivenSize: int64(v)}
			}
		case float64:
			if v > float64(field.Size) {
				return &FormatError{Field: field.Name, Oversize: true, GivenSize: int64(v)}
			}
		}
	}
	return nil
}

func dateLikePattern(sqlType string) *regexp.Regexp {
	switch sqlType {
	case "date":
		return datePattern
	case "datetime", "timestamp", "timestamp without time zone", "timestamp with time zone":
		return dateTimePattern
	case "time", "time without time zone":
		return timePattern
	case "year":
		return yearPattern
	default:
		return nil
	}
}
