package resource

import (
	"fmt"
	"strconv"
	"strings"
)

// asString converts a row-map value to a string. nil becomes "".
func asString(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return fmt.Sprint(v)
	}
}

// asInt64 converts a row-map value to an int64. Unconvertible values become 0.
func asInt64(value any) int64 {
	n, _ := asOptionalInt64(value)
	return n
}

// asOptionalInt64 converts a row-map value to an int64. The second return
// value is false if the value is nil or not numeric.
func asOptionalInt64(value any) (int64, bool) {
	switch v := value.(type) {
	case nil:
		return 0, false
	case int64:
		return v, true
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case float64:
		return int64(v), true
	case []byte:
		n, err := strconv.ParseInt(string(v), 10, 64)
		return n, err == nil
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

// BindValue converts a request value into a bind parameter for this field.
// Booleans bind natively, numerics bind as their runtime type, and anything
// else binds as text.
func (f *Field) BindValue(value any) any {
	switch v := value.(type) {
	case bool:
		return v
	case string:
		// the legacy truthy literals, kept as a failsafe for values
		// that skipped type fixing
		if f.Type == TypeBoolean {
			return v == "true" || v == "1"
		}
		return v
	default:
		return value
	}
}

// BindFilterValue leniently converts a raw filter token into a bind
// parameter for this field. Filter tokens come straight from the query
// string and have not passed type checking.
func (f *Field) BindFilterValue(token string) any {
	switch f.Type {
	case TypeBoolean:
		return token == "true" || token == "1"
	case TypeInteger:
		n, _ := strconv.ParseInt(token, 10, 64)
		return n
	case TypeDouble:
		d, _ := strconv.ParseFloat(token, 64)
		return d
	default:
		return strings.Trim(token, `"`)
	}
}
