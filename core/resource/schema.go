// Package resource reflects database tables into resource schemas and
// validates request payloads against them.
//
// A resource is a type of entry in the database, such as employee, machine
// or milestone. Its schema is built per request from live table metadata:
// the api_resource_data row names the backing table and the list limits,
// and information_schema provides the columns, their types and sizes, the
// primary key, and the column comments that carry the "self" and "required"
// markers.
package resource

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/relabs-tech/tinyapi/core/csql"
)

// ErrNotFound is returned by Load when the resource is not registered.
var ErrNotFound = errors.New("resource not found")

// Type is the semantic type of a resource field.
type Type string

// all supported semantic field types
const (
	TypeBoolean Type = "boolean"
	TypeInteger Type = "integer"
	TypeDouble  Type = "double"
	TypeString  Type = "string"
)

// typeEquivalence determines whether a runtime type is equivalent to an SQL
// column type. The classic MySQL type names of the legacy schema and their
// postgres spellings are both listed; every listed type must also have an
// entry in defaultSizes.
var typeEquivalence = map[Type][]string{
	TypeBoolean: {"boolean", "bool", "tinyint", "bit"},
	TypeInteger: {"smallint", "mediumint", "int", "integer", "bigint",
		"int2", "int4", "int8", "serial", "bigserial"},
	TypeDouble: {"decimal", "numeric", "float", "double", "double precision", "real"},
	TypeString: {"char", "character", "varchar", "character varying",
		"tinytext", "text", "mediumtext", "longtext",
		"tinyblob", "blob", "mediumblob", "longblob", "bytea",
		"enum", "set", "uuid",
		"date", "datetime", "timestamp", "timestamp without time zone",
		"timestamp with time zone", "time", "time without time zone", "year"},
}

// defaultSizes contains the maximum size for SQL types that do not declare
// an explicit length or precision. Must cover every type in typeEquivalence.
var defaultSizes = map[string]int64{
	"boolean":  1,
	"bool":     1,
	"tinyint":  127,
	"bit":      1,
	"smallint": 32767,
	"int2":     32767,
	"mediumint": 8388607,
	"int":       math.MaxInt64,
	"integer":   math.MaxInt64,
	"int4":      math.MaxInt64,
	"bigint":    math.MaxInt64,
	"int8":      math.MaxInt64,
	"serial":    math.MaxInt64,
	"bigserial": math.MaxInt64,
	"decimal":          9999999999,
	"numeric":          9999999999,
	"float":            math.MaxInt64,
	"double":           math.MaxInt64,
	"double precision": math.MaxInt64,
	"real":             math.MaxInt64,
	"char":              1,
	"character":         1,
	"varchar":           1,
	"character varying": 65535,
	"tinytext":          255,
	"text":              65535,
	"mediumtext":        16777215,
	"longtext":          math.MaxInt64,
	"tinyblob":          255,
	"blob":              65535,
	"mediumblob":        16777215,
	"longblob":          math.MaxInt64,
	"bytea":             math.MaxInt64,
	"enum":              math.MaxInt64,
	"set":               math.MaxInt64,
	"uuid":              36,
	"date":      10,
	"datetime":  19,
	"timestamp": 19,
	"timestamp without time zone": 19,
	"timestamp with time zone":    25,
	"time":                        8,
	"time without time zone":      8,
	"year":                        4,
}

// TypeOf returns the semantic type for the given SQL column type, or an
// empty Type if the SQL type is unknown.
func TypeOf(sqlType string) Type {
	for semantic, family := range typeEquivalence {
		for _, t := range family {
			if t == sqlType {
				return semantic
			}
		}
	}
	return Type("")
}

// CompareTypes returns true if the given semantic type is considered
// equivalent to the given SQL column type.
func CompareTypes(semantic Type, sqlType string) bool {
	for _, t := range typeEquivalence[semantic] {
		if t == sqlType {
			return true
		}
	}
	return false
}

// Field describes one column of the resource's backing table.
type Field struct {
	Name          string
	SQLType       string // normalized column type, e.g. "varchar" or "timestamp"
	Type          Type   // semantic type derived from SQLType
	Size          int64  // maximum length for strings, maximum value for numerics
	Nullable      bool
	HasDefault    bool
	AutoGenerated bool
	Self          bool // column comment "self": the field holds a user identity
	Required      bool // column comment "required"
}

// NeedsQuotes returns true if values of this field are textual, i.e. they
// would have required quoting in hand-built SQL. The engine only ever binds
// parameters, so this decides the bind type, not string interpolation.
func (f *Field) NeedsQuotes() bool {
	switch f.Type {
	case TypeBoolean, TypeInteger, TypeDouble:
		return false
	default:
		return true
	}
}

// Schema is the reflected structure of a resource. It is built once per
// request from live table metadata and immutable thereafter.
type Schema struct {
	Resource        string // the display name, e.g. "Employee"
	Table           string // the backing table, case sensitive
	SnakeName       string // lowercase name used in requests and responses
	SnakeNamePlural string
	Identifier      string // the primary-key field
	DefaultListAmt  int64
	MaxList         int64

	Fields       []Field  // in table column order
	PostRequired []string // fields that must be present on POST
	PostOptional []string // fields that may be present on POST
	PutOptions   []string // fields that can be changed via PUT
	HasSelf      bool
	SelfFields   []string

	fieldIndex map[string]int
}

// Field returns the named field, or nil if the schema has no such field.
func (s *Schema) Field(name string) *Field {
	i, ok := s.fieldIndex[name]
	if !ok {
		return nil
	}
	return &s.Fields[i]
}

// HasField returns true if the schema has a field with the given name.
func (s *Schema) HasField(name string) bool {
	_, ok := s.fieldIndex[name]
	return ok
}

// FieldNames returns the field names in table column order.
func (s *Schema) FieldNames() []string {
	names := make([]string, len(s.Fields))
	for i := range s.Fields {
		names[i] = s.Fields[i].Name
	}
	return names
}

const metaQuery = `SELECT resource_name, table_name, snake_name, snake_name_plural, ` +
	`default_list_amount, max_list_amount FROM %s.api_resource_data WHERE snake_name = $1;`

const columnsQuery = `SELECT c.column_name, c.data_type, ` +
	`c.character_maximum_length, c.numeric_precision, ` +
	`c.is_nullable, c.column_default, c.is_identity, ` +
	`COALESCE(col_description(format('%I.%I', c.table_schema, c.table_name)::regclass, c.ordinal_position), '') AS comment ` +
	`FROM information_schema.columns c ` +
	`WHERE c.table_schema = $1 AND c.table_name = $2 ORDER BY c.ordinal_position;`

const primaryKeyQuery = `SELECT kcu.column_name FROM information_schema.table_constraints tc ` +
	`JOIN information_schema.key_column_usage kcu ` +
	`ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema ` +
	`WHERE tc.constraint_type = 'PRIMARY KEY' AND tc.table_schema = $1 AND tc.table_name = $2;`

// Load reflects the named resource from the database. It returns ErrNotFound
// if the resource is not registered in api_resource_data.
func Load(ctx context.Context, q csql.Queryer, dbSchema, name string) (*Schema, error) {
	if dbSchema == "" {
		dbSchema = "public"
	}
	meta, err := q.QueryFirst(ctx, fmt.Sprintf(metaQuery, dbSchema), name)
	if err != nil {
		if errors.Is(err, csql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	s := &Schema{
		Resource:        asString(meta["resource_name"]),
		Table:           asString(meta["table_name"]),
		SnakeName:       asString(meta["snake_name"]),
		SnakeNamePlural: asString(meta["snake_name_plural"]),
		DefaultListAmt:  asInt64(meta["default_list_amount"]),
		MaxList:         asInt64(meta["max_list_amount"]),
		fieldIndex:      map[string]int{},
	}

	columns, err := q.QueryRows(ctx, columnsQuery, dbSchema, s.Table)
	if err != nil {
		return nil, err
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("backing table %s of resource %s has no columns", s.Table, name)
	}

	primaryKeys, err := q.QueryRows(ctx, primaryKeyQuery, dbSchema, s.Table)
	if err != nil {
		return nil, err
	}
	primary := map[string]bool{}
	for _, row := range primaryKeys {
		primary[asString(row["column_name"])] = true
	}

	for _, column := range columns {
		field, err := fieldFromColumn(column)
		if err != nil {
			return nil, fmt.Errorf("resource %s: %w", name, err)
		}

		s.fieldIndex[field.Name] = len(s.Fields)
		s.Fields = append(s.Fields, field)

		if primary[field.Name] {
			s.Identifier = field.Name
			if field.AutoGenerated {
				s.PostOptional = append(s.PostOptional, field.Name)
			} else {
				s.PostRequired = append(s.PostRequired, field.Name)
			}
		} else {
			s.PutOptions = append(s.PutOptions, field.Name)
			if (field.HasDefault || field.Nullable) && !field.Required {
				s.PostOptional = append(s.PostOptional, field.Name)
			} else {
				s.PostRequired = append(s.PostRequired, field.Name)
			}
		}

		if field.Self {
			s.HasSelf = true
			s.SelfFields = append(s.SelfFields, field.Name)
		}
	}

	if s.Identifier == "" {
		return nil, fmt.Errorf("backing table %s of resource %s has no primary key", s.Table, name)
	}
	return s, nil
}

func fieldFromColumn(column map[string]any) (Field, error) {
	name := asString(column["column_name"])
	sqlType := strings.ToLower(strings.TrimSpace(asString(column["data_type"])))

	semantic := TypeOf(sqlType)
	if semantic == "" {
		return Field{}, fmt.Errorf("column %s has unsupported type %s", name, sqlType)
	}

	size, hasSize := asOptionalInt64(column["character_maximum_length"])
	if !hasSize && semantic == TypeDouble {
		// the declared precision is the size, values above it are oversize
		size, hasSize = asOptionalInt64(column["numeric_precision"])
	}
	if !hasSize || semantic == TypeInteger || sqlType == "enum" {
		// integer and enum columns always use the default maximum,
		// matching the type table above
		size = defaultSizes[sqlType]
	}

	columnDefault := asString(column["column_default"])
	comment := asString(column["comment"])

	return Field{
		Name:       name,
		SQLType:    sqlType,
		Type:       semantic,
		Size:       size,
		Nullable:   asString(column["is_nullable"]) == "YES",
		HasDefault: columnDefault != "",
		AutoGenerated: asString(column["is_identity"]) == "YES" ||
			strings.HasPrefix(columnDefault, "nextval("),
		Self:     comment == "self",
		Required: comment == "required",
	}, nil
}
