package resource

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/tinyapi/core/csql"
)

// fakeQueryer serves canned metadata the way the database would.
type fakeQueryer struct {
	meta    map[string]any
	columns []map[string]any
	pks     []map[string]any
}

func (f *fakeQueryer) QueryFirst(ctx context.Context, query string, args ...any) (map[string]any, error) {
	if strings.Contains(query, "api_resource_data") {
		if f.meta == nil {
			return nil, csql.ErrNoRows
		}
		return f.meta, nil
	}
	return nil, csql.ErrNoRows
}

func (f *fakeQueryer) QueryRows(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	if strings.Contains(query, "information_schema.columns") {
		return f.columns, nil
	}
	if strings.Contains(query, "PRIMARY KEY") {
		return f.pks, nil
	}
	return nil, nil
}

func (f *fakeQueryer) Execute(ctx context.Context, query string, args ...any) (int64, error) {
	return 0, nil
}

func column(name, dataType string, overrides map[string]any) map[string]any {
	c := map[string]any{
		"column_name":              name,
		"data_type":                dataType,
		"character_maximum_length": nil,
		"numeric_precision":        nil,
		"is_nullable":              "NO",
		"column_default":           nil,
		"is_identity":              "NO",
		"comment":                  "",
	}
	for k, v := range overrides {
		c[k] = v
	}
	return c
}

func employeeQueryer() *fakeQueryer {
	return &fakeQueryer{
		meta: map[string]any{
			"resource_name":       "Employee",
			"table_name":          "Employees",
			"snake_name":          "employee",
			"snake_name_plural":   "employees",
			"default_list_amount": int64(20),
			"max_list_amount":     int64(100),
		},
		columns: []map[string]any{
			column("employee_id", "integer", map[string]any{"is_identity": "YES"}),
			column("name", "character varying", map[string]any{"character_maximum_length": int64(64)}),
			column("age", "integer", map[string]any{"is_nullable": "YES"}),
			column("salary", "numeric", map[string]any{"numeric_precision": int64(10), "is_nullable": "YES"}),
			column("hired", "date", map[string]any{"is_nullable": "YES"}),
			column("active", "boolean", map[string]any{"column_default": "true"}),
			column("user_id", "character varying", map[string]any{"character_maximum_length": int64(32), "comment": "self"}),
		},
		pks: []map[string]any{{"column_name": "employee_id"}},
	}
}

func TestLoadEmployee(t *testing.T) {
	s, err := Load(context.Background(), employeeQueryer(), "tinyapi", "employee")
	require.NoError(t, err)

	assert.Equal(t, "Employee", s.Resource)
	assert.Equal(t, "Employees", s.Table)
	assert.Equal(t, "employee", s.SnakeName)
	assert.Equal(t, "employees", s.SnakeNamePlural)
	assert.Equal(t, int64(20), s.DefaultListAmt)
	assert.Equal(t, int64(100), s.MaxList)
	assert.Equal(t, "employee_id", s.Identifier)

	// the identifier auto-generates, so it is POST-optional
	assert.Contains(t, s.PostOptional, "employee_id")
	assert.NotContains(t, s.PostRequired, "employee_id")

	// not nullable, no default, not the identifier
	assert.Contains(t, s.PostRequired, "name")
	assert.Contains(t, s.PostRequired, "user_id")

	// nullable or defaulted columns are POST-optional
	assert.Contains(t, s.PostOptional, "age")
	assert.Contains(t, s.PostOptional, "active")

	// everything but the identifier can be changed via PUT
	assert.NotContains(t, s.PutOptions, "employee_id")
	assert.Contains(t, s.PutOptions, "name")
	assert.Contains(t, s.PutOptions, "salary")

	assert.True(t, s.HasSelf)
	assert.Equal(t, []string{"user_id"}, s.SelfFields)
}

func TestLoadFieldTypesAndSizes(t *testing.T) {
	s, err := Load(context.Background(), employeeQueryer(), "tinyapi", "employee")
	require.NoError(t, err)

	name := s.Field("name")
	require.NotNil(t, name)
	assert.Equal(t, TypeString, name.Type)
	assert.Equal(t, int64(64), name.Size)
	assert.True(t, name.NeedsQuotes())

	age := s.Field("age")
	require.NotNil(t, age)
	assert.Equal(t, TypeInteger, age.Type)
	assert.False(t, age.NeedsQuotes())

	salary := s.Field("salary")
	require.NotNil(t, salary)
	assert.Equal(t, TypeDouble, salary.Type)
	// the declared precision is the size, not a digit budget
	assert.Equal(t, int64(10), salary.Size)

	hired := s.Field("hired")
	require.NotNil(t, hired)
	assert.Equal(t, TypeString, hired.Type)
	assert.Equal(t, int64(10), hired.Size)

	assert.Nil(t, s.Field("no_such_field"))
	assert.False(t, s.HasField("no_such_field"))
}

func TestLoadNotFound(t *testing.T) {
	_, err := Load(context.Background(), &fakeQueryer{}, "tinyapi", "nothing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLoadRequiredComment(t *testing.T) {
	q := employeeQueryer()
	// a nullable column explicitly commented "required" stays POST-required
	q.columns = append(q.columns,
		column("badge", "text", map[string]any{"is_nullable": "YES", "comment": "required"}))
	s, err := Load(context.Background(), q, "tinyapi", "employee")
	require.NoError(t, err)
	assert.Contains(t, s.PostRequired, "badge")
}

// Every type the equivalence table knows must have a default size, a
// missing entry would produce a zero size and reject every value.
func TestTypeTablesAreConsistent(t *testing.T) {
	for semantic, family := range typeEquivalence {
		for _, sqlType := range family {
			_, ok := defaultSizes[sqlType]
			assert.True(t, ok, "type %s of %s has no default size", sqlType, semantic)
		}
	}
}

func TestTypeOf(t *testing.T) {
	assert.Equal(t, TypeBoolean, TypeOf("boolean"))
	assert.Equal(t, TypeBoolean, TypeOf("tinyint"))
	assert.Equal(t, TypeInteger, TypeOf("bigint"))
	assert.Equal(t, TypeDouble, TypeOf("double precision"))
	assert.Equal(t, TypeString, TypeOf("text"))
	assert.Equal(t, TypeString, TypeOf("timestamp without time zone"))
	assert.Equal(t, Type(""), TypeOf("geometry"))
}
