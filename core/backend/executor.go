package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/relabs-tech/tinyapi/core/csql"
	"github.com/relabs-tech/tinyapi/core/filter"
	"github.com/relabs-tech/tinyapi/core/resource"
)

// ErrConflict is returned by Create when a row with the same defining
// values already exists.
var ErrConflict = errors.New("resource already exists")

// Executor performs the CRUD operations against the table behind a
// resource schema. All values are passed as bound parameters; field and
// table names are only ever taken from the reflected schema.
type Executor struct {
	DB *csql.DB
}

func (e *Executor) tableName(s *resource.Schema) string {
	return e.DB.Schema + `."` + s.Table + `"`
}

// Read returns the row with the given identifier value, or
// resource.ErrNotFound.
func (e *Executor) Read(ctx context.Context, s *resource.Schema, id any) (map[string]any, error) {
	field := s.Field(s.Identifier)
	row, err := e.DB.QueryFirst(ctx,
		"SELECT * FROM "+e.tableName(s)+" WHERE "+s.Identifier+" = $1;",
		field.BindValue(id))
	if err == csql.ErrNoRows {
		return nil, resource.ErrNotFound
	}
	return row, err
}

// List returns one page of rows. The sort field must be a schema field,
// the direction ASC or DESC; the offset is page times limit. No matching
// rows is an empty result, not an error.
func (e *Executor) List(ctx context.Context, s *resource.Schema, limit, page int64, sortField, sortDirection string, fragment *filter.Fragment) ([]map[string]any, error) {
	if !s.HasField(sortField) {
		return nil, fmt.Errorf("unknown sort field %q", sortField)
	}
	if sortDirection != "ASC" && sortDirection != "DESC" {
		return nil, fmt.Errorf("invalid sort direction %q", sortDirection)
	}
	query := "SELECT * FROM " + e.tableName(s)
	var args []any
	if fragment != nil && fragment.SQL != "" {
		query += " WHERE " + fragment.SQL
		args = append(args, fragment.Args...)
	}
	query += fmt.Sprintf(" ORDER BY %s %s LIMIT $%d OFFSET $%d;",
		sortField, sortDirection, len(args)+1, len(args)+2)
	args = append(args, limit, page*limit)

	rows, err := e.DB.QueryRows(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []map[string]any{}
	}
	return rows, nil
}

// Create inserts a new row from the given field values and returns the
// identifier value of the created row. The full set of POST-required
// fields acts as a natural key: if a row with those values already
// exists, Create fails with ErrConflict and inserts nothing.
func (e *Executor) Create(ctx context.Context, s *resource.Schema, values map[string]any) (any, error) {
	conflictQuery := "SELECT * FROM " + e.tableName(s) + " WHERE"
	var conflictArgs []any
	for i, name := range s.PostRequired {
		if i > 0 {
			conflictQuery += " AND"
		}
		conflictQuery += fmt.Sprintf(" %s = $%d", name, i+1)
		conflictArgs = append(conflictArgs, s.Field(name).BindValue(values[name]))
	}
	if len(conflictArgs) > 0 {
		_, err := e.DB.QueryFirst(ctx, conflictQuery+";", conflictArgs...)
		if err == nil {
			return nil, ErrConflict
		}
		if err != csql.ErrNoRows {
			return nil, err
		}
	}

	var columns []string
	var args []any
	insert := func(name string) {
		columns = append(columns, name)
		args = append(args, s.Field(name).BindValue(values[name]))
	}
	for _, name := range s.PostRequired {
		insert(name)
	}
	for _, name := range s.PostOptional {
		if _, ok := values[name]; ok {
			insert(name)
		}
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("no values to insert")
	}

	query := "INSERT INTO " + e.tableName(s) + " ("
	for i, column := range columns {
		if i > 0 {
			query += ", "
		}
		query += column
	}
	query += ") VALUES(" + parameterString(len(columns)) + ") RETURNING " + s.Identifier + ";"

	var id any
	if err := e.DB.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return nil, err
	}
	if raw, ok := id.([]byte); ok {
		id = string(raw)
	}
	return id, nil
}

// EditField updates a single field of the row with the given identifier
// value. PUT requests apply this per provided field; there is no
// cross-field rollback.
func (e *Executor) EditField(ctx context.Context, s *resource.Schema, id any, name string, value any) error {
	field := s.Field(name)
	if field == nil {
		return fmt.Errorf("unknown field %q", name)
	}
	_, err := e.DB.Execute(ctx,
		"UPDATE "+e.tableName(s)+" SET "+name+" = $1 WHERE "+s.Identifier+" = $2;",
		field.BindValue(value), s.Field(s.Identifier).BindValue(id))
	return err
}

// Delete removes the row with the given identifier value and returns
// the number of rows deleted.
func (e *Executor) Delete(ctx context.Context, s *resource.Schema, id any) (int64, error) {
	return e.DB.Execute(ctx,
		"DELETE FROM "+e.tableName(s)+" WHERE "+s.Identifier+" = $1;",
		s.Field(s.Identifier).BindValue(id))
}
