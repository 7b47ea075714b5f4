// Package csql provides database access for the tinyapi backend.
package csql

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq" // load database driver for postgres

	"github.com/relabs-tech/tinyapi/core/logger"
)

// DB encapsulates a standard sql.DB with a schema
type DB struct {
	*sql.DB
	Schema string
}

// ErrNoRows is returned by QueryFirst when the query matches no row.
var ErrNoRows = sql.ErrNoRows

// Queryer is the query contract the engine components use. It is implemented
// by DB and can be implemented in-memory for testing.
type Queryer interface {
	// QueryRows executes a query and returns all matching rows as maps
	// from column name to value.
	QueryRows(ctx context.Context, query string, args ...any) ([]map[string]any, error)
	// QueryFirst executes a query and returns the first matching row,
	// or ErrNoRows if there is none.
	QueryFirst(ctx context.Context, query string, args ...any) (map[string]any, error)
	// Execute executes a mutation and returns the number of affected rows.
	Execute(ctx context.Context, query string, args ...any) (int64, error)
}

// OpenWithSchema opens a tinyapi postgres database with a schema.
// The schema gets created if it does not exist yet.
func OpenWithSchema(dataSourceName, password, schema string) *DB {
	rlog := logger.Default()
	rlog.Infoln("connecting to postgres database:", dataSourceName)
	if len(password) > 0 {
		dataSourceName += " password=" + password
	}
	db, err := sql.Open("postgres", dataSourceName)
	if err != nil {
		panic(err)
	}
	err = db.Ping()
	if err != nil {
		panic(err)
	}
	if len(schema) == 0 {
		schema = "public"
	} else {
		rlog.Infoln("selected database schema:", schema)
		_, err = db.Exec(`CREATE schema IF NOT EXISTS ` + schema + `;`)
		if err != nil {
			panic(err)
		}
	}
	return &DB{DB: db, Schema: schema}
}

// ClearSchema clears all the data contained in the database's schema
// Technically this is done by dropping the schema and then recreating it
func (db *DB) ClearSchema() {
	if db.Schema == "public" {
		panic("refuse to drop public schema")
	}
	_, err := db.Exec(`DROP SCHEMA ` + db.Schema + ` CASCADE;
	CREATE schema IF NOT EXISTS ` + db.Schema + `;`)
	if err != nil {
		logger.Default().Errorln("clear schema error:", db.Schema, err.Error())
	}
}

// QueryRows executes a query and returns all matching rows as maps from
// column name to value. []byte values are converted to strings.
func (db *DB) QueryRows(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var result []map[string]any
	for rows.Next() {
		values := make([]any, len(columns))
		for i := range values {
			values[i] = new(any)
		}
		if err := rows.Scan(values...); err != nil {
			return nil, err
		}
		object := make(map[string]any, len(columns))
		for i, column := range columns {
			value := *(values[i].(*any))
			if b, ok := value.([]byte); ok {
				value = string(b)
			}
			object[column] = value
		}
		result = append(result, object)
	}
	return result, rows.Err()
}

// QueryFirst executes a query and returns the first matching row, or
// ErrNoRows if there is none.
func (db *DB) QueryFirst(ctx context.Context, query string, args ...any) (map[string]any, error) {
	rows, err := db.QueryRows(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNoRows
	}
	return rows[0], nil
}

// Execute executes a mutation and returns the number of affected rows.
func (db *DB) Execute(ctx context.Context, query string, args ...any) (int64, error) {
	result, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// WithTransaction runs f inside a database transaction. The transaction is
// committed if f returns nil and rolled back otherwise.
func (db *DB) WithTransaction(ctx context.Context, f func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := f(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}
	return tx.Commit()
}
