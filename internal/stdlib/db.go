package stdlib

import (
	"database/sql"
	"fmt"

	_ "github.com/denisenkom/go-mssqldb" // driver "sqlserver"
	_ "github.com/go-sql-driver/mysql"   // driver "mysql"
	_ "github.com/lib/pq"                // driver "postgres"
	_ "github.com/mattn/go-sqlite3"      // driver "sqlite3"
	_ "modernc.org/sqlite"               // driver "sqlite", pure Go

	"vela/internal/value"
	"vela/internal/vm"
)

const dbHandleName = "db.Handle"

// newDBModule implements SPEC_FULL.md §B's `db` native module:
// db.open(driver, dsn) -> handle, db.query/db.exec/db.close, grounded in
// the teacher's internal/stdlib/database_funcs.go (handle-as-opaque-
// object, blocking-call-returns-table shape) but driving real
// database/sql drivers instead of the teacher's single hardcoded
// backend.
func newDBModule(v *vm.VM) (*value.Table, error) {
	return newModule(map[string]value.NativeFn{
		"open":  dbOpen(v),
		"query": dbQuery(v),
		"exec":  dbExec(v),
		"close": dbClose(v),
	}), nil
}

func dbOpen(v *vm.VM) value.NativeFn {
	return func(args []value.Value) (value.Value, error) {
		driver, err := argString(args, 0, "db.open")
		if err != nil {
			return nil, err
		}
		dsn, err := argString(args, 1, "db.open")
		if err != nil {
			return nil, err
		}
		res, err := v.Blocking(func() (value.Value, error) {
			conn, oerr := sql.Open(driver, dsn)
			if oerr != nil {
				return nil, oerr
			}
			if perr := conn.Ping(); perr != nil {
				conn.Close()
				return nil, perr
			}
			return wrapDB(conn), nil
		})
		if err != nil {
			return nil, err
		}
		return res, nil
	}
}

func wrapDB(conn *sql.DB) *value.Userdata {
	u := &value.Userdata{Name: dbHandleName, Data: conn}
	u.Finalizer = func(u *value.Userdata) {
		if c, ok := u.Data.(*sql.DB); ok {
			c.Close()
		}
	}
	return u
}

func dbQuery(v *vm.VM) value.NativeFn {
	return func(args []value.Value) (value.Value, error) {
		u, err := argUserdata(args, 0, dbHandleName, "db.query")
		if err != nil {
			return nil, err
		}
		query, err := argString(args, 1, "db.query")
		if err != nil {
			return nil, err
		}
		params := toSQLArgs(args[minInt(2, len(args)):])

		res, err := v.Blocking(func() (value.Value, error) {
			conn := u.Data.(*sql.DB)
			rows, qerr := conn.Query(query, params...)
			if qerr != nil {
				return nil, qerr
			}
			defer rows.Close()
			return rowsToTable(rows)
		})
		if err != nil {
			return nil, err
		}
		return res, nil
	}
}

func dbExec(v *vm.VM) value.NativeFn {
	return func(args []value.Value) (value.Value, error) {
		u, err := argUserdata(args, 0, dbHandleName, "db.exec")
		if err != nil {
			return nil, err
		}
		query, err := argString(args, 1, "db.exec")
		if err != nil {
			return nil, err
		}
		params := toSQLArgs(args[minInt(2, len(args)):])

		res, err := v.Blocking(func() (value.Value, error) {
			conn := u.Data.(*sql.DB)
			result, eerr := conn.Exec(query, params...)
			if eerr != nil {
				return nil, eerr
			}
			t := value.NewTable()
			if n, rerr := result.RowsAffected(); rerr == nil {
				t.Set(value.NewString("rows_affected"), float64(n))
			}
			if id, rerr := result.LastInsertId(); rerr == nil {
				t.Set(value.NewString("last_insert_id"), float64(id))
			}
			return t, nil
		})
		if err != nil {
			return nil, err
		}
		return res, nil
	}
}

func dbClose(v *vm.VM) value.NativeFn {
	return func(args []value.Value) (value.Value, error) {
		u, err := argUserdata(args, 0, dbHandleName, "db.close")
		if err != nil {
			return nil, err
		}
		_, err = v.Blocking(func() (value.Value, error) {
			conn := u.Data.(*sql.DB)
			u.Closed = true
			return nil, conn.Close()
		})
		return nil, err
	}
}

func toSQLArgs(vs []value.Value) []interface{} {
	out := make([]interface{}, len(vs))
	for i, a := range vs {
		out[i] = velaToGo(a)
	}
	return out
}

func velaToGo(v value.Value) interface{} {
	switch t := v.(type) {
	case nil:
		return nil
	case float64, bool:
		return t
	case *value.String:
		return t.Chars
	default:
		return value.PlainString(v)
	}
}

// rowsToTable reads every row of rows into a Vela array-of-tables, one
// entry per row, each keyed by column name (spec §4.5 table-as-record
// idiom used throughout the VM's own metatable protocol).
func rowsToTable(rows *sql.Rows) (*value.Table, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	out := value.NewTable()
	for rows.Next() {
		scanTargets := make([]interface{}, len(cols))
		scanVals := make([]interface{}, len(cols))
		for i := range scanTargets {
			scanTargets[i] = &scanVals[i]
		}
		if serr := rows.Scan(scanTargets...); serr != nil {
			return nil, serr
		}
		row := value.NewTable()
		for i, col := range cols {
			row.Set(value.NewString(col), goToVela(scanVals[i]))
		}
		out.Append(row)
	}
	return out, rows.Err()
}

func goToVela(v interface{}) value.Value {
	switch t := v.(type) {
	case nil:
		return nil
	case int64:
		return float64(t)
	case float64:
		return t
	case bool:
		return t
	case []byte:
		return value.NewString(string(t))
	case string:
		return value.NewString(t)
	default:
		return value.NewString(fmt.Sprintf("%v", t))
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
