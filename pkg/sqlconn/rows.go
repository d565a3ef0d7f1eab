package sqlconn

import (
	"database/sql"
	"errors"
	"fmt"
)

func runResult(res sql.Result, err error) (Result, error) {
	if err != nil {
		return Result{}, err
	}
	// Drivers that cannot report these return an error; zero is the answer then.
	id, _ := res.LastInsertId()
	n, _ := res.RowsAffected()
	return Result{LastInsertID: id, RowsAffected: n}, nil
}

// scan calls fn for every row until fn fails or the rows are exhausted.
func scan(rows *sql.Rows, fn func(cols []string, vals []any) error) error {
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return err
	}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return err
		}
		if err := fn(cols, vals); err != nil {
			return err
		}
	}
	return rows.Err()
}

func makeRow(cols []string, vals []any) Row {
	row := make(Row, len(cols))
	for i, col := range cols {
		row[col] = vals[i]
	}
	return row
}

var errStop = errors.New("stop")

func firstRow(rows *sql.Rows, err error) (Row, error) {
	if err != nil {
		return nil, err
	}
	var row Row
	err = scan(rows, func(cols []string, vals []any) error {
		row = makeRow(cols, vals)
		return errStop
	})
	if err != nil && !errors.Is(err, errStop) {
		return nil, err
	}
	return row, nil
}

func allRows(rows *sql.Rows, err error) ([]Row, error) {
	if err != nil {
		return nil, err
	}
	out := []Row{}
	err = scan(rows, func(cols []string, vals []any) error {
		out = append(out, makeRow(cols, vals))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func mapKey(v any) string {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return fmt.Sprint(v)
}

func mapRows(rows *sql.Rows, err error) (map[string]any, error) {
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	err = scan(rows, func(cols []string, vals []any) error {
		if len(cols) == 0 {
			return nil
		}
		key := mapKey(vals[0])
		if len(cols) == 2 {
			out[key] = vals[1]
		} else {
			out[key] = makeRow(cols, vals)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// eachRow hands every row to fn on the event loop, ahead of the completion.
func eachRow(c *Conn, fn func(Row)) func(*sql.Rows, error) (int, error) {
	return func(rows *sql.Rows, err error) (int, error) {
		if err != nil {
			return 0, err
		}
		n := 0
		err = scan(rows, func(cols []string, vals []any) error {
			n++
			if fn != nil {
				row := makeRow(cols, vals)
				c.deliver(func() { fn(row) })
			}
			return nil
		})
		return n, err
	}
}
