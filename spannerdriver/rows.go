// Copyright 2021 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package spannerdriver

import (
	"database/sql/driver"
	"io"
)

// rows adapts a ResultSet (C3/C4/C5's query output) to driver.Rows.
type rows struct {
	rs ResultSet
}

func (r *rows) Columns() []string { return r.rs.Columns() }

func (r *rows) Close() error {
	r.rs.Stop()
	return nil
}

func (r *rows) Next(dest []driver.Value) error {
	if !r.rs.Next() {
		if err := r.rs.Err(); err != nil {
			return err
		}
		return io.EOF
	}
	values, err := r.rs.Values()
	if err != nil {
		return err
	}
	for i, v := range values {
		dest[i] = driver.Value(v)
	}
	return nil
}

// staticRows adapts the single name/value pair a SHOW statement produces
// (StatementResult from C8) to driver.Rows.
type staticRows struct {
	columns []string
	row     []interface{}
	done    bool
}

func (r *staticRows) Columns() []string { return r.columns }

func (r *staticRows) Close() error { return nil }

func (r *staticRows) Next(dest []driver.Value) error {
	if r.done {
		return io.EOF
	}
	r.done = true
	for i, v := range r.row {
		dest[i] = driver.Value(v)
	}
	return nil
}

// emptyRows is returned when a client-side statement produces no rows, so
// QueryContext never has to return a nil driver.Rows.
type emptyRows struct{}

func (emptyRows) Columns() []string                  { return nil }
func (emptyRows) Close() error                        { return nil }
func (emptyRows) Next(dest []driver.Value) error      { return io.EOF }
