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

import "errors"

// result is the driver.Result returned for UPDATE/DDL statements. Spanner
// has no auto-increment concept, so LastInsertId is always an error, the
// same stance the teacher's driver takes.
type result struct {
	rowsAffected int64
}

func (r *result) LastInsertId() (int64, error) {
	return 0, errors.New("spanner: LastInsertId is not supported")
}

func (r *result) RowsAffected() (int64, error) {
	return r.rowsAffected, nil
}
