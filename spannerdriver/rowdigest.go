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
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// statementOutcome is the recorded result of one statement in a
// ReadWriteTransaction's history, spec.md §4.5. A read records a digest; an
// update records the exact row count.
type statementOutcome struct {
	isQuery      bool
	rowsAffected int64
	digest       uint64
	errCode      int32 // 0 means no error
}

// digestResultSet computes an order-sensitive hash over the logical values
// of every row in rs, so that equal result sets compare equal regardless of
// transport encoding, spec.md §4.5. It consumes rs.
func digestResultSet(rs ResultSet) (uint64, int64, error) {
	h := xxhash.New()
	var rowCount int64
	for rs.Next() {
		values, err := rs.Values()
		if err != nil {
			return 0, 0, err
		}
		for _, v := range values {
			fmt.Fprintf(h, "%T:%v|", v, v)
		}
		h.Write([]byte("\x00row\x00"))
		rowCount++
	}
	if err := rs.Err(); err != nil {
		return 0, 0, err
	}
	return h.Sum64(), rowCount, nil
}

// outcomesEqual implements the replay comparison from spec.md §4.5: equal
// row count/digest means the replay may continue; anything else is a
// divergent replay.
func outcomesEqual(a, b statementOutcome) bool {
	if a.isQuery != b.isQuery {
		return false
	}
	if a.isQuery {
		return a.digest == b.digest
	}
	return a.rowsAffected == b.rowsAffected
}
