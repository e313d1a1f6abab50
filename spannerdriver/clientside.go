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
	"strconv"
	"strings"
	"time"
)

// StatementResultKind distinguishes the shapes a fully-executed statement
// can return, spec.md §4.1 and §4.8.
type StatementResultKind int

const (
	StatementResultNone StatementResultKind = iota
	// StatementResultRows is a single SHOW-style name/value pair.
	StatementResultRows
	// StatementResultQuery carries a streaming ResultSet from a QUERY statement.
	StatementResultQuery
	// StatementResultUpdateCount carries the affected-row count of an UPDATE statement.
	StatementResultUpdateCount
	// StatementResultBatchCounts carries the per-statement counts of a completed batch.
	StatementResultBatchCounts
)

// StatementResult is what ConnectionController.Execute returns for any
// statement kind, unifying the client-side, query, update and batch shapes
// behind one type so database/sql glue has a single result to adapt.
type StatementResult struct {
	Kind StatementResultKind
	// Columns/Row are populated for SHOW statements; len(Columns)==len(Row).
	Columns []string
	Row     []interface{}

	ResultSet    ResultSet
	RowsAffected int64
	BatchCounts  []int64
}

func noResult() StatementResult { return StatementResult{Kind: StatementResultNone} }

func rowResult(column string, value interface{}) StatementResult {
	return StatementResult{Kind: StatementResultRows, Columns: []string{column}, Row: []interface{}{value}}
}

// clientSideTarget is the narrow capability surface ClientStatementExecutor
// drives; ConnectionController implements it. Keeping it narrow means C8
// never needs to know about units of work, only about the mode
// setter/getter/control operations named in spec.md §4.1.
type clientSideTarget interface {
	setAutocommit(bool) error
	isAutocommit() bool
	setReadOnly(bool) error
	isReadOnly() bool
	setAutocommitDMLMode(AutocommitDMLMode) error
	getAutocommitDMLMode() AutocommitDMLMode
	setReadOnlyStaleness(Staleness) error
	getReadOnlyStaleness() Staleness
	setStatementTimeout(time.Duration) error
	clearStatementTimeout() error
	getStatementTimeout() time.Duration
	setRetryAbortsInternally(bool) error
	getRetryAbortsInternally() bool
	setOptimizerVersion(string) error
	getOptimizerVersion() string

	// beginTransaction takes the raw BEGIN qualifier: "", "READ ONLY" or
	// "READ WRITE". An empty qualifier means "use the connection's current
	// readOnly mode", spec.md §4.8.
	beginTransaction(qualifier string) error
	commit() error
	rollback() error

	startBatchDdl() error
	startBatchDml() error
	runBatch() error
	abortBatch() error
}

// ClientStatementExecutor is C8: it maps parsed control directives onto
// calls on the ConnectionController, spec.md §4.8.
type ClientStatementExecutor struct {
	target clientSideTarget
}

func NewClientStatementExecutor(target clientSideTarget) *ClientStatementExecutor {
	return &ClientStatementExecutor{target: target}
}

func (e *ClientStatementExecutor) Execute(d *ClientSideDirective) (StatementResult, error) {
	switch d.Name {
	case DirectiveSetAutocommit:
		return noResult(), e.target.setAutocommit(*d.Bool)
	case DirectiveShowAutocommit:
		return rowResult("AUTOCOMMIT", e.target.isAutocommit()), nil
	case DirectiveSetReadOnly:
		return noResult(), e.target.setReadOnly(*d.Bool)
	case DirectiveShowReadOnly:
		return rowResult("READONLY", e.target.isReadOnly()), nil
	case DirectiveSetAutocommitDMLMode:
		mode, err := parseAutocommitDMLMode(d.Text)
		if err != nil {
			return noResult(), err
		}
		return noResult(), e.target.setAutocommitDMLMode(mode)
	case DirectiveShowAutocommitDMLMode:
		return rowResult("AUTOCOMMIT_DML_MODE", e.target.getAutocommitDMLMode().String()), nil
	case DirectiveSetReadOnlyStaleness:
		staleness, err := parseStaleness(d.Text)
		if err != nil {
			return noResult(), err
		}
		return noResult(), e.target.setReadOnlyStaleness(staleness)
	case DirectiveShowReadOnlyStaleness:
		return rowResult("READ_ONLY_STALENESS", e.target.getReadOnlyStaleness()), nil
	case DirectiveSetStatementTimeout:
		d2, err := parseStatementTimeout(d.Text)
		if err != nil {
			return noResult(), err
		}
		if d2 == 0 {
			return noResult(), e.target.clearStatementTimeout()
		}
		return noResult(), e.target.setStatementTimeout(d2)
	case DirectiveShowStatementTimeout:
		return rowResult("STATEMENT_TIMEOUT", e.target.getStatementTimeout().String()), nil
	case DirectiveSetRetryAbortsInternally:
		return noResult(), e.target.setRetryAbortsInternally(*d.Bool)
	case DirectiveShowRetryAbortsInternally:
		return rowResult("RETRY_ABORTS_INTERNALLY", e.target.getRetryAbortsInternally()), nil
	case DirectiveSetOptimizerVersion:
		return noResult(), e.target.setOptimizerVersion(d.Text)
	case DirectiveShowOptimizerVersion:
		return rowResult("OPTIMIZER_VERSION", e.target.getOptimizerVersion()), nil
	case DirectiveBegin:
		return noResult(), e.target.beginTransaction(d.Text)
	case DirectiveCommit:
		return noResult(), e.target.commit()
	case DirectiveRollback:
		return noResult(), e.target.rollback()
	case DirectiveStartBatchDDL:
		return noResult(), e.target.startBatchDdl()
	case DirectiveStartBatchDML:
		return noResult(), e.target.startBatchDml()
	case DirectiveRunBatch:
		return noResult(), e.target.runBatch()
	case DirectiveAbortBatch:
		return noResult(), e.target.abortBatch()
	default:
		return noResult(), errInvalidArgumentf("unrecognized client-side statement")
	}
}

func parseAutocommitDMLMode(text string) (AutocommitDMLMode, error) {
	switch strings.ToUpper(strings.TrimSpace(text)) {
	case "TRANSACTIONAL":
		return Transactional, nil
	case "TRANSACTIONAL_WITH_RETRY":
		return TransactionalWithRetry, nil
	case "PARTITIONED_NON_ATOMIC":
		return PartitionedNonAtomic, nil
	default:
		return Transactional, errInvalidArgumentf("unknown autocommit DML mode: %s", text)
	}
}

// parseStaleness accepts the forms "STRONG", "EXACT_STALENESS <dur>",
// "READ_TIMESTAMP <RFC3339>", "MAX_STALENESS <dur>",
// "MIN_READ_TIMESTAMP <RFC3339>".
func parseStaleness(text string) (Staleness, error) {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 {
		return Staleness{}, errInvalidArgumentf("empty staleness value")
	}
	mode := strings.ToUpper(fields[0])
	switch mode {
	case "STRONG":
		return StrongStaleness(), nil
	case "EXACT_STALENESS":
		d, err := parseDurationWithUnit(fields[1])
		if err != nil {
			return Staleness{}, err
		}
		return Staleness{Mode: StalenessExact, Duration: d}, nil
	case "MAX_STALENESS":
		d, err := parseDurationWithUnit(fields[1])
		if err != nil {
			return Staleness{}, err
		}
		return Staleness{Mode: StalenessMax, Duration: d}, nil
	case "READ_TIMESTAMP":
		t, err := time.Parse(time.RFC3339Nano, fields[1])
		if err != nil {
			return Staleness{}, errInvalidArgumentf("invalid timestamp: %v", err)
		}
		return Staleness{Mode: StalenessReadTimestamp, Timestamp: t}, nil
	case "MIN_READ_TIMESTAMP":
		t, err := time.Parse(time.RFC3339Nano, fields[1])
		if err != nil {
			return Staleness{}, errInvalidArgumentf("invalid timestamp: %v", err)
		}
		return Staleness{Mode: StalenessMinReadTimestamp, Timestamp: t}, nil
	default:
		return Staleness{}, errInvalidArgumentf("unknown staleness mode: %s", mode)
	}
}

// parseStatementTimeout accepts a numeric value followed by one of the
// units in spec.md §3: ns, us, ms, s. A zero duration clears the timeout.
func parseStatementTimeout(text string) (time.Duration, error) {
	text = strings.TrimSpace(text)
	if text == "" || strings.EqualFold(text, "none") {
		return 0, nil
	}
	return parseDurationWithUnit(text)
}

func parseDurationWithUnit(text string) (time.Duration, error) {
	units := []struct {
		suffix string
		unit   time.Duration
	}{
		{"ns", time.Nanosecond},
		{"us", time.Microsecond},
		{"ms", time.Millisecond},
		{"s", time.Second},
	}
	for _, u := range units {
		if strings.HasSuffix(text, u.suffix) {
			numeric := strings.TrimSuffix(text, u.suffix)
			n, err := strconv.ParseFloat(numeric, 64)
			if err != nil {
				return 0, errInvalidArgumentf("invalid duration: %s", text)
			}
			return time.Duration(n * float64(u.unit)), nil
		}
	}
	return 0, errInvalidArgumentf("duration %q is missing a unit (ns|us|ms|s)", text)
}
