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
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/spanner"
	retry "github.com/avast/retry-go"
	"github.com/cespare/xxhash/v2"
)

// divergentReplayError marks a replay whose result diverged from the
// recorded history, spec.md §4.5 step 2: "non-retryable concurrent
// modification detected". It is kept distinct from the Aborted status code
// so the retry loop below can tell a genuine server Aborted (keep retrying)
// apart from a divergent replay (stop immediately), even though both
// ultimately surface to the caller as codes.Aborted.
type divergentReplayError struct{ cause error }

func (e *divergentReplayError) Error() string { return e.cause.Error() }

// historyEntry is one replayable step of a ReadWriteTransaction, spec.md §4.5.
type historyEntry struct {
	query    bool
	stmt     spanner.Statement
	batch    []spanner.Statement
	outcome  statementOutcome
	outcomes []statementOutcome
}

// ReadWriteTransaction is C5: a multi-statement mutating transaction that
// replays itself internally on a server-returned Aborted when
// retryAbortsInternally is set, spec.md §4.5.
type ReadWriteTransaction struct {
	baseUow

	db          DatabaseClient
	executor    *StatementExecutor
	timeout     time.Duration
	retryAborts bool
	listeners   []TransactionRetryListener
	maxAttempts uint

	tx                  TxHandle
	history             []historyEntry
	bufferedMutations   []*spanner.Mutation
	commitTimestamp     time.Time
	hasCommitTS         bool
}

func NewReadWriteTransaction(db DatabaseClient, executor *StatementExecutor, timeout time.Duration, retryAborts bool, listeners []TransactionRetryListener) *ReadWriteTransaction {
	return &ReadWriteTransaction{
		db: db, executor: executor, timeout: timeout,
		retryAborts: retryAborts, listeners: listeners, maxAttempts: 32,
	}
}

func (w *ReadWriteTransaction) Type() UnitOfWorkType { return UowTypeReadWriteTx }

func (w *ReadWriteTransaction) ensureOpen(ctx context.Context) error {
	if w.tx != nil {
		return nil
	}
	tx, err := w.db.BeginTransaction(ctx, false, Staleness{})
	if err != nil {
		return err
	}
	w.tx = tx
	w.transitionTo(UowStarted)
	return nil
}

func (w *ReadWriteTransaction) ExecuteQueryAsync(_ context.Context, _ ParsedStatement, stmt spanner.Statement, analyzeMode AnalyzeMode, opts QueryOptions) <-chan AsyncResult {
	if !w.IsActive() {
		return immediate(AsyncResult{Err: errFailedPreconditionf("transaction is no longer active")})
	}
	opts.AnalyzeMode = analyzeMode
	return w.executor.Submit("ExecuteQuery", w.timeout, func(ctx context.Context) AsyncResult {
		rs, err := w.runQueryWithRetry(ctx, stmt, opts)
		if err != nil {
			return AsyncResult{Err: err}
		}
		return AsyncResult{ResultSet: w.recordQuery(stmt, rs)}
	})
}

func (w *ReadWriteTransaction) runQueryWithRetry(ctx context.Context, stmt spanner.Statement, opts QueryOptions) (ResultSet, error) {
	if err := w.ensureOpen(ctx); err != nil {
		return nil, err
	}
	rs, err := w.db.ExecuteQuery(ctx, w.tx, stmt, opts)
	if err != nil && isAborted(err) {
		if !w.retryAborts {
			w.transitionTo(UowAborted)
			return nil, err
		}
		if rerr := w.retryTransaction(ctx); rerr != nil {
			return nil, rerr
		}
		rs, err = w.db.ExecuteQuery(ctx, w.tx, stmt, opts)
	}
	return rs, err
}

// recordQuery wraps rs so that the caller reads the real rows while this
// transaction accumulates the order-sensitive digest spec.md §4.5 needs for
// replay comparison. The history entry is appended once the caller has
// exhausted the result set.
func (w *ReadWriteTransaction) recordQuery(stmt spanner.Statement, rs ResultSet) ResultSet {
	return &recordingResultSet{
		inner: rs,
		hash:  xxhash.New(),
		onDone: func(digest uint64, rows int64) {
			w.history = append(w.history, historyEntry{
				query:   true,
				stmt:    stmt,
				outcome: statementOutcome{isQuery: true, digest: digest, rowsAffected: rows},
			})
		},
	}
}

// recordingResultSet passes rows through to the caller unchanged while
// folding each row's logical values into an xxhash digest, so a single
// pass over the data both answers the application's query and produces the
// replay-comparison digest from spec.md §4.5.
type recordingResultSet struct {
	inner  ResultSet
	hash   *xxhash.Digest
	rows   int64
	done   bool
	onDone func(digest uint64, rows int64)
}

func (r *recordingResultSet) Next() bool {
	ok := r.inner.Next()
	if !ok {
		r.finish()
	}
	return ok
}

func (r *recordingResultSet) Values() ([]interface{}, error) {
	values, err := r.inner.Values()
	if err != nil {
		return nil, err
	}
	for _, v := range values {
		fmt.Fprintf(r.hash, "%T:%v|", v, v)
	}
	r.hash.Write([]byte("\x00row\x00"))
	r.rows++
	return values, nil
}

func (r *recordingResultSet) Columns() []string { return r.inner.Columns() }

func (r *recordingResultSet) Err() error { return r.inner.Err() }

func (r *recordingResultSet) Stop() {
	r.finish()
	r.inner.Stop()
}

func (r *recordingResultSet) ReadTimestamp() time.Time { return r.inner.ReadTimestamp() }

func (r *recordingResultSet) finish() {
	if r.done {
		return
	}
	r.done = true
	r.onDone(r.hash.Sum64(), r.rows)
}

func (w *ReadWriteTransaction) ExecuteUpdateAsync(_ context.Context, stmt spanner.Statement) <-chan AsyncResult {
	if !w.IsActive() {
		return immediate(AsyncResult{Err: errFailedPreconditionf("transaction is no longer active")})
	}
	return w.executor.Submit("ExecuteUpdate", w.timeout, func(ctx context.Context) AsyncResult {
		n, err := w.runUpdateWithRetry(ctx, stmt)
		if err != nil {
			return AsyncResult{Err: err}
		}
		w.history = append(w.history, historyEntry{stmt: stmt, outcome: statementOutcome{rowsAffected: n}})
		return AsyncResult{RowsAffected: n}
	})
}

func (w *ReadWriteTransaction) runUpdateWithRetry(ctx context.Context, stmt spanner.Statement) (int64, error) {
	if err := w.ensureOpen(ctx); err != nil {
		return 0, err
	}
	n, err := w.db.ExecuteUpdate(ctx, w.tx, stmt)
	if err != nil && isAborted(err) {
		if !w.retryAborts {
			w.transitionTo(UowAborted)
			return 0, err
		}
		if rerr := w.retryTransaction(ctx); rerr != nil {
			return 0, rerr
		}
		n, err = w.db.ExecuteUpdate(ctx, w.tx, stmt)
	}
	return n, err
}

func (w *ReadWriteTransaction) ExecuteBatchUpdateAsync(_ context.Context, stmts []spanner.Statement) <-chan AsyncResult {
	if !w.IsActive() {
		return immediate(AsyncResult{Err: errFailedPreconditionf("transaction is no longer active")})
	}
	return w.executor.Submit("ExecuteBatchUpdate", w.timeout, func(ctx context.Context) AsyncResult {
		if err := w.ensureOpen(ctx); err != nil {
			return AsyncResult{Err: err}
		}
		counts, err := w.db.ExecuteBatchUpdate(ctx, w.tx, stmts)
		if err != nil && isAborted(err) {
			if !w.retryAborts {
				w.transitionTo(UowAborted)
				return AsyncResult{Err: err}
			}
			if rerr := w.retryTransaction(ctx); rerr != nil {
				return AsyncResult{Err: rerr}
			}
			counts, err = w.db.ExecuteBatchUpdate(ctx, w.tx, stmts)
		}
		if err != nil {
			return AsyncResult{Err: err}
		}
		outcomes := make([]statementOutcome, len(counts))
		for i, c := range counts {
			outcomes[i] = statementOutcome{rowsAffected: c}
		}
		w.history = append(w.history, historyEntry{batch: stmts, outcomes: outcomes})
		return AsyncResult{BatchCounts: counts}
	})
}

func (w *ReadWriteTransaction) ExecuteDdlAsync(context.Context, []spanner.Statement) <-chan AsyncResult {
	return immediate(AsyncResult{Err: errFailedPreconditionf("cannot execute DDL as part of a transaction")})
}

func (w *ReadWriteTransaction) WriteAsync(_ context.Context, mutations []*spanner.Mutation) <-chan AsyncResult {
	if !w.IsActive() {
		return immediate(AsyncResult{Err: errFailedPreconditionf("transaction is no longer active")})
	}
	w.bufferedMutations = append(w.bufferedMutations, mutations...)
	return immediate(AsyncResult{})
}

// CommitAsync submits buffered mutations and commits, replaying the full
// history with exponential backoff if the server returns Aborted, spec.md
// §4.5.
func (w *ReadWriteTransaction) CommitAsync(_ context.Context) <-chan AsyncResult {
	if !w.IsActive() {
		return immediate(AsyncResult{})
	}
	return w.executor.Submit("Commit", w.timeout, func(ctx context.Context) AsyncResult {
		if err := w.ensureOpen(ctx); err != nil {
			w.transitionTo(UowAborted)
			return AsyncResult{Err: err}
		}
		if len(w.bufferedMutations) > 0 {
			if err := w.db.Write(ctx, w.tx, w.bufferedMutations); err != nil {
				w.transitionTo(UowRolledBack)
				return AsyncResult{Err: err}
			}
		}
		w.transitionTo(UowCommitting)
		ts, err := w.db.Commit(ctx, w.tx)
		if err != nil && isAborted(err) {
			if !w.retryAborts {
				w.transitionTo(UowAborted)
				return AsyncResult{Err: err}
			}
			if rerr := w.retryTransaction(ctx); rerr != nil {
				w.transitionTo(UowAborted)
				return AsyncResult{Err: rerr}
			}
			if len(w.bufferedMutations) > 0 {
				if err := w.db.Write(ctx, w.tx, w.bufferedMutations); err != nil {
					w.transitionTo(UowRolledBack)
					return AsyncResult{Err: err}
				}
			}
			ts, err = w.db.Commit(ctx, w.tx)
		}
		if err != nil {
			w.transitionTo(UowRolledBack)
			return AsyncResult{Err: err}
		}
		w.commitTimestamp, w.hasCommitTS = ts, true
		w.transitionTo(UowCommitted)
		return AsyncResult{}
	})
}

func (w *ReadWriteTransaction) RollbackAsync(_ context.Context) <-chan AsyncResult {
	if !w.IsActive() {
		return immediate(AsyncResult{})
	}
	return w.executor.Submit("Rollback", w.timeout, func(ctx context.Context) AsyncResult {
		if w.tx != nil {
			_ = w.db.Rollback(ctx, w.tx)
		}
		w.transitionTo(UowRolledBack)
		return AsyncResult{}
	})
}

func (w *ReadWriteTransaction) RunBatchAsync(context.Context) <-chan AsyncResult {
	return immediate(AsyncResult{Err: errFailedPreconditionf("commit/rollback apply only to the host transaction")})
}

func (w *ReadWriteTransaction) AbortBatch() error { return nil }

func (w *ReadWriteTransaction) Cancel() { w.executor.Cancel() }

func (w *ReadWriteTransaction) GetReadTimestamp() (time.Time, bool) { return time.Time{}, false }
func (w *ReadWriteTransaction) GetCommitTimestamp() (time.Time, bool) {
	return w.commitTimestamp, w.hasCommitTS
}

// retryTransaction implements spec.md §4.5's retry algorithm: begin a new
// server transaction, replay the recorded history in order, and compare
// each replayed outcome against the recorded one. Exponential backoff with
// a bounded attempt count is driven by github.com/avast/retry-go, the way
// autobrr-qui uses it for its own external-call retries.
func (w *ReadWriteTransaction) retryTransaction(ctx context.Context) error {
	attempt := 0
	notifyListeners(w.listeners, RetryStarted, attempt)
	err := retry.Do(
		func() error {
			attempt++
			tx, err := w.db.BeginTransaction(ctx, false, Staleness{})
			if err != nil {
				return retry.Unrecoverable(err)
			}
			replayErr := w.replayHistory(ctx, tx)
			if replayErr == nil {
				w.tx = tx
				notifyListeners(w.listeners, RetrySucceeded, attempt)
				return nil
			}
			var divergent *divergentReplayError
			if errors.As(replayErr, &divergent) {
				return retry.Unrecoverable(replayErr)
			}
			if isAborted(replayErr) {
				notifyListeners(w.listeners, RetryAbortedAndRestarting, attempt)
				return replayErr
			}
			// Any other error (e.g. the backend is unreachable) is not
			// something a replay can recover from by retrying.
			return retry.Unrecoverable(replayErr)
		},
		retry.Attempts(w.maxAttempts),
		retry.Context(ctx),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	var divergent *divergentReplayError
	if errors.As(err, &divergent) {
		return errAborted(divergent.cause)
	}
	return err
}

// replayHistory re-executes every recorded statement against tx and
// compares its outcome against the recording, spec.md §4.5 step 2.
func (w *ReadWriteTransaction) replayHistory(ctx context.Context, tx TxHandle) error {
	for _, entry := range w.history {
		if entry.batch != nil {
			counts, err := w.db.ExecuteBatchUpdate(ctx, tx, entry.batch)
			if err != nil {
				return err
			}
			if len(counts) != len(entry.outcomes) {
				notifyListeners(w.listeners, RetryDifferentResult, 0)
				return &divergentReplayError{fmt.Errorf("replayed batch produced a different number of results")}
			}
			for i, c := range counts {
				if !outcomesEqual(statementOutcome{rowsAffected: c}, entry.outcomes[i]) {
					notifyListeners(w.listeners, RetryDifferentResult, 0)
					return &divergentReplayError{fmt.Errorf("replayed statement produced a different result")}
				}
			}
			continue
		}
		if entry.query {
			rs, err := w.db.ExecuteQuery(ctx, tx, entry.stmt, QueryOptions{})
			if err != nil {
				return err
			}
			digest, rows, err := digestResultSet(rs)
			if err != nil {
				return err
			}
			replayed := statementOutcome{isQuery: true, digest: digest, rowsAffected: rows}
			if !outcomesEqual(replayed, entry.outcome) {
				notifyListeners(w.listeners, RetryDifferentResult, 0)
				return &divergentReplayError{fmt.Errorf("replayed query produced a different result")}
			}
			continue
		}
		n, err := w.db.ExecuteUpdate(ctx, tx, entry.stmt)
		if err != nil {
			return err
		}
		replayed := statementOutcome{rowsAffected: n}
		if !outcomesEqual(replayed, entry.outcome) {
			notifyListeners(w.listeners, RetryDifferentResult, 0)
			return &divergentReplayError{fmt.Errorf("replayed statement produced a different result")}
		}
	}
	return nil
}
