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
	"time"

	"cloud.google.com/go/spanner"
)

// ReadOnlyTransaction is C4: a multi-statement snapshot at a chosen
// staleness, spec.md §4.4. It refuses updates/DDL/writes and closes its
// server-side transaction on commit or rollback -- the two are
// semantically equivalent for a read-only transaction.
type ReadOnlyTransaction struct {
	baseUow

	db        DatabaseClient
	executor  *StatementExecutor
	timeout   time.Duration
	staleness Staleness

	tx            TxHandle
	readTimestamp time.Time
	hasReadTS     bool
}

func NewReadOnlyTransaction(db DatabaseClient, executor *StatementExecutor, staleness Staleness, timeout time.Duration) *ReadOnlyTransaction {
	return &ReadOnlyTransaction{db: db, executor: executor, staleness: staleness, timeout: timeout}
}

func (r *ReadOnlyTransaction) Type() UnitOfWorkType { return UowTypeReadOnlyTx }

func (r *ReadOnlyTransaction) ensureOpen(ctx context.Context) error {
	if r.tx != nil {
		return nil
	}
	tx, err := r.db.BeginTransaction(ctx, true, r.staleness)
	if err != nil {
		return err
	}
	r.tx = tx
	r.transitionTo(UowStarted)
	return nil
}

func (r *ReadOnlyTransaction) ExecuteQueryAsync(_ context.Context, _ ParsedStatement, stmt spanner.Statement, analyzeMode AnalyzeMode, opts QueryOptions) <-chan AsyncResult {
	if !r.IsActive() {
		return immediate(AsyncResult{Err: errFailedPreconditionf("read-only transaction is no longer active")})
	}
	opts.AnalyzeMode = analyzeMode
	return r.executor.Submit("ExecuteQuery", r.timeout, func(ctx context.Context) AsyncResult {
		if err := r.ensureOpen(ctx); err != nil {
			return AsyncResult{Err: err}
		}
		rs, err := r.db.ExecuteQuery(ctx, r.tx, stmt, opts)
		if err != nil {
			return AsyncResult{Err: err}
		}
		if ts := rs.ReadTimestamp(); !ts.IsZero() {
			r.readTimestamp, r.hasReadTS = ts, true
		}
		return AsyncResult{ResultSet: rs}
	})
}

func (r *ReadOnlyTransaction) ExecuteUpdateAsync(context.Context, spanner.Statement) <-chan AsyncResult {
	return immediate(AsyncResult{Err: errFailedPreconditionf("update statements are not allowed in a read-only transaction")})
}

func (r *ReadOnlyTransaction) ExecuteBatchUpdateAsync(context.Context, []spanner.Statement) <-chan AsyncResult {
	return immediate(AsyncResult{Err: errFailedPreconditionf("update statements are not allowed in a read-only transaction")})
}

func (r *ReadOnlyTransaction) ExecuteDdlAsync(context.Context, []spanner.Statement) <-chan AsyncResult {
	return immediate(AsyncResult{Err: errFailedPreconditionf("DDL statements are not allowed in a read-only transaction")})
}

func (r *ReadOnlyTransaction) WriteAsync(context.Context, []*spanner.Mutation) <-chan AsyncResult {
	return immediate(AsyncResult{Err: errFailedPreconditionf("mutations are not allowed in a read-only transaction")})
}

func (r *ReadOnlyTransaction) CommitAsync(ctx context.Context) <-chan AsyncResult {
	return r.close(ctx, UowCommitted)
}

func (r *ReadOnlyTransaction) RollbackAsync(ctx context.Context) <-chan AsyncResult {
	return r.close(ctx, UowRolledBack)
}

func (r *ReadOnlyTransaction) close(ctx context.Context, terminal UowState) <-chan AsyncResult {
	if !r.IsActive() {
		return immediate(AsyncResult{})
	}
	return r.executor.Submit("Close", r.timeout, func(ctx context.Context) AsyncResult {
		if r.tx != nil {
			_ = r.db.Rollback(ctx, r.tx)
		}
		r.transitionTo(terminal)
		return AsyncResult{}
	})
}

func (r *ReadOnlyTransaction) RunBatchAsync(context.Context) <-chan AsyncResult {
	return immediate(AsyncResult{Err: errFailedPreconditionf("read-only transactions cannot run DML batches")})
}

func (r *ReadOnlyTransaction) AbortBatch() error {
	return errFailedPreconditionf("read-only transactions cannot run DML batches")
}

func (r *ReadOnlyTransaction) Cancel() { r.executor.Cancel() }

func (r *ReadOnlyTransaction) GetReadTimestamp() (time.Time, bool)   { return r.readTimestamp, r.hasReadTS }
func (r *ReadOnlyTransaction) GetCommitTimestamp() (time.Time, bool) { return time.Time{}, false }
