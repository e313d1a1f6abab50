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

// DdlBatch is C6: it queues DDL statements and submits them as a single
// admin call, spec.md §4.6.
type DdlBatch struct {
	baseUow

	admin    AdminClient
	database string
	executor *StatementExecutor
	timeout  time.Duration

	statements []spanner.Statement
}

func NewDdlBatch(admin AdminClient, database string, executor *StatementExecutor, timeout time.Duration) *DdlBatch {
	return &DdlBatch{admin: admin, database: database, executor: executor, timeout: timeout}
}

func (b *DdlBatch) Type() UnitOfWorkType { return UowTypeDdlBatch }

func (b *DdlBatch) ExecuteQueryAsync(context.Context, ParsedStatement, spanner.Statement, AnalyzeMode, QueryOptions) <-chan AsyncResult {
	return immediate(AsyncResult{Err: errFailedPreconditionf("queries are not allowed while a DDL batch is active")})
}

func (b *DdlBatch) ExecuteUpdateAsync(context.Context, spanner.Statement) <-chan AsyncResult {
	return immediate(AsyncResult{Err: errFailedPreconditionf("DML statements are not allowed while a DDL batch is active")})
}

func (b *DdlBatch) ExecuteBatchUpdateAsync(context.Context, []spanner.Statement) <-chan AsyncResult {
	return immediate(AsyncResult{Err: errFailedPreconditionf("DML statements are not allowed while a DDL batch is active")})
}

// ExecuteDdlAsync queues the given statements; rejects any statement whose
// parsed kind is not DDL is enforced by the caller (ConnectionController),
// since this unit of work only ever receives statements already classified
// as DDL.
func (b *DdlBatch) ExecuteDdlAsync(_ context.Context, stmts []spanner.Statement) <-chan AsyncResult {
	if !b.IsActive() {
		return immediate(AsyncResult{Err: errFailedPreconditionf("DDL batch is no longer active")})
	}
	b.statements = append(b.statements, stmts...)
	return immediate(AsyncResult{})
}

func (b *DdlBatch) WriteAsync(context.Context, []*spanner.Mutation) <-chan AsyncResult {
	return immediate(AsyncResult{Err: errFailedPreconditionf("mutations are not allowed while a DDL batch is active")})
}

// CommitAsync/RollbackAsync do not apply to a batch; only RunBatchAsync and
// AbortBatch do, spec.md §4.6.
func (b *DdlBatch) CommitAsync(context.Context) <-chan AsyncResult {
	return immediate(AsyncResult{Err: errFailedPreconditionf("commit does not apply to a DDL batch; use RunBatch")})
}

func (b *DdlBatch) RollbackAsync(context.Context) <-chan AsyncResult {
	return immediate(AsyncResult{Err: errFailedPreconditionf("rollback does not apply to a DDL batch; use AbortBatch")})
}

func (b *DdlBatch) RunBatchAsync(_ context.Context) <-chan AsyncResult {
	if !b.IsActive() {
		return immediate(AsyncResult{Err: errFailedPreconditionf("DDL batch is no longer active")})
	}
	statements := b.statements
	return b.executor.Submit("RunBatch", b.timeout, func(ctx context.Context) AsyncResult {
		sql := make([]string, len(statements))
		for i, s := range statements {
			sql[i] = s.SQL
		}
		if len(sql) > 0 {
			if err := b.admin.UpdateDatabaseDdl(ctx, b.database, sql); err != nil {
				b.transitionTo(UowRolledBack)
				return AsyncResult{Err: err}
			}
		}
		b.transitionTo(UowCommitted)
		return AsyncResult{BatchCounts: make([]int64, len(statements))}
	})
}

func (b *DdlBatch) AbortBatch() error {
	b.statements = nil
	b.transitionTo(UowRolledBack)
	return nil
}

func (b *DdlBatch) Cancel() { b.executor.Cancel() }

func (b *DdlBatch) GetReadTimestamp() (time.Time, bool)   { return time.Time{}, false }
func (b *DdlBatch) GetCommitTimestamp() (time.Time, bool) { return time.Time{}, false }
