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

// DmlBatch is C7: it queues DML and, on RunBatchAsync, submits it through
// the host unit of work's batch-update API, spec.md §4.6. A DmlBatch
// accepts no commit/rollback of its own -- those apply only to the host.
type DmlBatch struct {
	baseUow

	host       UnitOfWork
	statements []spanner.Statement
}

// NewDmlBatch wraps host, the (now-shadowed) unit of work that was current
// before the batch started, spec.md §4.1 ensureUnitOfWork "push current uow
// onto transactionStack; build DmlBatch wrapping the previous host uow".
func NewDmlBatch(host UnitOfWork) *DmlBatch {
	return &DmlBatch{host: host}
}

// Host returns the unit of work this batch shadows, so the
// ConnectionController can restore it as currentUnitOfWork on run/abort.
func (b *DmlBatch) Host() UnitOfWork { return b.host }

func (b *DmlBatch) Type() UnitOfWorkType { return UowTypeDmlBatch }

func (b *DmlBatch) ExecuteQueryAsync(context.Context, ParsedStatement, spanner.Statement, AnalyzeMode, QueryOptions) <-chan AsyncResult {
	return immediate(AsyncResult{Err: errFailedPreconditionf("queries are not allowed while a DML batch is active")})
}

// ExecuteUpdateAsync queues the statement; rejects any non-UPDATE kind is
// enforced by the caller (ConnectionController), since this unit of work
// only ever receives statements already classified as UPDATE.
func (b *DmlBatch) ExecuteUpdateAsync(_ context.Context, stmt spanner.Statement) <-chan AsyncResult {
	if !b.IsActive() {
		return immediate(AsyncResult{Err: errFailedPreconditionf("DML batch is no longer active")})
	}
	b.statements = append(b.statements, stmt)
	return immediate(AsyncResult{})
}

func (b *DmlBatch) ExecuteBatchUpdateAsync(context.Context, []spanner.Statement) <-chan AsyncResult {
	return immediate(AsyncResult{Err: errFailedPreconditionf("nested batches are not supported")})
}

func (b *DmlBatch) ExecuteDdlAsync(context.Context, []spanner.Statement) <-chan AsyncResult {
	return immediate(AsyncResult{Err: errFailedPreconditionf("DDL statements are not allowed while a DML batch is active")})
}

func (b *DmlBatch) WriteAsync(context.Context, []*spanner.Mutation) <-chan AsyncResult {
	return immediate(AsyncResult{Err: errFailedPreconditionf("mutations are not allowed while a DML batch is active")})
}

func (b *DmlBatch) CommitAsync(context.Context) <-chan AsyncResult {
	return immediate(AsyncResult{Err: errFailedPreconditionf("commit does not apply to a DML batch; use RunBatch")})
}

func (b *DmlBatch) RollbackAsync(context.Context) <-chan AsyncResult {
	return immediate(AsyncResult{Err: errFailedPreconditionf("rollback does not apply to a DML batch; use AbortBatch")})
}

func (b *DmlBatch) RunBatchAsync(ctx context.Context) <-chan AsyncResult {
	if !b.IsActive() {
		return immediate(AsyncResult{Err: errFailedPreconditionf("DML batch is no longer active")})
	}
	resultCh := b.host.ExecuteBatchUpdateAsync(ctx, b.statements)
	out := make(chan AsyncResult, 1)
	go func() {
		res := <-resultCh
		if res.Err != nil {
			b.transitionTo(UowRolledBack)
		} else {
			b.transitionTo(UowCommitted)
		}
		out <- res
	}()
	return out
}

func (b *DmlBatch) AbortBatch() error {
	b.statements = nil
	b.transitionTo(UowRolledBack)
	return nil
}

func (b *DmlBatch) Cancel() { b.host.Cancel() }

func (b *DmlBatch) GetReadTimestamp() (time.Time, bool)   { return time.Time{}, false }
func (b *DmlBatch) GetCommitTimestamp() (time.Time, bool) { return b.host.GetCommitTimestamp() }
