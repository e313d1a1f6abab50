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

// UowState is the lifecycle of a UnitOfWork, spec.md §4.2.
type UowState int

const (
	UowNew UowState = iota
	UowStarted
	UowCommitting
	UowCommitted
	UowRolledBack
	UowAborted
)

func (s UowState) isTerminal() bool {
	return s == UowCommitted || s == UowRolledBack || s == UowAborted
}

// UnitOfWorkType tags the concrete kind of UnitOfWork that is current on a
// ConnectionController, spec.md §3.
type UnitOfWorkType int

const (
	UowTypeNone UnitOfWorkType = iota
	UowTypeReadOnlyTx
	UowTypeReadWriteTx
	UowTypeDdlBatch
	UowTypeDmlBatch
)

// BatchMode mirrors the connection-level batchMode flag, spec.md §3.
type BatchMode int

const (
	BatchModeNone BatchMode = iota
	BatchModeDDL
	BatchModeDML
)

// AutocommitDMLMode indicates how a single DML statement is executed
// outside an explicit transaction, spec.md §3.
type AutocommitDMLMode int

const (
	Transactional AutocommitDMLMode = iota
	TransactionalWithRetry
	PartitionedNonAtomic
)

func (m AutocommitDMLMode) String() string {
	switch m {
	case Transactional:
		return "Transactional"
	case TransactionalWithRetry:
		return "Transactional_With_Retry"
	case PartitionedNonAtomic:
		return "Partitioned_Non_Atomic"
	}
	return ""
}

// StalenessMode enumerates the five staleness bounds from spec.md §3.
type StalenessMode int

const (
	StalenessStrong StalenessMode = iota
	StalenessExact
	StalenessReadTimestamp
	StalenessMax
	StalenessMinReadTimestamp
)

// Staleness is this controller's own representation of a read timestamp
// bound. It wraps the semantics of spanner.TimestampBound but keeps the
// mode introspectable (spanner.TimestampBound does not expose its mode),
// which the invariants in spec.md §3 need to enforce
// ("MAX_STALENESS/MIN_READ_TIMESTAMP valid only in autocommit, outside a
// transaction").
type Staleness struct {
	Mode      StalenessMode
	Duration  time.Duration
	Timestamp time.Time
}

// StrongStaleness is the default staleness bound.
func StrongStaleness() Staleness { return Staleness{Mode: StalenessStrong} }

func (s Staleness) autocommitOnly() bool {
	return s.Mode == StalenessMax || s.Mode == StalenessMinReadTimestamp
}

// ToTimestampBound converts to the type the DatabaseClient interface
// consumes.
func (s Staleness) ToTimestampBound() spanner.TimestampBound {
	switch s.Mode {
	case StalenessExact:
		return spanner.ExactStaleness(s.Duration)
	case StalenessReadTimestamp:
		return spanner.ReadTimestamp(s.Timestamp)
	case StalenessMax:
		return spanner.MaxStaleness(s.Duration)
	case StalenessMinReadTimestamp:
		return spanner.MinReadTimestamp(s.Timestamp)
	default:
		return spanner.StrongRead()
	}
}

// UnitOfWork is the contract satisfied by each concrete execution vehicle
// (C3-C7), spec.md §4.2.
type UnitOfWork interface {
	ExecuteQueryAsync(ctx context.Context, stmt ParsedStatement, sql spanner.Statement, analyzeMode AnalyzeMode, opts QueryOptions) <-chan AsyncResult
	ExecuteUpdateAsync(ctx context.Context, sql spanner.Statement) <-chan AsyncResult
	ExecuteBatchUpdateAsync(ctx context.Context, stmts []spanner.Statement) <-chan AsyncResult
	ExecuteDdlAsync(ctx context.Context, stmts []spanner.Statement) <-chan AsyncResult
	WriteAsync(ctx context.Context, mutations []*spanner.Mutation) <-chan AsyncResult
	CommitAsync(ctx context.Context) <-chan AsyncResult
	RollbackAsync(ctx context.Context) <-chan AsyncResult
	RunBatchAsync(ctx context.Context) <-chan AsyncResult
	AbortBatch() error
	Cancel()

	GetState() UowState
	IsActive() bool
	GetReadTimestamp() (time.Time, bool)
	GetCommitTimestamp() (time.Time, bool)

	Type() UnitOfWorkType
}

// AsyncResult is the future-like value produced by every UnitOfWork
// operation, since the execution model is cooperative-async over a single
// worker (spec.md §5) rather than goroutine-per-call.
type AsyncResult struct {
	ResultSet    ResultSet
	RowsAffected int64
	BatchCounts  []int64
	Err          error
}

// await is the synchronous form of every public controller operation,
// spec.md §9 "Futures and cancellation": the sync API always awaits the
// async one.
func await(ctx context.Context, ch <-chan AsyncResult) AsyncResult {
	select {
	case res := <-ch:
		return res
	case <-ctx.Done():
		return AsyncResult{Err: errCancelled()}
	}
}

// baseUow centralizes the state bookkeeping shared by all five concrete
// unit-of-work types, mirroring how the teacher's contextTransaction
// implementers share close/cancel plumbing.
type baseUow struct {
	state UowState
}

func (b *baseUow) GetState() UowState { return b.state }
func (b *baseUow) IsActive() bool     { return !b.state.isTerminal() }

func (b *baseUow) transitionTo(s UowState) { b.state = s }
