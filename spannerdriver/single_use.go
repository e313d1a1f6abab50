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

// SingleUseTransaction is C3: a one-shot read or one-shot update/DDL used
// in autocommit mode, spec.md §4.3. After its single statement runs it
// becomes terminal.
type SingleUseTransaction struct {
	baseUow

	db        DatabaseClient
	admin     AdminClient
	database  string
	executor  *StatementExecutor
	timeout   time.Duration
	readOnly  bool
	staleness Staleness
	dmlMode   AutocommitDMLMode

	readTimestamp   time.Time
	hasReadTS       bool
	commitTimestamp time.Time
	hasCommitTS     bool
}

// NewSingleUseTransaction builds C3 seeded exactly as spec.md §4.1
// ensureUnitOfWork describes.
func NewSingleUseTransaction(db DatabaseClient, admin AdminClient, database string, executor *StatementExecutor, readOnly bool, staleness Staleness, dmlMode AutocommitDMLMode, timeout time.Duration) *SingleUseTransaction {
	return &SingleUseTransaction{
		db: db, admin: admin, database: database, executor: executor,
		readOnly: readOnly, staleness: staleness, dmlMode: dmlMode, timeout: timeout,
	}
}

func (s *SingleUseTransaction) Type() UnitOfWorkType { return UowTypeNone }

func (s *SingleUseTransaction) ExecuteQueryAsync(_ context.Context, _ ParsedStatement, stmt spanner.Statement, analyzeMode AnalyzeMode, opts QueryOptions) <-chan AsyncResult {
	if !s.IsActive() {
		return immediate(AsyncResult{Err: errFailedPreconditionf("single-use transaction already used")})
	}
	opts.AnalyzeMode = analyzeMode
	s.transitionTo(UowStarted)
	return s.executor.Submit("ExecuteQuery", s.timeout, func(ctx context.Context) AsyncResult {
		rs, err := s.db.SingleUseQuery(ctx, s.staleness.ToTimestampBound(), stmt, opts)
		if err != nil {
			s.transitionTo(UowRolledBack)
			return AsyncResult{Err: err}
		}
		s.readTimestamp = rs.ReadTimestamp()
		s.hasReadTS = true
		s.transitionTo(UowCommitted)
		return AsyncResult{ResultSet: rs}
	})
}

func (s *SingleUseTransaction) ExecuteUpdateAsync(_ context.Context, stmt spanner.Statement) <-chan AsyncResult {
	if s.readOnly {
		return immediate(AsyncResult{Err: errFailedPreconditionf("connection is read-only")})
	}
	if !s.IsActive() {
		return immediate(AsyncResult{Err: errFailedPreconditionf("single-use transaction already used")})
	}
	s.transitionTo(UowStarted)
	return s.executor.Submit("ExecuteUpdate", s.timeout, func(ctx context.Context) AsyncResult {
		switch s.dmlMode {
		case PartitionedNonAtomic:
			n, err := s.db.PartitionedUpdate(ctx, stmt)
			if err != nil {
				s.transitionTo(UowRolledBack)
				return AsyncResult{Err: err}
			}
			s.transitionTo(UowCommitted)
			return AsyncResult{RowsAffected: n}
		case TransactionalWithRetry:
			n, ts, err := s.execInOneStatementRWTxWithRetry(ctx, stmt)
			if err != nil {
				s.transitionTo(UowAborted)
				return AsyncResult{Err: err}
			}
			s.commitTimestamp, s.hasCommitTS = ts, true
			s.transitionTo(UowCommitted)
			return AsyncResult{RowsAffected: n}
		default: // Transactional
			n, ts, err := s.execInOneStatementRWTx(ctx, stmt)
			if err != nil {
				s.transitionTo(UowRolledBack)
				return AsyncResult{Err: err}
			}
			s.commitTimestamp, s.hasCommitTS = ts, true
			s.transitionTo(UowCommitted)
			return AsyncResult{RowsAffected: n}
		}
	})
}

func (s *SingleUseTransaction) execInOneStatementRWTx(ctx context.Context, stmt spanner.Statement) (int64, time.Time, error) {
	tx, err := s.db.BeginTransaction(ctx, false, Staleness{})
	if err != nil {
		return 0, time.Time{}, err
	}
	n, err := s.db.ExecuteUpdate(ctx, tx, stmt)
	if err != nil {
		_ = s.db.Rollback(ctx, tx)
		return 0, time.Time{}, err
	}
	ts, err := s.db.Commit(ctx, tx)
	if err != nil {
		return 0, time.Time{}, err
	}
	return n, ts, nil
}

// execInOneStatementRWTxWithRetry implements the TRANSACTIONAL_WITH_RETRY
// mode of spec.md §4.3: a single internal replay on Aborted.
func (s *SingleUseTransaction) execInOneStatementRWTxWithRetry(ctx context.Context, stmt spanner.Statement) (int64, time.Time, error) {
	n, ts, err := s.execInOneStatementRWTx(ctx, stmt)
	if err != nil && isAborted(err) {
		return s.execInOneStatementRWTx(ctx, stmt)
	}
	return n, ts, err
}

func (s *SingleUseTransaction) ExecuteBatchUpdateAsync(_ context.Context, stmts []spanner.Statement) <-chan AsyncResult {
	if s.readOnly {
		return immediate(AsyncResult{Err: errFailedPreconditionf("connection is read-only")})
	}
	if !s.IsActive() {
		return immediate(AsyncResult{Err: errFailedPreconditionf("single-use transaction already used")})
	}
	s.transitionTo(UowStarted)
	return s.executor.Submit("ExecuteBatchUpdate", s.timeout, func(ctx context.Context) AsyncResult {
		tx, err := s.db.BeginTransaction(ctx, false, Staleness{})
		if err != nil {
			s.transitionTo(UowRolledBack)
			return AsyncResult{Err: err}
		}
		counts, err := s.db.ExecuteBatchUpdate(ctx, tx, stmts)
		if err != nil {
			_ = s.db.Rollback(ctx, tx)
			s.transitionTo(UowRolledBack)
			return AsyncResult{Err: err}
		}
		ts, err := s.db.Commit(ctx, tx)
		if err != nil {
			s.transitionTo(UowRolledBack)
			return AsyncResult{Err: err}
		}
		s.commitTimestamp, s.hasCommitTS = ts, true
		s.transitionTo(UowCommitted)
		return AsyncResult{BatchCounts: counts}
	})
}

func (s *SingleUseTransaction) ExecuteDdlAsync(_ context.Context, stmts []spanner.Statement) <-chan AsyncResult {
	if !s.IsActive() {
		return immediate(AsyncResult{Err: errFailedPreconditionf("single-use transaction already used")})
	}
	s.transitionTo(UowStarted)
	return s.executor.Submit("ExecuteDdl", s.timeout, func(ctx context.Context) AsyncResult {
		sql := make([]string, len(stmts))
		for i, st := range stmts {
			sql[i] = st.SQL
		}
		if err := s.admin.UpdateDatabaseDdl(ctx, s.database, sql); err != nil {
			s.transitionTo(UowRolledBack)
			return AsyncResult{Err: err}
		}
		s.transitionTo(UowCommitted)
		return AsyncResult{}
	})
}

func (s *SingleUseTransaction) WriteAsync(_ context.Context, mutations []*spanner.Mutation) <-chan AsyncResult {
	if s.readOnly {
		return immediate(AsyncResult{Err: errFailedPreconditionf("connection is read-only")})
	}
	if !s.IsActive() {
		return immediate(AsyncResult{Err: errFailedPreconditionf("single-use transaction already used")})
	}
	s.transitionTo(UowStarted)
	return s.executor.Submit("Write", s.timeout, func(ctx context.Context) AsyncResult {
		tx, err := s.db.BeginTransaction(ctx, false, Staleness{})
		if err != nil {
			s.transitionTo(UowRolledBack)
			return AsyncResult{Err: err}
		}
		if err := s.db.Write(ctx, tx, mutations); err != nil {
			_ = s.db.Rollback(ctx, tx)
			s.transitionTo(UowRolledBack)
			return AsyncResult{Err: err}
		}
		ts, err := s.db.Commit(ctx, tx)
		if err != nil {
			s.transitionTo(UowRolledBack)
			return AsyncResult{Err: err}
		}
		s.commitTimestamp, s.hasCommitTS = ts, true
		s.transitionTo(UowCommitted)
		return AsyncResult{}
	})
}

func (s *SingleUseTransaction) CommitAsync(_ context.Context) <-chan AsyncResult {
	return immediate(AsyncResult{})
}

func (s *SingleUseTransaction) RollbackAsync(_ context.Context) <-chan AsyncResult {
	return immediate(AsyncResult{})
}

func (s *SingleUseTransaction) RunBatchAsync(_ context.Context) <-chan AsyncResult {
	return immediate(AsyncResult{Err: errFailedPreconditionf("single-use transaction has no batch")})
}

func (s *SingleUseTransaction) AbortBatch() error { return nil }

func (s *SingleUseTransaction) Cancel() { s.executor.Cancel() }

func (s *SingleUseTransaction) GetReadTimestamp() (time.Time, bool)   { return s.readTimestamp, s.hasReadTS }
func (s *SingleUseTransaction) GetCommitTimestamp() (time.Time, bool) { return s.commitTimestamp, s.hasCommitTS }

func immediate(res AsyncResult) <-chan AsyncResult {
	ch := make(chan AsyncResult, 1)
	ch <- res
	return ch
}
