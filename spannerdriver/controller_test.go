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
	"testing"
	"time"

	"cloud.google.com/go/spanner"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestExecute_AutocommitQuery_DoesNotStartTransaction(t *testing.T) {
	t.Parallel()
	db := newFakeDatabaseClient()
	db.queryRows["SELECT 1"] = [][]interface{}{{int64(1)}}
	c := newTestController(t, db, &fakeAdminClient{})
	defer c.Close()

	res, err := c.Execute(context.Background(), spanner.Statement{SQL: "SELECT 1"}, QueryOptions{})
	require.NoError(t, err)
	require.Equal(t, StatementResultQuery, res.Kind)
	require.NotNil(t, res.ResultSet)

	require.False(t, c.IsTransactionStarted(), "a single-use query must not leave a transaction behind")
	require.False(t, c.IsInTransaction())
}

func TestBeginCommit_TwoUpdates_MonotonicCommitTimestamps(t *testing.T) {
	t.Parallel()
	db := newFakeDatabaseClient()
	stmtA := spanner.Statement{SQL: "UPDATE t SET x = 1"}
	stmtB := spanner.Statement{SQL: "UPDATE t SET y = 2"}
	db.updateCounts[stmtA.SQL] = 1
	db.updateCounts[stmtB.SQL] = 3
	c := newTestController(t, db, &fakeAdminClient{})
	defer c.Close()

	runTxn := func() time.Time {
		require.NoError(t, c.beginTransaction(""))
		require.False(t, c.IsTransactionStarted(), "BEGIN alone must not build the physical transaction yet")
		require.True(t, c.IsInTransaction())

		n, err := c.ExecuteUpdate(context.Background(), stmtA)
		require.NoError(t, err)
		require.Equal(t, int64(1), n)
		require.True(t, c.IsTransactionStarted(), "the first statement must build the physical transaction")

		n, err = c.ExecuteUpdate(context.Background(), stmtB)
		require.NoError(t, err)
		require.Equal(t, int64(3), n)

		require.NoError(t, c.commit())
		require.False(t, c.IsInTransaction())
		ts, ok := c.CommitTimestamp()
		require.True(t, ok)
		return ts
	}

	ts1 := runTxn()
	ts2 := runTxn()
	require.True(t, ts2.After(ts1), "successive commits must produce strictly increasing timestamps")
}

func TestDdlBatch_RunsQueuedStatementsAsOneAdminCall(t *testing.T) {
	t.Parallel()
	db := newFakeDatabaseClient()
	admin := &fakeAdminClient{}
	c := newTestController(t, db, admin)
	defer c.Close()

	require.NoError(t, c.startBatchDdl())
	require.True(t, c.IsDdlBatchActive())

	ddl1 := spanner.Statement{SQL: "CREATE TABLE a (id INT64) PRIMARY KEY (id)"}
	ddl2 := spanner.Statement{SQL: "CREATE TABLE b (id INT64) PRIMARY KEY (id)"}
	_, err := c.Execute(context.Background(), ddl1, QueryOptions{})
	require.NoError(t, err)
	_, err = c.Execute(context.Background(), ddl2, QueryOptions{})
	require.NoError(t, err)

	require.NoError(t, c.runBatch())
	require.False(t, c.IsDdlBatchActive())
	require.Len(t, admin.calls, 1, "RUN BATCH must submit every queued DDL statement in a single admin call")
	require.Equal(t, []string{ddl1.SQL, ddl2.SQL}, admin.calls[0])
}

func TestSetAutocommitFalse_ResetsMaxStalenessToStrong(t *testing.T) {
	t.Parallel()
	c := newTestController(t, newFakeDatabaseClient(), &fakeAdminClient{})
	defer c.Close()

	require.NoError(t, c.setReadOnlyStaleness(Staleness{Mode: StalenessMax, Duration: 5 * time.Second}))
	require.Equal(t, StalenessMax, c.getReadOnlyStaleness().Mode)

	require.NoError(t, c.setAutocommit(false))
	require.Equal(t, StalenessStrong, c.getReadOnlyStaleness().Mode, "leaving autocommit must silently reset an autocommit-only staleness mode")
}

func TestReadWriteTransaction_RetriesOnAbort_NotifiesListeners(t *testing.T) {
	t.Parallel()
	db := newFakeDatabaseClient()
	stmt := spanner.Statement{SQL: "UPDATE t SET x = 1"}
	db.updateCounts[stmt.SQL] = 7
	db.abortOnce[stmt.SQL] = true
	c := newTestController(t, db, &fakeAdminClient{})
	defer c.Close()

	var events []RetryEvent
	c.AddRetryListener(TransactionRetryListenerFunc(func(event RetryEvent, _ int) {
		events = append(events, event)
	}))

	require.NoError(t, c.beginTransaction(""))
	n, err := c.ExecuteUpdate(context.Background(), stmt)
	require.NoError(t, err)
	require.Equal(t, int64(7), n)
	require.NoError(t, c.commit())

	require.Equal(t, []RetryEvent{RetryStarted, RetrySucceeded}, events)
}

func TestReadWriteTransaction_DivergentReplay_AbortsAndNotifies(t *testing.T) {
	t.Parallel()
	db := newFakeDatabaseClient()
	stmtA := spanner.Statement{SQL: "UPDATE a SET x = 1"}
	stmtB := spanner.Statement{SQL: "UPDATE b SET x = 1"}
	db.updateCounts[stmtA.SQL] = 5
	db.updateCounts[stmtB.SQL] = 1
	c := newTestController(t, db, &fakeAdminClient{})
	defer c.Close()

	var events []RetryEvent
	c.AddRetryListener(TransactionRetryListenerFunc(func(event RetryEvent, _ int) {
		events = append(events, event)
	}))

	require.NoError(t, c.beginTransaction(""))
	_, err := c.ExecuteUpdate(context.Background(), stmtA)
	require.NoError(t, err)

	// Simulate a concurrent modification: by the time the transaction
	// retries, replaying stmtA no longer reproduces the recorded outcome.
	db.mu.Lock()
	db.updateCounts[stmtA.SQL] = 2
	db.mu.Unlock()
	db.abortOnce[stmtB.SQL] = true

	_, err = c.ExecuteUpdate(context.Background(), stmtB)
	require.Error(t, err)
	require.Equal(t, codes.Aborted, status.Code(err))
	require.Contains(t, events, RetryDifferentResult)
}

func TestCancel_FromSecondGoroutine_CancelsInFlightStatement(t *testing.T) {
	t.Parallel()
	db := newFakeDatabaseClient()
	stmt := spanner.Statement{SQL: "UPDATE t SET x = 1"}
	block := make(chan struct{})
	started := make(chan struct{}, 1)
	db.block[stmt.SQL] = block
	db.blockStarted[stmt.SQL] = started
	c := newTestController(t, db, &fakeAdminClient{})
	defer c.Close()

	require.NoError(t, c.beginTransaction(""))

	errCh := make(chan error, 1)
	go func() {
		_, err := c.ExecuteUpdate(context.Background(), stmt)
		errCh <- err
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("statement never reached the blocking point")
	}
	c.Cancel()

	select {
	case err := <-errCh:
		require.Error(t, err)
		require.Equal(t, codes.Cancelled, status.Code(err))
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled statement never returned")
	}
	close(block)
}

func TestSetReadOnlyStaleness_MaxStaleness_RequiresAutocommit(t *testing.T) {
	t.Parallel()
	c := newTestController(t, newFakeDatabaseClient(), &fakeAdminClient{})
	defer c.Close()

	require.NoError(t, c.setAutocommit(false))
	err := c.setReadOnlyStaleness(Staleness{Mode: StalenessMax, Duration: time.Second})
	require.Error(t, err)
	require.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestExecuteUpdate_OnReadOnlyConnection_FailsFailedPrecondition(t *testing.T) {
	t.Parallel()
	c := newTestController(t, newFakeDatabaseClient(), &fakeAdminClient{})
	defer c.Close()

	require.NoError(t, c.setReadOnly(true))
	_, err := c.ExecuteUpdate(context.Background(), spanner.Statement{SQL: "UPDATE t SET x = 1"})
	require.Error(t, err)
	require.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestStartBatchDml_OnReadOnlyTransaction_FailsFailedPrecondition(t *testing.T) {
	t.Parallel()
	c := newTestController(t, newFakeDatabaseClient(), &fakeAdminClient{})
	defer c.Close()

	require.NoError(t, c.beginTransaction("READ ONLY"))
	err := c.startBatchDml()
	require.Error(t, err)
	require.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestStartBatchDml_NoHostExists_BuildsAndClosesTransientTransaction(t *testing.T) {
	t.Parallel()
	db := newFakeDatabaseClient()
	stmt := spanner.Statement{SQL: "UPDATE t SET x = 1"}
	db.updateCounts[stmt.SQL] = 4
	c := newTestController(t, db, &fakeAdminClient{})
	defer c.Close()

	require.NoError(t, c.startBatchDml())
	require.True(t, c.IsDmlBatchActive())
	_, err := c.Execute(context.Background(), stmt, QueryOptions{})
	require.NoError(t, err)

	require.NoError(t, c.runBatch())
	require.False(t, c.IsDmlBatchActive())
	require.False(t, c.IsInTransaction(), "a DML batch with no prior BEGIN must not leave a transaction current")
	require.Equal(t, 1, db.commits, "the implicit host transaction must be committed once the batch runs")
}

func TestExecuteBatchUpdate_RejectsWholeBatchOnNonUpdateStatement(t *testing.T) {
	t.Parallel()
	db := newFakeDatabaseClient()
	good := spanner.Statement{SQL: "UPDATE t SET x = 1"}
	bad := spanner.Statement{SQL: "SELECT 1"}
	db.updateCounts[good.SQL] = 9
	c := newTestController(t, db, &fakeAdminClient{})
	defer c.Close()

	_, err := c.ExecuteBatchUpdate(context.Background(), []spanner.Statement{good, bad})
	require.Error(t, err)
	require.Equal(t, codes.InvalidArgument, status.Code(err))
	require.Equal(t, 0, db.updateCalls[good.SQL], "no statement in a rejected batch may execute")
}

func TestExecuteQuery_RejectsNonQueryStatement(t *testing.T) {
	t.Parallel()
	c := newTestController(t, newFakeDatabaseClient(), &fakeAdminClient{})
	defer c.Close()

	_, err := c.ExecuteQuery(context.Background(), spanner.Statement{SQL: "UPDATE t SET x = 1"}, QueryOptions{})
	require.Error(t, err)
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestAnalyzeQuery_PlansAQueryInsteadOfRunningIt(t *testing.T) {
	t.Parallel()
	db := newFakeDatabaseClient()
	db.queryRows["SELECT 1"] = [][]interface{}{{int64(1)}}
	c := newTestController(t, db, &fakeAdminClient{})
	defer c.Close()

	res, err := c.AnalyzeQuery(context.Background(), spanner.Statement{SQL: "SELECT 1"}, AnalyzeModePlan, QueryOptions{})
	require.NoError(t, err)
	require.Equal(t, StatementResultQuery, res.Kind)

	_, err = c.AnalyzeQuery(context.Background(), spanner.Statement{SQL: "SELECT 1"}, AnalyzeModeNone, QueryOptions{})
	require.Error(t, err, "analyzeQuery must require an actual analyze mode")
}

func TestExecute_AfterClose_FailsFailedPrecondition(t *testing.T) {
	t.Parallel()
	c := newTestController(t, newFakeDatabaseClient(), &fakeAdminClient{})
	require.NoError(t, c.Close())

	_, err := c.Execute(context.Background(), spanner.Statement{SQL: "SELECT 1"}, QueryOptions{})
	require.Error(t, err)
	require.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestSetAutocommit_WhileBatchActive_Fails(t *testing.T) {
	t.Parallel()
	c := newTestController(t, newFakeDatabaseClient(), &fakeAdminClient{})
	defer c.Close()

	require.NoError(t, c.startBatchDdl())
	err := c.setAutocommit(false)
	require.Error(t, err)
	require.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()
	c := newTestController(t, newFakeDatabaseClient(), &fakeAdminClient{})
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	require.True(t, c.IsClosed())
}

func TestCancel_NoOpWhenIdle(t *testing.T) {
	t.Parallel()
	c := newTestController(t, newFakeDatabaseClient(), &fakeAdminClient{})
	defer c.Close()

	require.NotPanics(t, func() { c.Cancel() })
}

func TestSetOptimizerVersion_RoundTripsThroughClientSideExecutor(t *testing.T) {
	t.Parallel()
	c := newTestController(t, newFakeDatabaseClient(), &fakeAdminClient{})
	defer c.Close()

	_, err := c.Execute(context.Background(), spanner.Statement{SQL: "SET OPTIMIZER_VERSION = '5'"}, QueryOptions{})
	require.NoError(t, err)
	require.Equal(t, "5", c.getOptimizerVersion())

	res, err := c.Execute(context.Background(), spanner.Statement{SQL: "SHOW VARIABLE OPTIMIZER_VERSION"}, QueryOptions{})
	require.NoError(t, err)
	require.Equal(t, StatementResultRows, res.Kind)
	require.Equal(t, "5", res.Row[0])
}
