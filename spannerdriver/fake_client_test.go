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
	"fmt"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/spanner"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// fakeTxHandle is the in-memory stand-in for sqlTxHandle.
type fakeTxHandle struct {
	id       string
	readOnly bool
}

func (h *fakeTxHandle) ID() string { return h.id }

// fakeResultSet replays a fixed set of rows, the in-memory stand-in for
// spannerResultSet.
type fakeResultSet struct {
	cols []string
	rows [][]interface{}
	idx  int
	ts   time.Time
}

func (f *fakeResultSet) Next() bool {
	if f.idx >= len(f.rows) {
		return false
	}
	f.idx++
	return true
}

func (f *fakeResultSet) Values() ([]interface{}, error) { return f.rows[f.idx-1], nil }
func (f *fakeResultSet) Columns() []string              { return f.cols }
func (f *fakeResultSet) Err() error                     { return nil }
func (f *fakeResultSet) Stop()                          {}
func (f *fakeResultSet) ReadTimestamp() time.Time       { return f.ts }

// fakeDatabaseClient is a hand-rolled DatabaseClient used throughout this
// package's tests in place of a live Spanner instance, the same role the
// teacher's driver.go leaves to a real *spanner.Client.
type fakeDatabaseClient struct {
	mu sync.Mutex

	nextTxID int
	commits  int

	// queryRows maps a statement's SQL to the rows it returns.
	queryRows map[string][][]interface{}
	// updateCounts maps a statement's SQL to its affected-row count.
	updateCounts map[string]int64
	// updateCalls counts how many times ExecuteUpdate actually ran a given SQL.
	updateCalls map[string]int

	// abortOnce, if set, makes the next ExecuteUpdate/ExecuteQuery call
	// against that SQL fail with Aborted exactly once.
	abortOnce map[string]bool

	// block, if non-nil, makes ExecuteUpdate for that SQL wait on the
	// channel (or ctx cancellation) before proceeding -- used to exercise
	// Cancel from a second goroutine.
	block map[string]chan struct{}
	// blockStarted, if non-nil, receives a value the instant ExecuteUpdate
	// starts waiting on the matching block channel, so a test can
	// synchronize its call to Cancel with the statement actually being
	// in flight.
	blockStarted map[string]chan struct{}
}

func newFakeDatabaseClient() *fakeDatabaseClient {
	return &fakeDatabaseClient{
		queryRows:    make(map[string][][]interface{}),
		updateCounts: make(map[string]int64),
		updateCalls:  make(map[string]int),
		abortOnce:    make(map[string]bool),
		block:        make(map[string]chan struct{}),
		blockStarted: make(map[string]chan struct{}),
	}
}

func (f *fakeDatabaseClient) BeginTransaction(_ context.Context, readOnly bool, _ Staleness) (TxHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextTxID++
	return &fakeTxHandle{id: fmt.Sprintf("tx-%d", f.nextTxID), readOnly: readOnly}, nil
}

func (f *fakeDatabaseClient) ExecuteQuery(ctx context.Context, _ TxHandle, stmt spanner.Statement, _ QueryOptions) (ResultSet, error) {
	return f.runQuery(ctx, stmt)
}

func (f *fakeDatabaseClient) SingleUseQuery(ctx context.Context, _ spanner.TimestampBound, stmt spanner.Statement, _ QueryOptions) (ResultSet, error) {
	return f.runQuery(ctx, stmt)
}

func (f *fakeDatabaseClient) runQuery(_ context.Context, stmt spanner.Statement) (ResultSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.abortOnce[stmt.SQL] {
		f.abortOnce[stmt.SQL] = false
		return nil, status.Error(codes.Aborted, "concurrent modification")
	}
	rows := f.queryRows[stmt.SQL]
	return &fakeResultSet{cols: []string{"col"}, rows: rows, ts: time.Now()}, nil
}

func (f *fakeDatabaseClient) ExecuteUpdate(ctx context.Context, _ TxHandle, stmt spanner.Statement) (int64, error) {
	f.mu.Lock()
	block := f.block[stmt.SQL]
	started := f.blockStarted[stmt.SQL]
	f.mu.Unlock()
	if block != nil {
		if started != nil {
			started <- struct{}{}
		}
		// Deliberately does not also select on ctx.Done(): the point of
		// this hook is to keep the statement in flight until the test
		// closes block, so StatementExecutor's own cancellation path (not
		// a race with this goroutine noticing ctx itself) is what produces
		// the Cancelled result.
		<-block
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateCalls[stmt.SQL]++
	if f.abortOnce[stmt.SQL] {
		f.abortOnce[stmt.SQL] = false
		return 0, status.Error(codes.Aborted, "concurrent modification")
	}
	return f.updateCounts[stmt.SQL], nil
}

func (f *fakeDatabaseClient) ExecuteBatchUpdate(_ context.Context, _ TxHandle, stmts []spanner.Statement) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := make([]int64, len(stmts))
	for i, s := range stmts {
		f.updateCalls[s.SQL]++
		counts[i] = f.updateCounts[s.SQL]
	}
	return counts, nil
}

func (f *fakeDatabaseClient) Write(context.Context, TxHandle, []*spanner.Mutation) error { return nil }

func (f *fakeDatabaseClient) Commit(_ context.Context, _ TxHandle) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits++
	// Each commit is a second later than the last, the cheapest way to make
	// the monotonic-commit-timestamp assertion in the tests meaningful.
	return time.Unix(int64(f.commits), 0).UTC(), nil
}

func (f *fakeDatabaseClient) Rollback(context.Context, TxHandle) error { return nil }

func (f *fakeDatabaseClient) PartitionedUpdate(_ context.Context, stmt spanner.Statement) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateCalls[stmt.SQL]++
	return f.updateCounts[stmt.SQL], nil
}

func (f *fakeDatabaseClient) Close() {}

// fakeAdminClient records the DDL batches handed to it.
type fakeAdminClient struct {
	mu    sync.Mutex
	calls [][]string
}

func (a *fakeAdminClient) UpdateDatabaseDdl(_ context.Context, _ string, statements []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, statements)
	return nil
}

func (a *fakeAdminClient) Close() error { return nil }

// newTestController builds a ConnectionController wired to fresh fakes via
// NewInMemoryPool, the seam pool.go documents for exactly this purpose.
func newTestController(t *testing.T, db *fakeDatabaseClient, admin *fakeAdminClient) *ConnectionController {
	t.Helper()
	pool := NewInMemoryPool(func(context.Context, PoolOptions) (DatabaseClient, AdminClient, error) {
		return db, admin, nil
	})
	c, err := NewConnectionController(context.Background(), pool, PoolOptions{Database: "projects/p/instances/i/databases/d"}, nil, ControllerOptions{RetryAbortsInternally: true})
	if err != nil {
		t.Fatalf("NewConnectionController: %v", err)
	}
	return c
}
