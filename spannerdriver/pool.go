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
	"sync"
	"time"

	"cloud.google.com/go/spanner"
	"google.golang.org/api/option"
)

// TxHandle is an opaque handle to a server-side transaction, returned by
// DatabaseClient.BeginTransaction and passed back into the other
// DatabaseClient methods that operate against an already-open transaction.
type TxHandle interface {
	// ID is used only for diagnostics/log correlation.
	ID() string
}

// DatabaseClient is the narrow RPC surface this controller drives. The
// production implementation wraps *spanner.Client; tests substitute a fake.
// See spec.md §6.
type DatabaseClient interface {
	ExecuteQuery(ctx context.Context, tx TxHandle, stmt spanner.Statement, opts QueryOptions) (ResultSet, error)
	ExecuteUpdate(ctx context.Context, tx TxHandle, stmt spanner.Statement) (int64, error)
	ExecuteBatchUpdate(ctx context.Context, tx TxHandle, stmts []spanner.Statement) ([]int64, error)
	Write(ctx context.Context, tx TxHandle, mutations []*spanner.Mutation) error
	Commit(ctx context.Context, tx TxHandle) (time.Time, error)
	Rollback(ctx context.Context, tx TxHandle) error
	BeginTransaction(ctx context.Context, readOnly bool, staleness Staleness) (TxHandle, error)
	SingleUseQuery(ctx context.Context, staleness spanner.TimestampBound, stmt spanner.Statement, opts QueryOptions) (ResultSet, error)
	PartitionedUpdate(ctx context.Context, stmt spanner.Statement) (int64, error)
	Close()
}

// AdminClient is the narrow DDL surface this controller drives.
type AdminClient interface {
	UpdateDatabaseDdl(ctx context.Context, database string, statements []string) error
	Close() error
}

// ResultSet is the narrow read surface this controller consumes from a
// query result. Row values are iterated in order; the digest used by C5's
// replay comparison (spec.md §4.5) is computed by the caller
// (recordingResultSet and digestResultSet), not by the result set itself.
type ResultSet interface {
	// Next advances to the next row. It returns false when the result set
	// is exhausted or an error occurred; Err distinguishes the two.
	Next() bool
	// Values returns the logical column values of the current row.
	Values() ([]interface{}, error)
	// Columns returns the result set's column names. It is only guaranteed
	// to be populated once Next has been called at least once.
	Columns() []string
	Err() error
	Stop()
	// ReadTimestamp is valid only after the result set has been consumed
	// (or for reads that report it eagerly); zero value means unavailable.
	ReadTimestamp() time.Time
}

// Parser is the external collaborator that classifies SQL text. See
// spec.md §6 and classify.go for the default stand-in implementation.
type Parser interface {
	Parse(sql string, opts QueryOptions) (ParsedStatement, error)
}

// PoolOwner identifies the ConnectionController registering with a
// SpannerPool, so the pool can account references per owner.
type PoolOwner interface {
	OwnerID() string
}

// SpannerPool is the process-wide shared state described in spec.md §5: it
// owns one DatabaseClient/AdminClient pair per distinct connector
// configuration and reference-counts registrations.
type SpannerPool interface {
	Acquire(ctx context.Context, options PoolOptions, owner PoolOwner) (DatabaseClient, AdminClient, error)
	Release(options PoolOptions, owner PoolOwner)
}

// PoolOptions identifies a distinct backend configuration within a
// SpannerPool, built from the DSN parameters parsed in driver.go.
type PoolOptions struct {
	Database      string
	MinSessions   uint64
	MaxSessions   uint64
	WriteFraction float64
	ClientOptions []option.ClientOption
}

// inMemoryPool is a trivial reference-counted SpannerPool used by tests and
// by callers that construct a ConnectionController directly instead of
// through database/sql.Open. Production code goes through the singleton
// returned by DefaultSpannerPool.
type inMemoryPool struct {
	mu      sync.Mutex
	entries map[string]*poolEntry
	factory func(ctx context.Context, options PoolOptions) (DatabaseClient, AdminClient, error)
}

type poolEntry struct {
	db    DatabaseClient
	admin AdminClient
	refs  map[string]struct{}
}

// NewInMemoryPool builds a SpannerPool around a factory function, used by
// tests to inject fakes without touching the process-wide singleton.
func NewInMemoryPool(factory func(ctx context.Context, options PoolOptions) (DatabaseClient, AdminClient, error)) SpannerPool {
	return &inMemoryPool{entries: make(map[string]*poolEntry), factory: factory}
}

func (p *inMemoryPool) Acquire(ctx context.Context, options PoolOptions, owner PoolOwner) (DatabaseClient, AdminClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := options.Database
	entry, ok := p.entries[key]
	if !ok {
		db, admin, err := p.factory(ctx, options)
		if err != nil {
			return nil, nil, err
		}
		entry = &poolEntry{db: db, admin: admin, refs: make(map[string]struct{})}
		p.entries[key] = entry
	}
	entry.refs[owner.OwnerID()] = struct{}{}
	return entry.db, entry.admin, nil
}

func (p *inMemoryPool) Release(options PoolOptions, owner PoolOwner) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := options.Database
	entry, ok := p.entries[key]
	if !ok {
		return
	}
	delete(entry.refs, owner.OwnerID())
	if len(entry.refs) == 0 {
		entry.db.Close()
		_ = entry.admin.Close()
		delete(p.entries, key)
	}
}

var (
	defaultPoolOnce sync.Once
	defaultPool     SpannerPool
)

// DefaultSpannerPool returns the process-wide SpannerPool used by
// production connections opened through database/sql.Open. Test code
// should build its own pool with NewInMemoryPool instead.
func DefaultSpannerPool() SpannerPool {
	defaultPoolOnce.Do(func() {
		defaultPool = NewInMemoryPool(newRealSpannerClients)
	})
	return defaultPool
}
