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
	adminapi "cloud.google.com/go/spanner/admin/database/apiv1"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"
	adminpb "google.golang.org/genproto/googleapis/spanner/admin/database/v1"
	sppb "google.golang.org/genproto/googleapis/spanner/v1"
)

// newRealSpannerClients is the SpannerPool factory used in production,
// DefaultSpannerPool. It builds the real *spanner.Client/*adminapi.DatabaseAdminClient
// pair for one database, the way the teacher's connector.initClient did.
func newRealSpannerClients(ctx context.Context, options PoolOptions) (DatabaseClient, AdminClient, error) {
	config := spanner.ClientConfig{SessionPoolConfig: spanner.DefaultSessionPoolConfig}
	if options.MinSessions > 0 {
		config.MinOpened = options.MinSessions
	}
	if options.MaxSessions > 0 {
		config.MaxOpened = options.MaxSessions
	}
	if options.WriteFraction > 0 {
		config.WriteSessions = options.WriteFraction
	}
	client, err := spanner.NewClientWithConfig(ctx, options.Database, config, options.ClientOptions...)
	if err != nil {
		return nil, nil, err
	}
	admin, err := adminapi.NewDatabaseAdminClient(ctx, options.ClientOptions...)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return &realDatabaseClient{client: client}, &realAdminClient{client: admin}, nil
}

// sqlTxHandle wraps whichever concrete Spanner transaction type the
// TxHandle refers to; exactly one of rwTx/roTx is set.
type sqlTxHandle struct {
	id       string
	readOnly bool
	rwTx     *spanner.ReadWriteStmtBasedTransaction
	roTx     *spanner.ReadOnlyTransaction
}

func (h *sqlTxHandle) ID() string { return h.id }

type realDatabaseClient struct {
	client *spanner.Client
}

func (r *realDatabaseClient) BeginTransaction(ctx context.Context, readOnly bool, staleness Staleness) (TxHandle, error) {
	id := uuid.NewString()
	if readOnly {
		ro := r.client.ReadOnlyTransaction()
		if staleness.Mode != StalenessStrong {
			ro = ro.WithTimestampBound(staleness.ToTimestampBound())
		}
		return &sqlTxHandle{id: id, readOnly: true, roTx: ro}, nil
	}
	tx, err := spanner.NewReadWriteStmtBasedTransaction(ctx, r.client)
	if err != nil {
		return nil, err
	}
	return &sqlTxHandle{id: id, rwTx: tx}, nil
}

func toSpannerQueryOptions(opts QueryOptions) spanner.QueryOptions {
	var qo spanner.QueryOptions
	if opts.OptimizerVersion != "" {
		qo.Options = &sppb.ExecuteSqlRequest_QueryOptions{OptimizerVersion: opts.OptimizerVersion}
	}
	switch opts.AnalyzeMode {
	case AnalyzeModePlan:
		mode := sppb.ExecuteSqlRequest_PLAN
		qo.Mode = &mode
	case AnalyzeModeProfile:
		mode := sppb.ExecuteSqlRequest_PROFILE
		qo.Mode = &mode
	}
	return qo
}

func (r *realDatabaseClient) ExecuteQuery(_ context.Context, tx TxHandle, stmt spanner.Statement, opts QueryOptions) (ResultSet, error) {
	h, ok := tx.(*sqlTxHandle)
	if !ok {
		return nil, errInvalidArgumentf("invalid transaction handle")
	}
	qo := toSpannerQueryOptions(opts)
	var it *spanner.RowIterator
	var tsFunc func() time.Time
	if h.readOnly {
		it = h.roTx.QueryWithOptions(context.Background(), stmt, qo)
		tsFunc = func() time.Time { ts, _ := h.roTx.Timestamp(); return ts }
	} else {
		it = h.rwTx.QueryWithOptions(context.Background(), stmt, qo)
	}
	return &spannerResultSet{it: it, tsFunc: tsFunc}, nil
}

func (r *realDatabaseClient) ExecuteUpdate(ctx context.Context, tx TxHandle, stmt spanner.Statement) (int64, error) {
	h, ok := tx.(*sqlTxHandle)
	if !ok || h.rwTx == nil {
		return 0, errInvalidArgumentf("update requires a read/write transaction handle")
	}
	return h.rwTx.Update(ctx, stmt)
}

func (r *realDatabaseClient) ExecuteBatchUpdate(ctx context.Context, tx TxHandle, stmts []spanner.Statement) ([]int64, error) {
	h, ok := tx.(*sqlTxHandle)
	if !ok || h.rwTx == nil {
		return nil, errInvalidArgumentf("batch update requires a read/write transaction handle")
	}
	return h.rwTx.BatchUpdate(ctx, stmts)
}

func (r *realDatabaseClient) Write(ctx context.Context, tx TxHandle, mutations []*spanner.Mutation) error {
	h, ok := tx.(*sqlTxHandle)
	if !ok || h.rwTx == nil {
		return errInvalidArgumentf("write requires a read/write transaction handle")
	}
	return h.rwTx.BufferWrite(mutations)
}

func (r *realDatabaseClient) Commit(ctx context.Context, tx TxHandle) (time.Time, error) {
	h, ok := tx.(*sqlTxHandle)
	if !ok || h.rwTx == nil {
		return time.Time{}, errInvalidArgumentf("commit requires a read/write transaction handle")
	}
	return h.rwTx.Commit(ctx)
}

func (r *realDatabaseClient) Rollback(ctx context.Context, tx TxHandle) error {
	h, ok := tx.(*sqlTxHandle)
	if !ok {
		return errInvalidArgumentf("invalid transaction handle")
	}
	if h.readOnly {
		h.roTx.Close()
		return nil
	}
	return h.rwTx.Rollback(ctx)
}

func (r *realDatabaseClient) SingleUseQuery(ctx context.Context, staleness spanner.TimestampBound, stmt spanner.Statement, opts QueryOptions) (ResultSet, error) {
	single := r.client.Single().WithTimestampBound(staleness)
	it := single.QueryWithOptions(ctx, stmt, toSpannerQueryOptions(opts))
	return &spannerResultSet{it: it, tsFunc: func() time.Time { ts, _ := single.Timestamp(); return ts }}, nil
}

func (r *realDatabaseClient) PartitionedUpdate(ctx context.Context, stmt spanner.Statement) (int64, error) {
	return r.client.PartitionedUpdate(ctx, stmt)
}

func (r *realDatabaseClient) Close() {
	r.client.Close()
}

type realAdminClient struct {
	client *adminapi.DatabaseAdminClient
}

func (a *realAdminClient) UpdateDatabaseDdl(ctx context.Context, database string, statements []string) error {
	op, err := a.client.UpdateDatabaseDdl(ctx, &adminpb.UpdateDatabaseDdlRequest{
		Database:   database,
		Statements: statements,
	})
	if err != nil {
		return err
	}
	return op.Wait(ctx)
}

func (a *realAdminClient) Close() error {
	return a.client.Close()
}

// spannerResultSet adapts *spanner.RowIterator to the ResultSet interface.
// Column values are surfaced as spanner.GenericColumnValue, leaving precise
// native-Go decoding to the database/sql layer that ultimately consumes
// them -- the same boundary the teacher's own rows type draws around
// *spanner.Row.
type spannerResultSet struct {
	it     *spanner.RowIterator
	row    *spanner.Row
	cols   []string
	err    error
	tsFunc func() time.Time
}

func (s *spannerResultSet) Next() bool {
	row, err := s.it.Next()
	if err != nil {
		if err != iterator.Done {
			s.err = err
		}
		return false
	}
	s.row = row
	if s.cols == nil {
		cols := make([]string, row.Size())
		for i := range cols {
			cols[i] = row.ColumnName(i)
		}
		s.cols = cols
	}
	return true
}

func (s *spannerResultSet) Values() ([]interface{}, error) {
	if s.row == nil {
		return nil, errFailedPreconditionf("no current row")
	}
	values := make([]interface{}, s.row.Size())
	for i := range values {
		var v spanner.GenericColumnValue
		if err := s.row.Column(i, &v); err != nil {
			return nil, err
		}
		values[i] = v
	}
	return values, nil
}

func (s *spannerResultSet) Columns() []string { return s.cols }
func (s *spannerResultSet) Err() error        { return s.err }
func (s *spannerResultSet) Stop()             { s.it.Stop() }

func (s *spannerResultSet) ReadTimestamp() time.Time {
	if s.tsFunc == nil {
		return time.Time{}
	}
	return s.tsFunc()
}
