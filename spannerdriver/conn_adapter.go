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
	"database/sql/driver"
	"sync/atomic"
	"time"

	"cloud.google.com/go/spanner"
)

// SpannerConn is the public escape hatch for the raw connection, reachable
// through (*sql.Conn).Raw. It exposes the batch/mode controls that plain
// database/sql has no vocabulary for, spec.md §3/§4.8.
type SpannerConn interface {
	StartBatchDDL() error
	StartBatchDML() error
	RunBatch(ctx context.Context) error
	AbortBatch() error
	InDDLBatch() bool
	InDMLBatch() bool

	RetryAbortsInternally() bool
	SetRetryAbortsInternally(retry bool) error

	AutocommitDMLMode() AutocommitDMLMode
	SetAutocommitDMLMode(mode AutocommitDMLMode) error

	// ReadOnlyStaleness/SetReadOnlyStaleness use this package's own
	// Staleness type rather than spanner.TimestampBound, which does not
	// expose which bound it holds -- a deliberate departure from the
	// upstream driver needed so the mode invariants in spec.md §3 can be
	// enforced.
	ReadOnlyStaleness() Staleness
	SetReadOnlyStaleness(staleness Staleness) error

	Apply(ctx context.Context, ms []*spanner.Mutation) (commitTimestamp time.Time, err error)
	BufferWrite(ms []*spanner.Mutation) error

	CommitTimestamp() (commitTimestamp time.Time, err error)
}

var _ SpannerConn = &conn{}

// conn is the database/sql driver.Conn implementation; it is a thin
// adapter over ConnectionController (C9), which holds all the actual
// state-machine logic.
type conn struct {
	controller *ConnectionController
	connector  *connector
}

func (c *conn) Prepare(query string) (driver.Stmt, error) {
	return c.PrepareContext(context.Background(), query)
}

func (c *conn) PrepareContext(_ context.Context, query string) (driver.Stmt, error) {
	names, err := parseNamedParameters(query)
	if err != nil {
		return nil, err
	}
	return &stmt{conn: c, query: query, numArgs: len(names)}, nil
}

func (c *conn) Close() error {
	if err := c.controller.Close(); err != nil {
		return err
	}
	if c.connector == nil {
		return nil
	}
	if count := atomic.AddInt32(&c.connector.connCount, -1); count > 0 {
		return nil
	}
	c.connector.driver.mu.Lock()
	delete(c.connector.driver.connectors, c.connector.dsn)
	c.connector.driver.mu.Unlock()
	return nil
}

func (c *conn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *conn) BeginTx(_ context.Context, opts driver.TxOptions) (driver.Tx, error) {
	qualifier := ""
	if opts.ReadOnly {
		qualifier = "READ ONLY"
	}
	if err := c.controller.beginTransaction(qualifier); err != nil {
		return nil, err
	}
	return &tx{controller: c.controller}, nil
}

func (c *conn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	stmt, err := prepareSpannerStmt(query, args)
	if err != nil {
		return nil, err
	}
	res, err := c.controller.Execute(ctx, stmt, QueryOptions{})
	if err != nil {
		return nil, err
	}
	switch res.Kind {
	case StatementResultQuery:
		return &rows{rs: res.ResultSet}, nil
	case StatementResultRows:
		return &staticRows{columns: res.Columns, row: res.Row}, nil
	default:
		return emptyRows{}, nil
	}
}

func (c *conn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	stmt, err := prepareSpannerStmt(query, args)
	if err != nil {
		return nil, err
	}
	res, err := c.controller.Execute(ctx, stmt, QueryOptions{})
	if err != nil {
		return nil, err
	}
	switch res.Kind {
	case StatementResultUpdateCount:
		return &result{rowsAffected: res.RowsAffected}, nil
	case StatementResultBatchCounts:
		return &result{rowsAffected: sumCounts(res.BatchCounts)}, nil
	default:
		return driver.ResultNoRows, nil
	}
}

func sumCounts(counts []int64) int64 {
	var total int64
	for _, c := range counts {
		total += c
	}
	return total
}

// Ping implements driver.Pinger.
func (c *conn) Ping(ctx context.Context) error {
	if c.controller.IsClosed() {
		return driver.ErrBadConn
	}
	res, err := c.controller.Execute(ctx, spanner.NewStatement("SELECT 1"), QueryOptions{})
	if err != nil || res.ResultSet == nil {
		return driver.ErrBadConn
	}
	defer res.ResultSet.Stop()
	if !res.ResultSet.Next() {
		return driver.ErrBadConn
	}
	values, err := res.ResultSet.Values()
	if err != nil || len(values) != 1 {
		return driver.ErrBadConn
	}
	var one int64
	switch v := values[0].(type) {
	case int64:
		one = v
	case spanner.GenericColumnValue:
		if err := v.Decode(&one); err != nil {
			return driver.ErrBadConn
		}
	}
	if one != 1 {
		return driver.ErrBadConn
	}
	return nil
}

// ResetSession implements driver.SessionResetter.
func (c *conn) ResetSession(context.Context) error {
	if c.controller.IsClosed() {
		return driver.ErrBadConn
	}
	if err := c.controller.resetForPooling(); err != nil {
		return driver.ErrBadConn
	}
	return nil
}

// IsValid implements driver.Validator.
func (c *conn) IsValid() bool {
	return !c.controller.IsClosed()
}

// CheckNamedValue implements driver.NamedValueChecker.
func (c *conn) CheckNamedValue(value *driver.NamedValue) error {
	return CheckNamedValue(value)
}

func (c *conn) StartBatchDDL() error { return c.controller.startBatchDdl() }
func (c *conn) StartBatchDML() error { return c.controller.startBatchDml() }
func (c *conn) RunBatch(context.Context) error { return c.controller.runBatch() }
func (c *conn) AbortBatch() error    { return c.controller.abortBatch() }
func (c *conn) InDDLBatch() bool     { return c.controller.InDDLBatch() }
func (c *conn) InDMLBatch() bool     { return c.controller.InDMLBatch() }

func (c *conn) RetryAbortsInternally() bool          { return c.controller.getRetryAbortsInternally() }
func (c *conn) SetRetryAbortsInternally(v bool) error { return c.controller.setRetryAbortsInternally(v) }

func (c *conn) AutocommitDMLMode() AutocommitDMLMode { return c.controller.getAutocommitDMLMode() }
func (c *conn) SetAutocommitDMLMode(mode AutocommitDMLMode) error {
	return c.controller.setAutocommitDMLMode(mode)
}

func (c *conn) ReadOnlyStaleness() Staleness { return c.controller.getReadOnlyStaleness() }
func (c *conn) SetReadOnlyStaleness(s Staleness) error {
	return c.controller.setReadOnlyStaleness(s)
}

func (c *conn) Apply(ctx context.Context, ms []*spanner.Mutation) (time.Time, error) {
	return c.controller.Apply(ctx, ms)
}

func (c *conn) BufferWrite(ms []*spanner.Mutation) error {
	return c.controller.BufferWrite(ms)
}

func (c *conn) CommitTimestamp() (time.Time, error) {
	ts, ok := c.controller.CommitTimestamp()
	if !ok {
		return time.Time{}, errFailedPreconditionf("this connection has not executed a read/write transaction that committed successfully")
	}
	return ts, nil
}

// tx adapts the controller's explicit-transaction control to driver.Tx.
type tx struct {
	controller *ConnectionController
}

func (t *tx) Commit() error   { return t.controller.commit() }
func (t *tx) Rollback() error { return t.controller.rollback() }
