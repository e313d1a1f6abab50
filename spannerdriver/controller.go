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
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ConnectionController is C9: the per-connection state machine that owns
// every mode flag from spec.md §3, dispatches parsed statements to the
// right UnitOfWork, and manages the batch/transaction lifecycle. It is the
// thing database/sql's conn.go wraps.
type ConnectionController struct {
	mu sync.Mutex

	id       string
	database string
	db       DatabaseClient
	admin    AdminClient
	pool     SpannerPool
	poolOpts PoolOptions
	executor *StatementExecutor
	parser   Parser
	client   *ClientStatementExecutor
	logger   *zerolog.Logger
	leak     *leakTrace
	closed   bool

	// Mode flags, spec.md §3.
	autocommit             bool
	readOnly               bool
	autocommitDMLMode      AutocommitDMLMode
	readOnlyStaleness      Staleness
	statementTimeout       time.Duration
	retryAbortsInternally  bool
	queryOptions           QueryOptions
	retryListeners         []TransactionRetryListener

	batchMode BatchMode
	// tx is the current explicit transaction or batch; nil means the
	// connection is idle in plain autocommit, spec.md §3
	// "currentUnitOfWork"/"transactionStack".
	tx UnitOfWork
	// transactionBeginMarked is true once BEGIN has run but before the first
	// real statement builds the physical unit of work (tx stays nil until
	// then), spec.md §3.
	transactionBeginMarked bool
	// txReadOnly is the read-only/read-write qualifier BEGIN recorded,
	// consulted by ensureUnitOfWork when it lazily builds tx.
	txReadOnly bool
	// inTransaction is meaningful only in autocommit mode: true while an
	// explicitly-begun transaction is running, spec.md §3.
	inTransaction bool
	// dmlBatchImplicitHost is true when startBatchDml built its own
	// transient read/write transaction host because none existed; runBatch/
	// abortBatch then commit/roll it back immediately instead of leaving it
	// current, mirroring autocommit's single-statement-per-transaction
	// semantics.
	dmlBatchImplicitHost bool

	lastReadTimestamp   time.Time
	hasLastReadTS       bool
	lastCommitTimestamp time.Time
	hasLastCommitTS     bool
}

// ControllerOptions seeds a ConnectionController's initial mode, mirroring
// the DSN-derived defaults the teacher's connector builds, spec.md §3.
type ControllerOptions struct {
	Database              string
	ReadOnly              bool
	AutocommitDMLMode     AutocommitDMLMode
	RetryAbortsInternally bool
	StatementTimeout      time.Duration
	QueryOptions          QueryOptions
	Logger                *zerolog.Logger
}

// NewConnectionController acquires a DatabaseClient/AdminClient pair from
// pool and builds a ready-to-use controller in autocommit/strong-read mode.
func NewConnectionController(ctx context.Context, pool SpannerPool, poolOpts PoolOptions, parser Parser, opts ControllerOptions) (*ConnectionController, error) {
	if parser == nil {
		parser = defaultParser{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = &nopLogger
	}
	c := &ConnectionController{
		id:                    uuid.NewString(),
		database:              opts.Database,
		pool:                  pool,
		poolOpts:              poolOpts,
		parser:                parser,
		logger:                logger,
		autocommit:            true,
		readOnly:              opts.ReadOnly,
		autocommitDMLMode:     opts.AutocommitDMLMode,
		readOnlyStaleness:     StrongStaleness(),
		statementTimeout:      opts.StatementTimeout,
		retryAbortsInternally: opts.RetryAbortsInternally,
		queryOptions:          opts.QueryOptions,
	}
	db, admin, err := pool.Acquire(ctx, poolOpts, c)
	if err != nil {
		return nil, err
	}
	c.db, c.admin = db, admin
	c.executor = NewStatementExecutor(logger)
	c.client = NewClientStatementExecutor(c)
	c.leak = captureLeakTrace(1)
	registerLeakFinalizer(c)
	return c, nil
}

func (c *ConnectionController) OwnerID() string { return c.id }

// --- clientSideTarget: mode setters/getters driven by ClientStatementExecutor ---

// checkModeSetterPrecondition enforces spec.md §4.1's uniform rule for mode
// setters: not while a batch is active, not while a BEGIN is pending
// (transactionBeginMarked), and not once a transaction has actually
// started. Callers must hold c.mu.
func (c *ConnectionController) checkModeSetterPrecondition() error {
	if c.batchMode != BatchModeNone {
		return errFailedPreconditionf("cannot change connection state while a batch is active")
	}
	if c.transactionBeginMarked {
		return errFailedPreconditionf("cannot change connection state while a transaction is pending (BEGIN issued, no statement executed yet)")
	}
	if c.tx != nil && c.tx.IsActive() {
		return errFailedPreconditionf("cannot change connection state while a transaction has started")
	}
	return nil
}

func (c *ConnectionController) setAutocommit(v bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkModeSetterPrecondition(); err != nil {
		return err
	}
	c.autocommit = v
	if !v && c.readOnlyStaleness.autocommitOnly() {
		// MAX_STALENESS/MIN_READ_TIMESTAMP are only valid in autocommit
		// mode; leaving autocommit resets to STRONG without an error (but
		// with a diagnostic log entry) rather than leaving the connection
		// stuck unable to read.
		c.logger.Warn().
			Str("component", "ConnectionController").
			Msg("leaving autocommit reset an autocommit-only read-only staleness to STRONG")
		c.readOnlyStaleness = StrongStaleness()
	}
	return nil
}

func (c *ConnectionController) isAutocommit() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.autocommit
}

func (c *ConnectionController) setReadOnly(v bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkModeSetterPrecondition(); err != nil {
		return err
	}
	c.readOnly = v
	return nil
}

func (c *ConnectionController) isReadOnly() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readOnly
}

func (c *ConnectionController) setAutocommitDMLMode(m AutocommitDMLMode) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkModeSetterPrecondition(); err != nil {
		return err
	}
	if !c.autocommit || c.inTransaction || c.readOnly {
		return errFailedPreconditionf("autocommit DML mode only applies in autocommit mode, outside a transaction, and not read-only")
	}
	c.autocommitDMLMode = m
	return nil
}

func (c *ConnectionController) getAutocommitDMLMode() AutocommitDMLMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.autocommitDMLMode
}

// setReadOnlyStaleness enforces spec.md §3's "MAX_STALENESS and
// MIN_READ_TIMESTAMP are valid only in autocommit, outside a transaction".
func (c *ConnectionController) setReadOnlyStaleness(s Staleness) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkModeSetterPrecondition(); err != nil {
		return err
	}
	if s.autocommitOnly() && !c.autocommit {
		return errFailedPreconditionf("this staleness mode is valid only in autocommit mode, outside a transaction")
	}
	c.readOnlyStaleness = s
	return nil
}

func (c *ConnectionController) getReadOnlyStaleness() Staleness {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readOnlyStaleness
}

func (c *ConnectionController) setStatementTimeout(d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkModeSetterPrecondition(); err != nil {
		return err
	}
	c.statementTimeout = d
	return nil
}

func (c *ConnectionController) clearStatementTimeout() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkModeSetterPrecondition(); err != nil {
		return err
	}
	c.statementTimeout = 0
	return nil
}

func (c *ConnectionController) getStatementTimeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statementTimeout
}

func (c *ConnectionController) setRetryAbortsInternally(v bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkModeSetterPrecondition(); err != nil {
		return err
	}
	c.retryAbortsInternally = v
	return nil
}

func (c *ConnectionController) getRetryAbortsInternally() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retryAbortsInternally
}

func (c *ConnectionController) setOptimizerVersion(v string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkModeSetterPrecondition(); err != nil {
		return err
	}
	c.queryOptions.OptimizerVersion = v
	return nil
}

func (c *ConnectionController) getOptimizerVersion() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queryOptions.OptimizerVersion
}

// AddRetryListener registers an observer of C5's internal abort-replay,
// spec.md §3 "transactionRetryListeners".
func (c *ConnectionController) AddRetryListener(l TransactionRetryListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retryListeners = append(c.retryListeners, l)
}

// beginTransaction is BEGIN [READ ONLY|READ WRITE], spec.md §4.8. qualifier
// is "", "READ ONLY" or "READ WRITE"; empty means fall back to the
// connection's readOnly mode. It only records that a transaction has been
// requested (transactionBeginMarked); the physical unit of work is built
// lazily by ensureUnitOfWork on the first statement that actually runs, so
// isTransactionStarted can distinguish "BEGIN issued" from "a statement has
// executed", spec.md §3/§4.1.
func (c *ConnectionController) beginTransaction(qualifier string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.batchMode != BatchModeNone {
		return errFailedPreconditionf("cannot begin a transaction while a batch is active")
	}
	if c.tx != nil && c.tx.IsActive() {
		return errFailedPreconditionf("a transaction is already active")
	}
	if c.transactionBeginMarked {
		return errFailedPreconditionf("a transaction has already been started with BEGIN")
	}
	readOnly := c.readOnly
	switch qualifier {
	case "READ ONLY":
		readOnly = true
	case "READ WRITE":
		readOnly = false
	}
	c.txReadOnly = readOnly
	c.transactionBeginMarked = true
	if c.autocommit {
		c.inTransaction = true
	}
	return nil
}

func (c *ConnectionController) commit() error {
	return c.endCurrentTransaction(context.Background(), true)
}

func (c *ConnectionController) rollback() error {
	return c.endCurrentTransaction(context.Background(), false)
}

// isInTransactionLocked reports whether the connection is conceptually
// inside a transaction scope that a commit/rollback can end, spec.md §4.1's
// isInTransaction observer. Callers must hold c.mu.
func (c *ConnectionController) isInTransactionLocked() bool {
	if !c.autocommit {
		return true
	}
	return c.inTransaction || c.transactionBeginMarked
}

// endCurrentTransaction implements commit/rollback, spec.md §4.1: if the
// transaction has actually started (tx built and has run a statement),
// delegate to it; otherwise there is nothing to commit and it succeeds
// immediately. transactionBeginMarked/inTransaction are always cleared.
func (c *ConnectionController) endCurrentTransaction(ctx context.Context, commit bool) error {
	c.mu.Lock()
	if c.batchMode != BatchModeNone {
		c.mu.Unlock()
		return errFailedPreconditionf("cannot %s while a batch is active", commitOrRollback(commit))
	}
	if !c.isInTransactionLocked() {
		c.mu.Unlock()
		return errFailedPreconditionf("there is no transaction to %s", commitOrRollback(commit))
	}
	tx := c.tx
	c.mu.Unlock()

	var res AsyncResult
	if tx != nil {
		if commit {
			res = await(ctx, tx.CommitAsync(ctx))
		} else {
			res = await(ctx, tx.RollbackAsync(ctx))
		}
	}

	c.mu.Lock()
	if tx != nil {
		if ts, ok := tx.GetCommitTimestamp(); ok {
			c.lastCommitTimestamp, c.hasLastCommitTS = ts, true
		}
	}
	c.tx = nil
	c.transactionBeginMarked = false
	c.inTransaction = false
	c.mu.Unlock()
	return res.Err
}

func commitOrRollback(commit bool) string {
	if commit {
		return "commit"
	}
	return "rollback"
}

// startBatchDdl is START BATCH DDL, spec.md §4.6/§4.1: requires no batch
// already active, no transaction started or pending, and DDL batches don't
// run inside an explicit transaction at all.
func (c *ConnectionController) startBatchDdl() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.batchMode != BatchModeNone {
		return errFailedPreconditionf("a batch is already active")
	}
	if c.transactionBeginMarked || (c.tx != nil && c.tx.IsActive()) {
		return errFailedPreconditionf("cannot start a DDL batch while a transaction is active")
	}
	c.batchMode = BatchModeDDL
	c.tx = NewDdlBatch(c.admin, c.database, c.executor, c.statementTimeout)
	return nil
}

// startBatchDml is START BATCH DML, spec.md §4.6/§4.1: requires no batch
// already active and no active read-only transaction/connection (DML is
// never legal there). Ensures a host unit of work exists, building a fresh
// read/write transaction when the connection was idle in autocommit, so the
// batch always has something to submit its statements against, spec.md:100.
func (c *ConnectionController) startBatchDml() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.batchMode != BatchModeNone {
		return errFailedPreconditionf("a batch is already active")
	}
	if c.readOnly || (c.tx != nil && c.tx.Type() == UowTypeReadOnlyTx) || (c.transactionBeginMarked && c.txReadOnly) {
		return errFailedPreconditionf("cannot start a DML batch on a read-only connection or transaction")
	}
	host := c.tx
	c.dmlBatchImplicitHost = false
	if c.transactionBeginMarked && host == nil {
		host = NewReadWriteTransaction(c.db, c.executor, c.statementTimeout, c.retryAbortsInternally, c.retryListeners)
		c.transactionBeginMarked = false
	} else if host == nil {
		host = NewReadWriteTransaction(c.db, c.executor, c.statementTimeout, c.retryAbortsInternally, c.retryListeners)
		c.dmlBatchImplicitHost = true
	}
	c.batchMode = BatchModeDML
	c.tx = NewDmlBatch(host)
	return nil
}

// runBatch is RUN BATCH, spec.md §4.6: it submits the queued statements and,
// whether it succeeds or fails, restores the shadowed host unit of work (if
// any) as current. When startBatchDml built its own transient host (no
// prior BEGIN), that host is committed/rolled back immediately afterward
// instead of being left open, since the caller never asked for an explicit
// transaction.
func (c *ConnectionController) runBatch() error {
	c.mu.Lock()
	batch := c.tx
	mode := c.batchMode
	implicitHost := c.dmlBatchImplicitHost
	c.mu.Unlock()
	if mode == BatchModeNone || batch == nil {
		return errFailedPreconditionf("there is no batch to run")
	}
	res := await(context.Background(), batch.RunBatchAsync(context.Background()))

	c.mu.Lock()
	c.batchMode = BatchModeNone
	c.dmlBatchImplicitHost = false
	var host UnitOfWork
	if dml, ok := batch.(*DmlBatch); ok {
		host = dml.Host()
	}
	c.mu.Unlock()

	if implicitHost {
		return c.finishImplicitBatchHost(host, res)
	}
	c.mu.Lock()
	c.tx = host
	c.mu.Unlock()
	return res.Err
}

// finishImplicitBatchHost closes a transient read/write transaction that
// startBatchDml created on the caller's behalf, instead of leaving it
// current on the connection.
func (c *ConnectionController) finishImplicitBatchHost(host UnitOfWork, batchRes AsyncResult) error {
	c.mu.Lock()
	c.tx = nil
	c.mu.Unlock()
	if host == nil {
		return batchRes.Err
	}
	if batchRes.Err != nil {
		await(context.Background(), host.RollbackAsync(context.Background()))
		return batchRes.Err
	}
	commitRes := await(context.Background(), host.CommitAsync(context.Background()))
	if ts, ok := host.GetCommitTimestamp(); ok {
		c.mu.Lock()
		c.lastCommitTimestamp, c.hasLastCommitTS = ts, true
		c.mu.Unlock()
	}
	return commitRes.Err
}

// abortBatch is ABORT BATCH, spec.md §4.6.
func (c *ConnectionController) abortBatch() error {
	c.mu.Lock()
	batch := c.tx
	mode := c.batchMode
	implicitHost := c.dmlBatchImplicitHost
	c.mu.Unlock()
	if mode == BatchModeNone || batch == nil {
		return errFailedPreconditionf("there is no batch to abort")
	}
	err := batch.AbortBatch()

	c.mu.Lock()
	c.batchMode = BatchModeNone
	c.dmlBatchImplicitHost = false
	var host UnitOfWork
	if dml, ok := batch.(*DmlBatch); ok {
		host = dml.Host()
	}
	c.mu.Unlock()

	if implicitHost {
		c.mu.Lock()
		c.tx = nil
		c.mu.Unlock()
		if host != nil {
			await(context.Background(), host.RollbackAsync(context.Background()))
		}
		return err
	}
	c.mu.Lock()
	c.tx = host
	c.mu.Unlock()
	return err
}

// InDDLBatch/InDMLBatch mirror the teacher's SpannerConn introspection.
func (c *ConnectionController) InDDLBatch() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.batchMode == BatchModeDDL
}

func (c *ConnectionController) InDMLBatch() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.batchMode == BatchModeDML
}

// IsDdlBatchActive/IsDmlBatchActive are the spec.md §4.1 observer names for
// InDDLBatch/InDMLBatch.
func (c *ConnectionController) IsDdlBatchActive() bool { return c.InDDLBatch() }
func (c *ConnectionController) IsDmlBatchActive() bool { return c.InDMLBatch() }

// IsInTransaction reports whether the connection is conceptually inside a
// transaction scope, spec.md §4.1: always true outside autocommit, and true
// in autocommit only between BEGIN and the matching COMMIT/ROLLBACK.
func (c *ConnectionController) IsInTransaction() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isInTransactionLocked()
}

// IsTransactionStarted reports whether the current explicit transaction has
// actually run a statement yet, spec.md §4.1: false right after BEGIN, true
// once the first real statement has built the physical unit of work.
func (c *ConnectionController) IsTransactionStarted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tx != nil && c.tx.GetState() != UowNew
}

// ensureUnitOfWork resolves which UnitOfWork a statement of the given kind
// runs against, spec.md §4.1. Callers must hold c.mu. When BEGIN has marked
// a transaction pending but no statement has run yet, or when the connection
// is outside autocommit and has no current transaction, this is where the
// physical ReadOnlyTransaction/ReadWriteTransaction is actually built. Only
// autocommit outside a transaction gets a single-use transaction.
func (c *ConnectionController) ensureUnitOfWork(kind StatementKind) (UnitOfWork, bool, error) {
	if c.batchMode == BatchModeDDL {
		if kind != StatementKindDDL {
			return nil, false, errFailedPreconditionf("only DDL statements are allowed while a DDL batch is active")
		}
		return c.tx, false, nil
	}
	if c.batchMode == BatchModeDML {
		if kind != StatementKindUpdate {
			return nil, false, errFailedPreconditionf("only DML statements are allowed while a DML batch is active")
		}
		return c.tx, false, nil
	}
	if c.transactionBeginMarked && c.tx == nil {
		if kind == StatementKindDDL {
			return nil, false, errFailedPreconditionf("DDL statements are not allowed inside a transaction")
		}
		if c.txReadOnly {
			c.tx = NewReadOnlyTransaction(c.db, c.executor, c.readOnlyStaleness, c.statementTimeout)
		} else {
			c.tx = NewReadWriteTransaction(c.db, c.executor, c.statementTimeout, c.retryAbortsInternally, c.retryListeners)
		}
		c.transactionBeginMarked = false
		return c.tx, false, nil
	}
	if c.tx != nil {
		if c.tx.IsActive() {
			if kind == StatementKindDDL {
				return nil, false, errFailedPreconditionf("DDL statements are not allowed inside a transaction")
			}
			return c.tx, false, nil
		}
		// A terminal (committed/rolled back/aborted) explicit transaction
		// that the caller has not yet cleared with COMMIT/ROLLBACK; treat
		// the connection as idle.
		c.tx = nil
	}
	if !c.autocommit {
		if kind == StatementKindDDL {
			return nil, false, errFailedPreconditionf("DDL statements are not allowed inside a transaction")
		}
		if c.readOnly {
			c.tx = NewReadOnlyTransaction(c.db, c.executor, c.readOnlyStaleness, c.statementTimeout)
		} else {
			c.tx = NewReadWriteTransaction(c.db, c.executor, c.statementTimeout, c.retryAbortsInternally, c.retryListeners)
		}
		return c.tx, false, nil
	}
	uow := NewSingleUseTransaction(c.db, c.admin, c.database, c.executor, c.readOnly, c.readOnlyStaleness, c.autocommitDMLMode, c.statementTimeout)
	return uow, true, nil
}

// Execute is the single dispatch entry point described in spec.md §4.1: it
// classifies stmt.SQL, routes CLIENT_SIDE statements to C8, and routes
// everything else through ensureUnitOfWork to the right UnitOfWork. It
// accepts any statement kind, the way database/sql's untyped QueryContext/
// ExecContext call it without knowing ahead of time what stmt.SQL contains.
func (c *ConnectionController) Execute(ctx context.Context, stmt spanner.Statement, opts QueryOptions) (StatementResult, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return StatementResult{}, errClosed()
	}
	parsed, err := c.parser.Parse(stmt.SQL, opts)
	if err != nil {
		c.mu.Unlock()
		return StatementResult{}, err
	}
	if parsed.Kind == StatementKindClientSide {
		client := c.client
		c.mu.Unlock()
		return client.Execute(parsed.Directive)
	}
	if parsed.Kind == StatementKindUnknown {
		c.mu.Unlock()
		return StatementResult{}, errInvalidArgumentf("unrecognized statement: %s", stmt.SQL)
	}
	c.mu.Unlock()
	return c.dispatch(ctx, parsed, stmt, AnalyzeModeNone, opts)
}

// ExecuteQuery is spec.md §4.1's executeQuery: like Execute, but verifies
// the parsed statement is actually a QUERY, failing InvalidArgument on a
// mismatch instead of silently running it as whatever it classified as.
func (c *ConnectionController) ExecuteQuery(ctx context.Context, stmt spanner.Statement, opts QueryOptions) (StatementResult, error) {
	return c.executeTyped(ctx, stmt, AnalyzeModeNone, opts, StatementKindQuery)
}

// AnalyzeQuery is spec.md §4.1's analyzeQuery: executeQuery with a PLAN or
// PROFILE analyze mode instead of actually fetching rows for their own sake.
func (c *ConnectionController) AnalyzeQuery(ctx context.Context, stmt spanner.Statement, mode AnalyzeMode, opts QueryOptions) (StatementResult, error) {
	if mode == AnalyzeModeNone {
		return StatementResult{}, errInvalidArgumentf("analyzeQuery requires a PLAN or PROFILE mode")
	}
	return c.executeTyped(ctx, stmt, mode, opts, StatementKindQuery)
}

// ExecuteUpdate is spec.md §4.1's executeUpdate: like Execute, but verifies
// the parsed statement is actually an UPDATE.
func (c *ConnectionController) ExecuteUpdate(ctx context.Context, stmt spanner.Statement) (int64, error) {
	res, err := c.executeTyped(ctx, stmt, AnalyzeModeNone, QueryOptions{}, StatementKindUpdate)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected, nil
}

func statementKindName(k StatementKind) string {
	switch k {
	case StatementKindQuery:
		return "a query"
	case StatementKindUpdate:
		return "an update"
	case StatementKindDDL:
		return "a DDL statement"
	case StatementKindClientSide:
		return "a client-side statement"
	default:
		return "unrecognized"
	}
}

// executeTyped parses stmt and requires its kind to match want before
// dispatching, spec.md:82.
func (c *ConnectionController) executeTyped(ctx context.Context, stmt spanner.Statement, mode AnalyzeMode, opts QueryOptions, want StatementKind) (StatementResult, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return StatementResult{}, errClosed()
	}
	parsed, err := c.parser.Parse(stmt.SQL, opts)
	if err != nil {
		c.mu.Unlock()
		return StatementResult{}, err
	}
	if parsed.Kind != want {
		c.mu.Unlock()
		return StatementResult{}, errInvalidArgumentf("statement is not %s: %s", statementKindName(want), stmt.SQL)
	}
	c.mu.Unlock()
	return c.dispatch(ctx, parsed, stmt, mode, opts)
}

// dispatch resolves a unit of work for parsed.Kind and runs stmt against it,
// spec.md §4.1's ensureUnitOfWork -> execute -> observe sequence.
func (c *ConnectionController) dispatch(ctx context.Context, parsed ParsedStatement, stmt spanner.Statement, analyzeMode AnalyzeMode, opts QueryOptions) (StatementResult, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return StatementResult{}, errClosed()
	}
	uow, singleUse, err := c.ensureUnitOfWork(parsed.Kind)
	if err != nil {
		c.mu.Unlock()
		return StatementResult{}, err
	}
	if singleUse {
		c.tx = uow
	}
	mergedOpts := opts.merge(c.queryOptions)
	c.mu.Unlock()

	var res AsyncResult
	switch parsed.Kind {
	case StatementKindQuery:
		res = await(ctx, uow.ExecuteQueryAsync(ctx, parsed, stmt, analyzeMode, mergedOpts))
	case StatementKindUpdate:
		res = await(ctx, uow.ExecuteUpdateAsync(ctx, stmt))
	case StatementKindDDL:
		res = await(ctx, uow.ExecuteDdlAsync(ctx, []spanner.Statement{stmt}))
	}

	c.mu.Lock()
	if singleUse {
		// A single-use transaction always terminates after its one
		// statement; leave the connection idle for the next one.
		if c.tx == uow {
			c.tx = nil
		}
	}
	if ts, ok := uow.GetReadTimestamp(); ok {
		c.lastReadTimestamp, c.hasLastReadTS = ts, true
	}
	if ts, ok := uow.GetCommitTimestamp(); ok {
		c.lastCommitTimestamp, c.hasLastCommitTS = ts, true
	}
	c.mu.Unlock()

	if res.Err != nil {
		return StatementResult{}, res.Err
	}
	switch parsed.Kind {
	case StatementKindQuery:
		return StatementResult{Kind: StatementResultQuery, ResultSet: res.ResultSet}, nil
	case StatementKindUpdate:
		return StatementResult{Kind: StatementResultUpdateCount, RowsAffected: res.RowsAffected}, nil
	default:
		return StatementResult{Kind: StatementResultNone}, nil
	}
}

// ExecuteBatchUpdate runs a list of DML statements in one round trip, as an
// explicit BatchExecStatement-style call. RUN BATCH does not use it: runBatch
// submits a DmlBatch through its host's ExecuteBatchUpdateAsync. spec.md:83,215:
// every statement is parsed and classified first, and the whole batch is
// rejected with InvalidArgument -- with nothing executed -- if any of them
// is not an UPDATE.
func (c *ConnectionController) ExecuteBatchUpdate(ctx context.Context, stmts []spanner.Statement) ([]int64, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errClosed()
	}
	parser := c.parser
	defaultOpts := c.queryOptions
	c.mu.Unlock()

	for i, stmt := range stmts {
		parsed, err := parser.Parse(stmt.SQL, defaultOpts)
		if err != nil {
			return nil, err
		}
		if parsed.Kind != StatementKindUpdate {
			return nil, errInvalidArgumentf("statement %d of the batch is not an UPDATE: %s", i, stmt.SQL)
		}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errClosed()
	}
	uow, singleUse, err := c.ensureUnitOfWork(StatementKindUpdate)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if singleUse {
		c.tx = uow
	}
	c.mu.Unlock()

	res := await(ctx, uow.ExecuteBatchUpdateAsync(ctx, stmts))

	c.mu.Lock()
	if singleUse && c.tx == uow {
		c.tx = nil
	}
	if ts, ok := uow.GetCommitTimestamp(); ok {
		c.lastCommitTimestamp, c.hasLastCommitTS = ts, true
	}
	c.mu.Unlock()

	return res.BatchCounts, res.Err
}

// CommitTimestamp/ReadTimestamp expose the last unit of work's observed
// timestamps, mirroring the teacher's SpannerConn.CommitTimestamp.
func (c *ConnectionController) CommitTimestamp() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastCommitTimestamp, c.hasLastCommitTS
}

func (c *ConnectionController) ReadTimestamp() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastReadTimestamp, c.hasLastReadTS
}

// Apply writes mutations outside of an explicit transaction, spec.md §4.3.
// It is only valid while the connection is idle (autocommit, no open
// transaction); BufferWrite is the equivalent inside a read/write
// transaction.
func (c *ConnectionController) Apply(ctx context.Context, mutations []*spanner.Mutation) (time.Time, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return time.Time{}, errClosed()
	}
	if c.isInTransactionLocked() || (c.tx != nil && c.tx.IsActive()) {
		c.mu.Unlock()
		return time.Time{}, errFailedPreconditionf("Apply may not be called while the connection is in a transaction; use BufferWrite")
	}
	uow := NewSingleUseTransaction(c.db, c.admin, c.database, c.executor, false, Staleness{}, c.autocommitDMLMode, c.statementTimeout)
	c.tx = uow
	c.mu.Unlock()

	res := await(ctx, uow.WriteAsync(ctx, mutations))

	c.mu.Lock()
	if c.tx == uow {
		c.tx = nil
	}
	if ts, ok := uow.GetCommitTimestamp(); ok {
		c.lastCommitTimestamp, c.hasLastCommitTS = ts, true
	}
	c.mu.Unlock()

	if res.Err != nil {
		return time.Time{}, res.Err
	}
	return c.lastCommitTimestamp, nil
}

// BufferWrite buffers mutations on the current read/write transaction,
// spec.md §4.5. It does not apply outside of a transaction; use Apply.
func (c *ConnectionController) BufferWrite(mutations []*spanner.Mutation) error {
	c.mu.Lock()
	tx := c.tx
	c.mu.Unlock()
	if tx == nil || tx.Type() != UowTypeReadWriteTx {
		return errFailedPreconditionf("BufferWrite may only be called while in a read/write transaction; use Apply")
	}
	res := await(context.Background(), tx.WriteAsync(context.Background(), mutations))
	return res.Err
}

// IsClosed reports whether Close has already run.
func (c *ConnectionController) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// resetForPooling restores connection-scoped mode to its defaults, mirroring
// the teacher's conn.ResetSession, spec.md §4.9.
func (c *ConnectionController) resetForPooling() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tx != nil && c.tx.IsActive() {
		res := await(context.Background(), c.tx.RollbackAsync(context.Background()))
		if res.Err != nil {
			return res.Err
		}
	}
	c.tx = nil
	c.batchMode = BatchModeNone
	c.autocommit = true
	c.autocommitDMLMode = Transactional
	c.readOnlyStaleness = StrongStaleness()
	c.retryAbortsInternally = true
	c.hasLastCommitTS = false
	c.hasLastReadTS = false
	return nil
}

// Cancel interrupts whatever statement is currently executing, spec.md §5.
func (c *ConnectionController) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tx != nil {
		c.tx.Cancel()
	} else {
		c.executor.Cancel()
	}
}

// Close is idempotent: it attempts a best-effort rollback of any open
// transaction on the executor's fire-and-forget pool, waits at most 10
// seconds for that rollback, then releases this connection's reference on
// the shared pool, spec.md §4.9.
func (c *ConnectionController) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	tx := c.tx
	c.tx = nil
	c.mu.Unlock()

	if tx != nil && tx.IsActive() {
		c.executor.RunFireAndForget(func() error {
			res := await(context.Background(), tx.RollbackAsync(context.Background()))
			return res.Err
		})
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c.executor.AwaitFireAndForget(waitCtx)
	c.executor.Shutdown()

	c.mu.Lock()
	c.leak = nil
	c.mu.Unlock()

	if c.pool != nil {
		c.pool.Release(c.poolOpts, c)
	}
	return nil
}
