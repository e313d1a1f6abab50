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
	"regexp"
	"strings"
)

// StatementKind classifies a parsed statement the way spec.md §6 describes
// the (external) parser's output.
type StatementKind int

const (
	StatementKindUnknown StatementKind = iota
	StatementKindClientSide
	StatementKindQuery
	StatementKindUpdate
	StatementKindDDL
)

// QueryOptions carries the optimizer version/hints merged from
// construction-time defaults, spec.md §3.
type QueryOptions struct {
	OptimizerVersion string
	OptimizerHints   map[string]string
	// AnalyzeMode is folded in by each UnitOfWork's ExecuteQueryAsync from
	// the analyzeMode argument that ConnectionController.dispatch passes
	// alongside opts, before opts go on to the DatabaseClient, spec.md §4.1.
	AnalyzeMode AnalyzeMode
}

func (o QueryOptions) merge(defaults QueryOptions) QueryOptions {
	merged := o
	if merged.OptimizerVersion == "" {
		merged.OptimizerVersion = defaults.OptimizerVersion
	}
	if merged.OptimizerHints == nil && defaults.OptimizerHints != nil {
		merged.OptimizerHints = defaults.OptimizerHints
	}
	return merged
}

// AnalyzeMode selects whether executeQuery also asks Spanner for a query
// plan or a profiled execution, spec.md §4.1's analyzeQuery operation.
type AnalyzeMode int

const (
	AnalyzeModeNone AnalyzeMode = iota
	AnalyzeModePlan
	AnalyzeModeProfile
)

// ClientSideDirective is the handle to a recognized control statement, as
// produced by the external parser and consumed by ClientStatementExecutor
// (C8).
type ClientSideDirective struct {
	Name  ClientDirectiveName
	Bool  *bool
	Text  string
	Extra map[string]string
}

// ClientDirectiveName enumerates the control statements ClientStatementExecutor
// understands, per spec.md §4.8.
type ClientDirectiveName int

const (
	DirectiveUnknown ClientDirectiveName = iota
	DirectiveSetAutocommit
	DirectiveShowAutocommit
	DirectiveSetReadOnly
	DirectiveShowReadOnly
	DirectiveSetAutocommitDMLMode
	DirectiveShowAutocommitDMLMode
	DirectiveSetReadOnlyStaleness
	DirectiveShowReadOnlyStaleness
	DirectiveSetStatementTimeout
	DirectiveShowStatementTimeout
	DirectiveSetRetryAbortsInternally
	DirectiveShowRetryAbortsInternally
	DirectiveSetOptimizerVersion
	DirectiveShowOptimizerVersion
	DirectiveBegin
	DirectiveCommit
	DirectiveRollback
	DirectiveStartBatchDDL
	DirectiveStartBatchDML
	DirectiveRunBatch
	DirectiveAbortBatch
)

// ParsedStatement is the result of classifying a SQL string, spec.md §6.
type ParsedStatement struct {
	Kind          StatementKind
	NormalizedSQL string
	Directive     *ClientSideDirective
}

var (
	reSelect    = regexp.MustCompile(`(?is)^\s*(select|with|show\s+create)\b`)
	reDDL       = regexp.MustCompile(`(?is)^\s*(create|alter|drop)\b`)
	reUpdateDML = regexp.MustCompile(`(?is)^\s*(insert|update|delete)\b`)
)

// defaultParser is a minimal stand-in for the external parser described in
// spec.md §6. It is intentionally not a real SQL parser (parsing logic is
// an explicit non-goal); it performs the same keyword-prefix
// classification the teacher's driver.go delegates to unexported helpers
// (isDDL, parseClientSideStatement) that are not part of this module's
// scope.
type defaultParser struct{}

func (defaultParser) Parse(sql string, _ QueryOptions) (ParsedStatement, error) {
	trimmed := strings.TrimSpace(sql)
	if directive, ok := parseClientDirective(trimmed); ok {
		return ParsedStatement{Kind: StatementKindClientSide, NormalizedSQL: trimmed, Directive: directive}, nil
	}
	switch {
	case reSelect.MatchString(trimmed):
		return ParsedStatement{Kind: StatementKindQuery, NormalizedSQL: trimmed}, nil
	case reDDL.MatchString(trimmed):
		return ParsedStatement{Kind: StatementKindDDL, NormalizedSQL: trimmed}, nil
	case reUpdateDML.MatchString(trimmed):
		return ParsedStatement{Kind: StatementKindUpdate, NormalizedSQL: trimmed}, nil
	case trimmed == "":
		return ParsedStatement{Kind: StatementKindUnknown}, nil
	default:
		return ParsedStatement{Kind: StatementKindUnknown, NormalizedSQL: trimmed}, nil
	}
}

var clientDirectivePatterns = []struct {
	re   *regexp.Regexp
	name ClientDirectiveName
}{
	{regexp.MustCompile(`(?is)^set\s+autocommit\s*=?\s*(true|false)\s*;?$`), DirectiveSetAutocommit},
	{regexp.MustCompile(`(?is)^show\s+variable\s+autocommit\s*;?$`), DirectiveShowAutocommit},
	{regexp.MustCompile(`(?is)^set\s+readonly\s*=?\s*(true|false)\s*;?$`), DirectiveSetReadOnly},
	{regexp.MustCompile(`(?is)^show\s+variable\s+readonly\s*;?$`), DirectiveShowReadOnly},
	{regexp.MustCompile(`(?is)^set\s+autocommit_dml_mode\s*=?\s*'?([a-z_]+)'?\s*;?$`), DirectiveSetAutocommitDMLMode},
	{regexp.MustCompile(`(?is)^show\s+variable\s+autocommit_dml_mode\s*;?$`), DirectiveShowAutocommitDMLMode},
	{regexp.MustCompile(`(?is)^set\s+read_only_staleness\s*=?\s*'(.+)'\s*;?$`), DirectiveSetReadOnlyStaleness},
	{regexp.MustCompile(`(?is)^show\s+variable\s+read_only_staleness\s*;?$`), DirectiveShowReadOnlyStaleness},
	{regexp.MustCompile(`(?is)^set\s+statement_timeout\s*=?\s*'?(.+?)'?\s*;?$`), DirectiveSetStatementTimeout},
	{regexp.MustCompile(`(?is)^show\s+variable\s+statement_timeout\s*;?$`), DirectiveShowStatementTimeout},
	{regexp.MustCompile(`(?is)^set\s+retry_aborts_internally\s*=?\s*(true|false)\s*;?$`), DirectiveSetRetryAbortsInternally},
	{regexp.MustCompile(`(?is)^show\s+variable\s+retry_aborts_internally\s*;?$`), DirectiveShowRetryAbortsInternally},
	{regexp.MustCompile(`(?is)^set\s+optimizer_version\s*=?\s*'?([a-zA-Z0-9_.]+)'?\s*;?$`), DirectiveSetOptimizerVersion},
	{regexp.MustCompile(`(?is)^show\s+variable\s+optimizer_version\s*;?$`), DirectiveShowOptimizerVersion},
	{regexp.MustCompile(`(?is)^begin(\s+(read\s+only|read\s+write))?\s*;?$`), DirectiveBegin},
	{regexp.MustCompile(`(?is)^commit(\s+transaction)?\s*;?$`), DirectiveCommit},
	{regexp.MustCompile(`(?is)^rollback(\s+transaction)?\s*;?$`), DirectiveRollback},
	{regexp.MustCompile(`(?is)^start\s+batch\s+ddl\s*;?$`), DirectiveStartBatchDDL},
	{regexp.MustCompile(`(?is)^start\s+batch\s+dml\s*;?$`), DirectiveStartBatchDML},
	{regexp.MustCompile(`(?is)^run\s+batch\s*;?$`), DirectiveRunBatch},
	{regexp.MustCompile(`(?is)^abort\s+batch\s*;?$`), DirectiveAbortBatch},
}

func parseClientDirective(trimmed string) (*ClientSideDirective, bool) {
	for _, p := range clientDirectivePatterns {
		m := p.re.FindStringSubmatch(trimmed)
		if m == nil {
			continue
		}
		d := &ClientSideDirective{Name: p.name}
		switch p.name {
		case DirectiveSetAutocommit, DirectiveSetReadOnly, DirectiveSetRetryAbortsInternally:
			b := strings.EqualFold(m[1], "true")
			d.Bool = &b
		case DirectiveSetAutocommitDMLMode, DirectiveSetReadOnlyStaleness, DirectiveSetStatementTimeout, DirectiveSetOptimizerVersion:
			d.Text = m[1]
		case DirectiveBegin:
			if len(m) > 2 {
				d.Text = strings.ToUpper(strings.TrimSpace(m[2]))
			}
		}
		return d, true
	}
	return nil, false
}
