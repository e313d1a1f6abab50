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
	"database/sql"
	"database/sql/driver"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"

	"cloud.google.com/go/spanner"
	"google.golang.org/api/option"
)

const userAgent = "go-sql-spannerdriver/0.1"

// dsnRegExp describes the valid values for a dsn (connection name) for
// Google Cloud Spanner. The string consists of the following parts:
//  1. (Optional) Host: The host name and port number to connect to.
//  2. Database name: projects/my-project/instances/my-instance/databases/my-database
//  3. (Optional) Parameters: One or more `name=value` pairs separated by `;`.
//     credentials, usePlainText, retryAbortsInternally, minSessions,
//     maxSessions, writeSessions, statementTimeout, autocommitDmlMode.
var dsnRegExp = regexp.MustCompile("((?P<HOSTGROUP>[\\w.-]+(?:\\.[\\w\\.-]+)*[\\w\\-\\._~:/?#\\[\\]@!\\$&'\\(\\)\\*\\+,;=.]+)/)?projects/(?P<PROJECTGROUP>(([a-z]|[-.:]|[0-9])+|(DEFAULT_PROJECT_ID)))(/instances/(?P<INSTANCEGROUP>([a-z]|[-]|[0-9])+)(/databases/(?P<DATABASEGROUP>([a-z]|[-]|[_]|[0-9])+))?)?(([\\?|;])(?P<PARAMSGROUP>.*))?")

var _ driver.DriverContext = &Driver{}

func init() {
	sql.Register("spanner", &Driver{connectors: make(map[string]*connector)})
}

// Driver represents a Google Cloud Spanner database/sql driver.
type Driver struct {
	mu         sync.Mutex
	connectors map[string]*connector
}

// Open opens a connection to a Google Cloud Spanner database.
// Use a fully qualified database name:
//
//	projects/$PROJECT/instances/$INSTANCE/databases/$DATABASE
func (d *Driver) Open(name string) (driver.Conn, error) {
	c, err := newConnector(d, name)
	if err != nil {
		return nil, err
	}
	return openDriverConn(context.Background(), c)
}

func (d *Driver) OpenConnector(name string) (driver.Connector, error) {
	return newConnector(d, name)
}

type connectorConfig struct {
	host     string
	project  string
	instance string
	database string
	params   map[string]string
}

func extractConnectorConfig(dsn string) (connectorConfig, error) {
	match := dsnRegExp.FindStringSubmatch(dsn)
	matches := make(map[string]string)
	for i, name := range dsnRegExp.SubexpNames() {
		if i != 0 && name != "" {
			matches[name] = match[i]
		}
	}
	paramsString := matches["PARAMSGROUP"]
	params, err := extractConnectorParams(paramsString)
	if err != nil {
		return connectorConfig{}, err
	}

	return connectorConfig{
		host:     matches["HOSTGROUP"],
		project:  matches["PROJECTGROUP"],
		instance: matches["INSTANCEGROUP"],
		database: matches["DATABASEGROUP"],
		params:   params,
	}, nil
}

func extractConnectorParams(paramsString string) (map[string]string, error) {
	params := make(map[string]string)
	if paramsString == "" {
		return params, nil
	}
	keyValuePairs := strings.Split(paramsString, ";")
	for _, keyValueString := range keyValuePairs {
		if keyValueString == "" {
			// Ignore empty parameter entries, e.g. a trailing ';'.
			continue
		}
		keyValue := strings.SplitN(keyValueString, "=", 2)
		if len(keyValue) != 2 {
			return nil, errInvalidArgumentf("invalid connection property: %s", keyValueString)
		}
		params[strings.ToLower(keyValue[0])] = keyValue[1]
	}
	return params, nil
}

// connector holds the client options, pool options and mode defaults new
// connections start with, spec.md §5/§3. The database/admin client pair
// itself is owned by the process-wide DefaultSpannerPool, shared by every
// conn for the same database.
type connector struct {
	driver          *Driver
	dsn             string
	connectorConfig connectorConfig

	options []option.ClientOption

	poolOptions           PoolOptions
	retryAbortsInternally bool
	autocommitDMLMode     AutocommitDMLMode
	statementTimeout      time.Duration

	connCount int32
}

func newConnector(d *Driver, dsn string) (*connector, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.connectors[dsn]; ok {
		return c, nil
	}

	cfg, err := extractConnectorConfig(dsn)
	if err != nil {
		return nil, err
	}
	opts := make([]option.ClientOption, 0)
	if cfg.host != "" {
		opts = append(opts, option.WithEndpoint(cfg.host))
	}
	if strval, ok := cfg.params["credentials"]; ok {
		opts = append(opts, option.WithCredentialsFile(strval))
	}
	if strval, ok := cfg.params["useplaintext"]; ok {
		if val, err := strconv.ParseBool(strval); err == nil && val {
			opts = append(opts, option.WithGRPCDialOption(grpc.WithInsecure()), option.WithoutAuthentication())
		}
	}
	retryAbortsInternally := true
	if strval, ok := cfg.params["retryabortsinternally"]; ok {
		if val, err := strconv.ParseBool(strval); err == nil {
			retryAbortsInternally = val
		}
	}
	autocommitDMLMode := Transactional
	if strval, ok := cfg.params["autocommitdmlmode"]; ok {
		if mode, err := parseAutocommitDMLMode(strval); err == nil {
			autocommitDMLMode = mode
		}
	}
	var statementTimeout time.Duration
	if strval, ok := cfg.params["statementtimeout"]; ok {
		if d, err := parseDurationWithUnit(strval); err == nil {
			statementTimeout = d
		}
	}
	poolOpts := PoolOptions{
		Database: fmt.Sprintf("projects/%s/instances/%s/databases/%s", cfg.project, cfg.instance, cfg.database),
	}
	if strval, ok := cfg.params["minsessions"]; ok {
		if val, err := strconv.ParseUint(strval, 10, 64); err == nil {
			poolOpts.MinSessions = val
		}
	}
	if strval, ok := cfg.params["maxsessions"]; ok {
		if val, err := strconv.ParseUint(strval, 10, 64); err == nil {
			poolOpts.MaxSessions = val
		}
	}
	if strval, ok := cfg.params["writesessions"]; ok {
		if val, err := strconv.ParseFloat(strval, 64); err == nil {
			poolOpts.WriteFraction = val
		}
	}

	c := &connector{
		driver:                d,
		dsn:                   dsn,
		connectorConfig:       cfg,
		options:               opts,
		poolOptions:           poolOpts,
		retryAbortsInternally: retryAbortsInternally,
		autocommitDMLMode:     autocommitDMLMode,
		statementTimeout:      statementTimeout,
	}
	d.connectors[dsn] = c
	return c, nil
}

func (c *connector) Connect(ctx context.Context) (driver.Conn, error) {
	return openDriverConn(ctx, c)
}

func (c *connector) Driver() driver.Driver {
	return c.driver
}

func openDriverConn(ctx context.Context, c *connector) (driver.Conn, error) {
	poolOpts := c.poolOptions
	poolOpts.ClientOptions = append(append([]option.ClientOption{}, c.options...), option.WithUserAgent(userAgent))

	pool := DefaultSpannerPool()
	controller, err := NewConnectionController(ctx, pool, poolOpts, defaultParser{}, ControllerOptions{
		Database:              poolOpts.Database,
		AutocommitDMLMode:     c.autocommitDMLMode,
		RetryAbortsInternally: c.retryAbortsInternally,
		StatementTimeout:      c.statementTimeout,
	})
	if err != nil {
		return nil, err
	}
	atomic.AddInt32(&c.connCount, 1)
	return &conn{controller: controller, connector: c}, nil
}
