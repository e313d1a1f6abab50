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
	"runtime"

	"github.com/rs/zerolog"
)

// nopLogger is used whenever a ConnectionController is built without an
// explicit logger, e.g. through database/sql.Open where there is no
// constructor call to attach one to.
var nopLogger = zerolog.Nop()

// leakTrace captures the call site of a ConnectionController at
// construction so that a non-null trace still present when the handle is
// garbage collected can be logged as a leak. It is not a substitute for
// calling Close.
type leakTrace struct {
	stack string
}

func captureLeakTrace(skip int) *leakTrace {
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)
	_ = skip
	return &leakTrace{stack: string(buf[:n])}
}

func registerLeakFinalizer(c *ConnectionController) {
	runtime.SetFinalizer(c, func(c *ConnectionController) {
		c.mu.Lock()
		trace := c.leak
		c.mu.Unlock()
		if trace != nil {
			c.logger.Warn().
				Str("component", "ConnectionController").
				Str("stack", trace.stack).
				Msg("connection was garbage collected without an explicit Close")
		}
	})
}
