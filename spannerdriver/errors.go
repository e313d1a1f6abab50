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
	"cloud.google.com/go/spanner"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func errClosed() error {
	return spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "this connection is closed"))
}

func errFailedPreconditionf(format string, args ...interface{}) error {
	return spanner.ToSpannerError(status.Errorf(codes.FailedPrecondition, format, args...))
}

func errInvalidArgumentf(format string, args ...interface{}) error {
	return spanner.ToSpannerError(status.Errorf(codes.InvalidArgument, format, args...))
}

func errAborted(cause error) error {
	return spanner.ToSpannerError(status.Error(codes.Aborted, cause.Error()))
}

func errCancelled() error {
	return spanner.ToSpannerError(status.Error(codes.Cancelled, "statement was cancelled"))
}

func errDeadlineExceeded() error {
	return spanner.ToSpannerError(status.Error(codes.DeadlineExceeded, "statement timeout exceeded"))
}

// isAborted reports whether err carries the Aborted status code, the signal
// a read/write transaction uses to trigger internal replay.
func isAborted(err error) bool {
	return status.Code(err) == codes.Aborted
}

// isCancelled reports whether err was produced by the executor's cancellation path.
func isCancelled(err error) bool {
	return status.Code(err) == codes.Cancelled
}
