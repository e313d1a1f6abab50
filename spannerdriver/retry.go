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

// RetryEvent enumerates the transitions a ReadWriteTransaction reports to
// its listeners while replaying an aborted transaction, spec.md §4.5.
type RetryEvent int

const (
	RetryStarted RetryEvent = iota
	RetryAbortedAndRestarting
	RetrySucceeded
	RetryDifferentResult
)

func (e RetryEvent) String() string {
	switch e {
	case RetryStarted:
		return "RETRY_STARTED"
	case RetryAbortedAndRestarting:
		return "RETRY_ABORTED_AND_RESTARTING"
	case RetrySucceeded:
		return "RETRY_SUCCEEDED"
	case RetryDifferentResult:
		return "RETRY_DIFFERENT_RESULT"
	}
	return "UNKNOWN"
}

// TransactionRetryListener observes the retry attempts of a
// ReadWriteTransaction, spec.md §3 "transactionRetryListeners".
type TransactionRetryListener interface {
	Retrying(event RetryEvent, attempt int)
}

// TransactionRetryListenerFunc adapts a plain function to a
// TransactionRetryListener.
type TransactionRetryListenerFunc func(event RetryEvent, attempt int)

func (f TransactionRetryListenerFunc) Retrying(event RetryEvent, attempt int) { f(event, attempt) }

// notifyListeners calls every listener in registration order, spec.md §4.5
// step 3.
func notifyListeners(listeners []TransactionRetryListener, event RetryEvent, attempt int) {
	for _, l := range listeners {
		l.Retrying(event, attempt)
	}
}
