// Simple Git CI/CD is a single-node continuous-integration dispatcher.
// Copyright (C) 2026 Kaligraphy247
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package cicd

import "fmt"

// ErrorKind names one of the error taxonomy members the dispatcher
// distinguishes for status-code mapping and logging.
type ErrorKind string

const (
	ErrBadRequest          ErrorKind = "bad_request"
	ErrAuthFailure         ErrorKind = "auth_failure"
	ErrConfigDefect        ErrorKind = "config_defect"
	ErrThrottled           ErrorKind = "throttled"
	ErrGitOperationFailed  ErrorKind = "git_operation_failed"
	ErrScriptExecutionFail ErrorKind = "script_execution_failed"
	ErrDatabaseError       ErrorKind = "database_error"
)

// Error is the dispatcher's single typed error, carrying a taxonomy Kind and
// wrapping the underlying cause.
type Error struct {
	Kind      ErrorKind
	Operation string // for ErrGitOperationFailed / ErrScriptExecutionFail: the step name
	Err       error
}

func (e *Error) Error() string {
	if e.Operation != "" {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Operation, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds an *Error of the given kind wrapping err.
func NewError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// NewOpError builds an *Error of the given kind, naming the failing step or
// operation, wrapping err.
func NewOpError(kind ErrorKind, operation string, err error) *Error {
	return &Error{Kind: kind, Operation: operation, Err: err}
}
