// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package result defines the closed error-kind alphabet every corepipe
// entry point returns. Operations return a Code instead of panicking or
// allocating a Go error for the common paths; Code implements error so it
// still composes with github.com/pkg/errors at the core/cmd boundary.
package result

// Code is one member of the result alphabet. The zero value is OK.
type Code int

const (
	OK Code = iota
	InvalidArgument
	ResourceExhausted
	FailedPrecondition
	DeadlineExceeded
	ShouldWait
	AlreadyExists
	Busy
	Cancelled
	OutOfRange
	Unimplemented
	PermissionDenied
	Internal
)

var names = map[Code]string{
	OK:                 "OK",
	InvalidArgument:    "INVALID_ARGUMENT",
	ResourceExhausted:  "RESOURCE_EXHAUSTED",
	FailedPrecondition: "FAILED_PRECONDITION",
	DeadlineExceeded:   "DEADLINE_EXCEEDED",
	ShouldWait:         "SHOULD_WAIT",
	AlreadyExists:      "ALREADY_EXISTS",
	Busy:               "BUSY",
	Cancelled:          "CANCELLED",
	OutOfRange:         "OUT_OF_RANGE",
	Unimplemented:      "UNIMPLEMENTED",
	PermissionDenied:   "PERMISSION_DENIED",
	Internal:           "INTERNAL",
}

func (c Code) String() string {
	if n, ok := names[c]; ok {
		return n
	}
	return "UNKNOWN_RESULT"
}

// Error satisfies the error interface so Code values can flow through
// pkg/errors wrapping at the core/cmd boundary without a second type.
func (c Code) Error() string {
	return c.String()
}

// IsOK reports whether c is the success code.
func (c Code) IsOK() bool { return c == OK }

// Retryable reports whether the caller may reasonably retry the same
// operation without changing anything else about the call (§7).
func (c Code) Retryable() bool {
	return c == ShouldWait || c == Busy
}
