package errorutil

import "errors"

// ErrDataIntegrity is a base error type to use for failures that are due to
// unrecoverable data integrity issues.
var ErrDataIntegrity = errors.New("data integrity error")

// ErrNoResults represents situations in which no results were returned by the called API.
var ErrNoResults = errors.New("no results returned")

// ErrMisuse is a base error type for callers breaking an API contract, such as
// ending a trace entry twice.
var ErrMisuse = errors.New("api misuse")
