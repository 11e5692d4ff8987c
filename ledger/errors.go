package ledger

import "errors"

// ErrInitialization is wrapped by Initialize when the index cannot be
// built or the server is unreachable within the connect timeout.
var ErrInitialization = errors.New("ledger: initialization failed")

// ErrDatabaseUnavailable is wrapped by Ping when the server is
// unreachable; the other repository methods report driver failures,
// connectivity included, as ErrDatabaseOperation.
var ErrDatabaseUnavailable = errors.New("ledger: database unavailable")

// ErrDatabaseOperation is the catch-all kind repository methods
// translate driver-level errors into; callers above the repository
// never pattern-match on driver types.
var ErrDatabaseOperation = errors.New("ledger: database operation failed")

// ErrDuplicateKey is returned by UpsertTask only when a racing insert
// used the same taskId with a different id. Callers treat this as
// success-equivalent.
var ErrDuplicateKey = errors.New("ledger: duplicate key")

// ErrTaskNotFound is returned by methods that require an existing task
// (e.g. TryUpdateTaskStatus's internal read) when none matches.
var ErrTaskNotFound = errors.New("ledger: task not found")
