package store

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

const (
	CodeUniqueViolation  = "23505"
	CodeLockNotAvailable = "55P03"
	CodeQueryCanceled    = "57014"
	CodeSerialization    = "40001"
	CodeDeadlockDetected = "40P01"
	codeAdminShutdown    = "57P01"
	codeCrashShutdown    = "57P02"
	codeCannotConnectNow = "57P03"
)

// IsUniqueViolation reports whether err is a Postgres unique constraint failure.
func IsUniqueViolation(err error) bool {
	return pgCode(err) == CodeUniqueViolation
}

// IsSerializationFailure reports whether a transaction lost a serialization
// race or a deadlock. Re-running the whole transaction is safe.
func IsSerializationFailure(err error) bool {
	switch pgCode(err) {
	case CodeSerialization, CodeDeadlockDetected:
		return true
	}
	return false
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// PgCode returns the SQLSTATE carried by err, or "".
func PgCode(err error) string {
	return pgCode(err)
}

// IsConnectivityError reports whether err means the session to the database
// was lost (network drop, TLS/SSL failure, server shutdown). Any statement
// that failed this way has an unknown outcome.
func IsConnectivityError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	switch code := pgCode(err); {
	case strings.HasPrefix(code, "08"):
		return true
	case code == codeAdminShutdown, code == codeCrashShutdown, code == codeCannotConnectNow:
		return true
	case code != "":
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"ssl", "tls", "connection reset", "broken pipe", "conn closed", "connection refused"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
