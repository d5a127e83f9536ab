package dialect

import (
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/lib/pq"
)

func pqError(err error) (*pq.Error, bool) {
	var pe *pq.Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

func isServerError(err error) bool {
	_, ok := pqError(err)
	return ok
}

// isConnectionError reports failures of the connection itself rather than
// of the statement.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	if pe, ok := pqError(err); ok {
		switch {
		case strings.HasPrefix(string(pe.Code), "08"):
			return true
		case pe.Code == "57P01", pe.Code == "57P02", pe.Code == "57P03":
			return true
		}
	}
	return strings.Contains(err.Error(), "connection refused")
}

// IsUndefinedTable reports a statement failing because its table is missing.
func IsUndefinedTable(err error) bool {
	if pe, ok := pqError(err); ok {
		if pe.Code == "42P01" {
			return true
		}
		return strings.Contains(pe.Message, "RelationUnknown") ||
			(strings.Contains(pe.Message, "Relation") && strings.Contains(pe.Message, "unknown"))
	}
	return false
}
