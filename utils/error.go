package utils

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

var ErrorRecordNotFound = errors.New("record not found")

// ErrorKind is the coarse classification attached to every sync failure.
type ErrorKind string

const (
	ErrorKindConstraint ErrorKind = "constraint"
	ErrorKindTransient  ErrorKind = "transient"
	ErrorKindValidation ErrorKind = "validation"
	ErrorKindAuth       ErrorKind = "auth"
	ErrorKindNotFound   ErrorKind = "not_found"
	ErrorKindUnknown    ErrorKind = "unknown"
)

// ValidationError reports a payload that cannot be mapped.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// StatusCoder is implemented by remote API errors so classification does not
// need to import the client package.
type StatusCoder interface {
	HTTPStatus() int
}

// ClassifyError maps err to an ErrorKind.
func ClassifyError(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var vErr *ValidationError
	if errors.As(err, &vErr) {
		return ErrorKindValidation
	}
	if IsDuplicateKeyErr(err) {
		return ErrorKindConstraint
	}
	if errors.Is(err, gorm.ErrRecordNotFound) || errors.Is(err, ErrorRecordNotFound) {
		return ErrorKindNotFound
	}
	var sc StatusCoder
	if errors.As(err, &sc) {
		switch code := sc.HTTPStatus(); {
		case code == 401 || code == 403:
			return ErrorKindAuth
		case code == 404:
			return ErrorKindNotFound
		case code == 429 || code >= 500:
			return ErrorKindTransient
		case code >= 400:
			return ErrorKindValidation
		}
	}
	if IsTransientErr(err) {
		return ErrorKindTransient
	}
	return ErrorKindUnknown
}

// IsDuplicateKeyErr recognises unique violations from every supported driver.
func IsDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

var (
	mysqlKeyRe  = regexp.MustCompile(`for key '([^']+)'`)
	sqliteKeyRe = regexp.MustCompile(`UNIQUE constraint failed: ([^\s]+)`)
)

// ConstraintField names the index or column behind a unique violation, best effort.
func ConstraintField(err error) string {
	if err == nil {
		return ""
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.ConstraintName
	}
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		if m := mysqlKeyRe.FindStringSubmatch(mysqlErr.Message); len(m) == 2 {
			return m[1]
		}
	}
	msg := err.Error()
	if m := sqliteKeyRe.FindStringSubmatch(msg); len(m) == 2 {
		return strings.TrimSuffix(m[1], ",")
	}
	if m := mysqlKeyRe.FindStringSubmatch(msg); len(m) == 2 {
		return m[1]
	}
	return ""
}

// IsTransientErr reports timeouts and dropped connections.
func IsTransientErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"connection reset", "connection refused", "broken pipe", "eof", "no such host", "i/o timeout"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
