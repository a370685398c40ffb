package utils

import (
	"context"
	"errors"
	"fmt"
	"testing"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

type statusErr int

func (e statusErr) Error() string   { return fmt.Sprintf("status %d", int(e)) }
func (e statusErr) HTTPStatus() int { return int(e) }

func TestClassifyError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, ""},
		{"validation", fmt.Errorf("wrapped: %w", NewValidationError("total", "must not be negative")), ErrorKindValidation},
		{"gorm duplicate", gorm.ErrDuplicatedKey, ErrorKindConstraint},
		{"mysql duplicate", &mysqlDriver.MySQLError{Number: 1062, Message: "Duplicate entry 'x' for key 'idx_orders_company_external'"}, ErrorKindConstraint},
		{"postgres duplicate", &pgconn.PgError{Code: "23505", ConstraintName: "idx_orders_company_number"}, ErrorKindConstraint},
		{"record not found", gorm.ErrRecordNotFound, ErrorKindNotFound},
		{"remote 401", statusErr(401), ErrorKindAuth},
		{"remote 404", statusErr(404), ErrorKindNotFound},
		{"remote 429", statusErr(429), ErrorKindTransient},
		{"remote 503", statusErr(503), ErrorKindTransient},
		{"remote 400", statusErr(400), ErrorKindValidation},
		{"deadline", context.DeadlineExceeded, ErrorKindTransient},
		{"reset", errors.New("read tcp: connection reset by peer"), ErrorKindTransient},
		{"other", errors.New("boom"), ErrorKindUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ClassifyError(tc.err))
		})
	}
}

func TestConstraintField(t *testing.T) {
	assert.Equal(t, "idx_orders_company_number", ConstraintField(&pgconn.PgError{Code: "23505", ConstraintName: "idx_orders_company_number"}))
	assert.Equal(t, "idx_orders_company_external", ConstraintField(&mysqlDriver.MySQLError{Number: 1062, Message: "Duplicate entry 'a-1' for key 'idx_orders_company_external'"}))
	assert.Equal(t, "orders.company_id", ConstraintField(errors.New("UNIQUE constraint failed: orders.company_id, orders.order_number")))
	assert.Empty(t, ConstraintField(errors.New("boom")))
}
