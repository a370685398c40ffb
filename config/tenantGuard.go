package config

import (
	"context"
	"errors"
	"reflect"
	"strings"

	"bitbucket.org/mmdatafocus/order_sync_backend/appctx"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TenantGuardPlugin scopes queries, updates and deletes to the company_id
// carried by the statement context whenever the model has a company_id column.
//
// NOTE:
// - Raw SQL is not covered; it must filter on company_id itself.
// - Cross-tenant maintenance reads opt out via ContextKeySkipTenantScope.
type TenantGuardPlugin struct{}

func NewTenantGuardPlugin() *TenantGuardPlugin { return &TenantGuardPlugin{} }

func (p *TenantGuardPlugin) Name() string { return "tenant_guard" }

// ErrCrossTenantWrite is returned when a create carries another company's id.
var ErrCrossTenantWrite = errors.New("tenant guard: record belongs to another company")

func (p *TenantGuardPlugin) Initialize(db *gorm.DB) error {
	// Create: stamp or verify company_id
	if err := db.Callback().Create().Before("gorm:create").Register("tenant_guard:create", tenantGuardCreateCallback); err != nil {
		return err
	}
	// Query
	if err := db.Callback().Query().Before("gorm:query").Register("tenant_guard:query", tenantGuardCallback); err != nil {
		return err
	}
	// Row (First/Take)
	if err := db.Callback().Row().Before("gorm:row").Register("tenant_guard:row", tenantGuardCallback); err != nil {
		return err
	}
	// Update
	if err := db.Callback().Update().Before("gorm:update").Register("tenant_guard:update", tenantGuardCallback); err != nil {
		return err
	}
	// Delete
	if err := db.Callback().Delete().Before("gorm:delete").Register("tenant_guard:delete", tenantGuardCallback); err != nil {
		return err
	}
	return nil
}

func tenantGuardCallback(db *gorm.DB) {
	if db == nil || db.Statement == nil {
		return
	}
	ctx := db.Statement.Context
	if ctx == nil {
		return
	}
	if shouldBypassTenantScope(ctx) {
		return
	}
	companyID := companyIdFromContext(ctx)
	if companyID == "" {
		return
	}

	// Only apply if the current model/table includes a company_id column.
	if db.Statement.Schema == nil {
		return
	}
	hasCompanyID := false
	for _, f := range db.Statement.Schema.Fields {
		if strings.EqualFold(f.DBName, "company_id") {
			hasCompanyID = true
			break
		}
	}
	if !hasCompanyID {
		return
	}

	// Don't duplicate an explicit tenant filter.
	if whereHasCompanyID(db.Statement.Clauses["WHERE"]) {
		return
	}

	db.Statement.AddClause(clause.Where{
		Exprs: []clause.Expression{
			clause.Eq{
				Column: clause.Column{Table: db.Statement.Table, Name: "company_id"},
				Value:  companyID,
			},
		},
	})
}

func tenantGuardCreateCallback(db *gorm.DB) {
	if db == nil || db.Statement == nil || db.Statement.Schema == nil {
		return
	}
	ctx := db.Statement.Context
	if ctx == nil || shouldBypassTenantScope(ctx) {
		return
	}
	companyID := companyIdFromContext(ctx)
	if companyID == "" {
		return
	}
	field := db.Statement.Schema.LookUpField("company_id")
	if field == nil {
		return
	}

	check := func(rv reflect.Value) {
		v, zero := field.ValueOf(ctx, rv)
		if zero {
			_ = field.Set(ctx, rv, companyID)
			return
		}
		if s, ok := v.(string); ok && s != companyID {
			_ = db.AddError(ErrCrossTenantWrite)
		}
	}

	rv := db.Statement.ReflectValue
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < rv.Len(); i++ {
			elem := reflect.Indirect(rv.Index(i))
			if elem.Kind() == reflect.Struct {
				check(elem)
			}
		}
	case reflect.Struct:
		check(rv)
	}
}

func companyIdFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(appctx.ContextKeyCompanyId).(string); ok && v != "" {
		return v
	}
	return ""
}

func shouldBypassTenantScope(ctx context.Context) bool {
	if v, ok := ctx.Value(appctx.ContextKeySkipTenantScope).(bool); ok && v {
		return true
	}
	return false
}

func whereHasCompanyID(c clause.Clause) bool {
	if c.Expression == nil {
		return false
	}
	w, ok := c.Expression.(clause.Where)
	if !ok {
		return false
	}
	for _, e := range w.Exprs {
		if exprHasCompanyID(e) {
			return true
		}
	}
	return false
}

func exprHasCompanyID(e clause.Expression) bool {
	switch v := e.(type) {
	case clause.Eq:
		return colIsCompanyID(v.Column)
	case clause.Neq:
		return colIsCompanyID(v.Column)
	case clause.Gt:
		return colIsCompanyID(v.Column)
	case clause.Gte:
		return colIsCompanyID(v.Column)
	case clause.Lt:
		return colIsCompanyID(v.Column)
	case clause.Lte:
		return colIsCompanyID(v.Column)
	case clause.IN:
		return colIsCompanyID(v.Column)
	case clause.AndConditions:
		for _, x := range v.Exprs {
			if exprHasCompanyID(x) {
				return true
			}
		}
		return false
	case clause.OrConditions:
		for _, x := range v.Exprs {
			if exprHasCompanyID(x) {
				return true
			}
		}
		return false
	case clause.Expr:
		// Best-effort for raw expressions.
		return strings.Contains(strings.ToLower(v.SQL), "company_id")
	default:
		return false
	}
}

func colIsCompanyID(col any) bool {
	switch c := col.(type) {
	case string:
		return strings.EqualFold(c, "company_id")
	case clause.Column:
		return strings.EqualFold(c.Name, "company_id")
	default:
		return false
	}
}
