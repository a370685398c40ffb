package utils

import (
	"context"

	"bitbucket.org/mmdatafocus/order_sync_backend/appctx"
)

var (
	ContextKeyToken           = appctx.ContextKeyToken
	ContextKeyCompanyId       = appctx.ContextKeyCompanyId
	ContextKeyCorrelationId   = appctx.ContextKeyCorrelationId
	ContextKeyTriggeredBy     = appctx.ContextKeyTriggeredBy
	ContextKeySkipTenantScope = appctx.ContextKeySkipTenantScope
)

func GetTokenFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyToken)
}

func SetTokenInContext(ctx context.Context, token string) context.Context {
	return appctx.Set(ctx, ContextKeyToken, token)
}

func GetCompanyIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyCompanyId)
}

func SetCompanyIdInContext(ctx context.Context, companyId string) context.Context {
	return appctx.Set(ctx, ContextKeyCompanyId, companyId)
}

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyCorrelationId)
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return appctx.Set(ctx, ContextKeyCorrelationId, correlationId)
}

func GetTriggeredByFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyTriggeredBy)
}

func SetTriggeredByInContext(ctx context.Context, triggeredBy string) context.Context {
	return appctx.Set(ctx, ContextKeyTriggeredBy, triggeredBy)
}

func GetSkipTenantScopeFromContext(ctx context.Context) (bool, bool) {
	return appctx.GetBool(ctx, ContextKeySkipTenantScope)
}

func SetSkipTenantScopeInContext(ctx context.Context, skip bool) context.Context {
	return appctx.Set(ctx, ContextKeySkipTenantScope, skip)
}

// TenantContext scopes ctx to one company for the tenant guard plugin.
func TenantContext(ctx context.Context, companyId string) context.Context {
	return SetCompanyIdInContext(ctx, companyId)
}
