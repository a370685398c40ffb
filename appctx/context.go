package appctx

import "context"

// ContextKey is the shared type for all context keys in this codebase.
// Keeping it in a tiny package avoids import cycles (config <-> utils).
type ContextKey string

func (c ContextKey) String() string { return string(c) }

var (
	ContextKeyToken         = ContextKey("Token")
	ContextKeyCompanyId     = ContextKey("CompanyId")
	ContextKeyCorrelationId = ContextKey("CorrelationId")

	// ContextKeyTriggeredBy records which entry point started a sync
	// (webhook, polling, manual, batch_job).
	ContextKeyTriggeredBy = ContextKey("TriggeredBy")

	// ContextKeySkipTenantScope disables tenant scoping for cross-tenant
	// maintenance reads such as the scheduler's due-check and job recovery.
	ContextKeySkipTenantScope = ContextKey("SkipTenantScope")
)

func GetString(ctx context.Context, key ContextKey) (string, bool) {
	v, ok := ctx.Value(key).(string)
	return v, ok
}

func GetBool(ctx context.Context, key ContextKey) (bool, bool) {
	v, ok := ctx.Value(key).(bool)
	return v, ok
}

func Set(ctx context.Context, key ContextKey, value any) context.Context {
	return context.WithValue(ctx, key, value)
}
