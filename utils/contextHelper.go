package utils

import (
	"context"

	"github.com/eutimioliusbel/pfamirror/appctx"
)

var (
	ContextKeyToken         = appctx.ContextKeyToken
	ContextKeyTenantId      = appctx.ContextKeyTenantId
	ContextKeyCallerId      = appctx.ContextKeyCallerId
	ContextKeyCallerRole    = appctx.ContextKeyCallerRole
	ContextKeyCorrelationId = appctx.ContextKeyCorrelationId
	ContextKeyIsAdmin       = appctx.ContextKeyIsAdmin
)

func GetTokenFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyToken)
}

func GetTenantIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyTenantId)
}

func GetCallerIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyCallerId)
}

func GetCallerRoleFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyCallerRole)
}

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyCorrelationId)
}

func GetIsAdminFromContext(ctx context.Context) (bool, bool) {
	return appctx.GetBool(ctx, ContextKeyIsAdmin)
}

func SetTokenInContext(ctx context.Context, token string) context.Context {
	return appctx.Set(ctx, ContextKeyToken, token)
}

func SetTenantIdInContext(ctx context.Context, tenantId string) context.Context {
	return appctx.Set(ctx, ContextKeyTenantId, tenantId)
}

func SetCallerIdInContext(ctx context.Context, callerId string) context.Context {
	return appctx.Set(ctx, ContextKeyCallerId, callerId)
}

func SetCallerRoleInContext(ctx context.Context, role string) context.Context {
	return appctx.Set(ctx, ContextKeyCallerRole, role)
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return appctx.Set(ctx, ContextKeyCorrelationId, correlationId)
}

func SetIsAdminInContext(ctx context.Context, isAdmin bool) context.Context {
	return appctx.Set(ctx, ContextKeyIsAdmin, isAdmin)
}
