// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package auth carries per-request identity through context: the signed-in
// user and the dashboard tab the request originates from.
package auth

import (
	"context"
)

type contextKey string

const (
	userIDKey contextKey = "user_id"
	tabIDKey  contextKey = "tab_id"
)

// SetUserID sets the user ID in the context
func SetUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// GetUserID retrieves the user ID from the context
func GetUserID(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(userIDKey).(string)
	return userID, ok
}

// SetTabID sets the originating tab ID in the context
func SetTabID(ctx context.Context, tabID string) context.Context {
	return context.WithValue(ctx, tabIDKey, tabID)
}

// GetTabID retrieves the originating tab ID from the context
func GetTabID(ctx context.Context) (string, bool) {
	tabID, ok := ctx.Value(tabIDKey).(string)
	return tabID, ok
}

// SetAuthContext sets both identities at once
func SetAuthContext(ctx context.Context, userID, tabID string) context.Context {
	ctx = SetUserID(ctx, userID)
	ctx = SetTabID(ctx, tabID)
	return ctx
}
