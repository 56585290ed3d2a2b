// Package storage provides the durable key-value store backing the
// session manager and the chat session. Values are opaque strings; the
// user snapshot is JSON-encoded by its owner.
package storage

import "context"

// Well-known keys.
const (
	KeyAuthToken = "auth_token"
	KeyAuthUser  = "auth_user"
	KeyGuestID   = "chat_guest_id"
)

// KV is durable key-value storage surviving restarts.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}
