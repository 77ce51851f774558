// Package accesscontrol provides the interface the router uses to check
// whether the sender of a message may consume the addressed provider.
package accesscontrol

import (
	"context"

	"github.com/rmacdonaldsmith/meshrouter/pkg/message"
)

// AccessController decides consumer permissions. Implementations may block
// on remote lookups; the router calls them off the delivery path.
type AccessController interface {
	HasConsumerPermission(ctx context.Context, msg *message.Message) bool
}

// AccessControllerFunc adapts a function to AccessController.
type AccessControllerFunc func(ctx context.Context, msg *message.Message) bool

// HasConsumerPermission calls f.
func (f AccessControllerFunc) HasConsumerPermission(ctx context.Context, msg *message.Message) bool {
	return f(ctx, msg)
}
