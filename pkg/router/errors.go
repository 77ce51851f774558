package router

import "errors"

var (
	// ErrRouteNotFound is returned when no destination address can be resolved.
	ErrRouteNotFound = errors.New("no route to recipient")

	// ErrAccessDenied is reported when the access controller rejects a message.
	ErrAccessDenied = errors.New("access denied")

	// ErrExpired is reported when a message outlives its TTL before delivery.
	ErrExpired = errors.New("message expired")

	// ErrRetriesExhausted is reported when the retry budget of a message is spent.
	ErrRetriesExhausted = errors.New("retries exhausted")

	// ErrShutdown is returned by a router that has been shut down.
	ErrShutdown = errors.New("router shut down")
)
