// Package transport defines the HTTP contract the sync manager speaks to
// the server through, and a resty-backed implementation of it.
package transport

import (
	"context"
	"errors"
)

// Sentinel errors produced by a Transport when the server returns a
// non-2xx status. Callers use errors.Is to distinguish them — notably the
// sync manager's retry policy treats ErrUnauthorized as non-retryable
// (the bearer token itself is bad, retrying with backoff can't fix that)
// while every other error is eligible for transient retry.
var (
	// ErrBadRequest is HTTP 400.
	ErrBadRequest = errors.New("transport: bad request")
	// ErrUnauthorized is HTTP 401: the bearer token was rejected.
	ErrUnauthorized = errors.New("transport: unauthorized")
	// ErrForbidden is HTTP 403.
	ErrForbidden = errors.New("transport: forbidden")
	// ErrNotFound is HTTP 404.
	ErrNotFound = errors.New("transport: not found")
	// ErrConflict is HTTP 409.
	ErrConflict = errors.New("transport: conflict")
	// ErrServer is any 5xx response, treated as transient and retryable.
	ErrServer = errors.New("transport: server error")
)

//go:generate mockgen -source=transport.go -destination=../internal/mock/transport_mock.go -package=mock

// Transport is the minimal HTTP surface the sync manager needs: bearer
// auth is injected by the implementation, and every call carries the
// api_version the server should interpret the payload under.
type Transport interface {
	// Get issues a GET to path with query params, decoding the JSON
	// response body into out.
	Get(ctx context.Context, path string, query map[string]string, out any) error

	// Post issues a POST to path with body marshaled as the JSON request
	// body, decoding the JSON response into out.
	Post(ctx context.Context, path string, body any, out any) error

	// Patch issues a PATCH to path with body marshaled as the JSON
	// request body, decoding the JSON response into out.
	Patch(ctx context.Context, path string, body any, out any) error

	// SetToken installs the bearer token used for all subsequent
	// requests' Authorization header.
	SetToken(token string)
}
