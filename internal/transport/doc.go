// Package transport is the single way modelq talks to the backend over HTTP.
//
// Client.Do attaches the bearer token, re-issues rate-limited requests after
// the server's Retry-After hint, retries 5xx and network failures with a
// capped exponential backoff, and classifies terminal failures into *Error
// values. Each terminal failure is reported exactly once to the notification
// sink unless the request was issued with Silent.
package transport
