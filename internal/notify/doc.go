// Package notify carries user-facing messages (toasts, in the browser client
// this tool replaces) from the engine to whatever surface is listening.
//
// A Sink is fire-and-forget: Notify has no return value and must not block
// the caller. Sinks compose with Multi and AtLeast; the ntfy sink pushes to
// an ntfy topic from a background worker and drops messages when its buffer
// is full.
package notify
