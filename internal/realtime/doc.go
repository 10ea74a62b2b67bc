// Package realtime keeps a push subscription to the backend open and feeds
// queue_update batches into the queue store.
//
// The backend speaks Socket.IO v5 over the Engine.IO v4 WebSocket transport.
// Only the default namespace and plain (non-binary) events are used, so the
// client handles the handful of frame types involved directly on top of
// gorilla/websocket. protocol.go holds the framing shared with the
// development backend.
package realtime
