// Package queue owns the local download queue: the ordered collection of
// tasks the backend is working on, mirrored to a durable snapshot.
//
// Store is the only writer. Realtime batches arrive through Merge, the
// download controller adds and removes tasks through Insert and Remove, and
// every mutation is persisted once and published to subscribers. Updates
// for ids the store does not hold are dropped, which is what keeps a
// cancelled task from coming back when a late progress event arrives.
package queue
