// Command modelq manages model downloads on a remote download backend: it
// starts and cancels downloads, follows progress over the backend's push
// channel, and keeps the local queue in a durable state database.
package main
