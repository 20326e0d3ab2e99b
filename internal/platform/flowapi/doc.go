// Package flowapi implements task.RemoteClient over the JSON HTTP API of the
// remote flow execution service.
package flowapi
