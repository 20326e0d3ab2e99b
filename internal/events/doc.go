// Package events provides types and interfaces for batch progress notifications.
//
// The dispatcher emits a ProgressEvent every time a task record or the batch
// changes. Consumers such as the run history recorder and the metrics
// collector register handlers without the dispatcher knowing about them,
// which keeps persistence and observability out of the scheduling code.
//
// The primary components are:
// - ProgressEvent: A change notification carrying a JSON snapshot payload
// - EventHandler: Interface for components that can handle events
// - EventEmitter: Interface for components that can emit events
package events
