// Package api serves the batch status API: task listings and per-task
// actions, batch run control, health and Prometheus metrics. Handlers talk
// to the dispatcher through small interfaces and translate its sentinel
// errors into HTTP status codes.
package api
