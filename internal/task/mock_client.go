package task

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// MockRemoteClient implements the RemoteClient interface for testing.
// Each operation delegates to an overridable function field; the defaults
// answer every invocation with an immediate SUCCESS.
type MockRemoteClient struct {
	mutex sync.Mutex
	calls map[string]int
	seq   atomic.Int64

	// Concurrency tracking of outstanding Invoke calls
	active    atomic.Int64
	maxActive atomic.Int64

	InvokeFn        func(ctx context.Context, req InvokeRequest) (*InvokeResponse, error)
	CheckStatusFn   func(ctx context.Context, flowID, taskID, workspaceID string) (*StatusResponse, error)
	CreateSessionFn func(ctx context.Context, flowID, workspaceID string) (string, error)
	InvokeSessionFn func(ctx context.Context, sessionID, workspaceID, message string) error
	PollSessionFn   func(ctx context.Context, sessionID, workspaceID string, fromTimestamp int64) (*SessionPage, error)
}

// NewMockRemoteClient creates a new MockRemoteClient with default implementations
func NewMockRemoteClient() *MockRemoteClient {
	c := &MockRemoteClient{
		calls: make(map[string]int),
	}

	c.InvokeFn = func(ctx context.Context, req InvokeRequest) (*InvokeResponse, error) {
		result := "ok"
		return &InvokeResponse{ID: c.NextID("task"), Status: RemoteSuccess, Result: &result}, nil
	}
	c.CheckStatusFn = func(ctx context.Context, flowID, taskID, workspaceID string) (*StatusResponse, error) {
		return &StatusResponse{Status: RemotePending}, nil
	}
	c.CreateSessionFn = func(ctx context.Context, flowID, workspaceID string) (string, error) {
		return c.NextID("session"), nil
	}
	c.InvokeSessionFn = func(ctx context.Context, sessionID, workspaceID, message string) error {
		return nil
	}
	c.PollSessionFn = func(ctx context.Context, sessionID, workspaceID string, fromTimestamp int64) (*SessionPage, error) {
		return &SessionPage{}, nil
	}

	return c
}

// NextID returns a unique remote identifier with the given prefix
func (c *MockRemoteClient) NextID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, c.seq.Add(1))
}

func (c *MockRemoteClient) record(op string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.calls[op]++
}

// Calls returns how many times op was called
func (c *MockRemoteClient) Calls(op string) int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.calls[op]
}

// TotalCalls returns the number of calls across every operation
func (c *MockRemoteClient) TotalCalls() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	total := 0
	for _, n := range c.calls {
		total += n
	}
	return total
}

// MaxConcurrentInvokes returns the highest number of simultaneous Invoke calls observed
func (c *MockRemoteClient) MaxConcurrentInvokes() int {
	return int(c.maxActive.Load())
}

// Invoke starts a one-shot remote job
func (c *MockRemoteClient) Invoke(ctx context.Context, req InvokeRequest) (*InvokeResponse, error) {
	c.record("Invoke")
	n := c.active.Add(1)
	defer c.active.Add(-1)
	for {
		peak := c.maxActive.Load()
		if n <= peak || c.maxActive.CompareAndSwap(peak, n) {
			break
		}
	}
	return c.InvokeFn(ctx, req)
}

// CheckStatus reports the status of a one-shot remote job
func (c *MockRemoteClient) CheckStatus(ctx context.Context, flowID, taskID, workspaceID string) (*StatusResponse, error) {
	c.record("CheckStatus")
	return c.CheckStatusFn(ctx, flowID, taskID, workspaceID)
}

// CreateSession opens a remote session
func (c *MockRemoteClient) CreateSession(ctx context.Context, flowID, workspaceID string) (string, error) {
	c.record("CreateSession")
	return c.CreateSessionFn(ctx, flowID, workspaceID)
}

// InvokeSession sends the task message to a session
func (c *MockRemoteClient) InvokeSession(ctx context.Context, sessionID, workspaceID, message string) error {
	c.record("InvokeSession")
	return c.InvokeSessionFn(ctx, sessionID, workspaceID, message)
}

// PollSession fetches session events after fromTimestamp
func (c *MockRemoteClient) PollSession(ctx context.Context, sessionID, workspaceID string, fromTimestamp int64) (*SessionPage, error) {
	c.record("PollSession")
	return c.PollSessionFn(ctx, sessionID, workspaceID, fromTimestamp)
}
