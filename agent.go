package scheduler

import "context"

// PostRequest is the input contract for the execution agent: everything it
// needs to perform one marketplace post.
type PostRequest struct {
	ListingRef         string
	ProfileRef         string
	ProfileDisplayName string
	ProfileFolderPath  string
	Location           string
}

// ExecutionAgent performs the actual marketplace post for one request.
//
// The call is treated as opaque, possibly slow (minutes) and blocking. A nil
// return means the post succeeded; any error is terminal for that occurrence.
// Implementations must honor ctx cancellation: the scheduler wraps every
// call in a deadline and converts an exceeded deadline into a failure rather
// than letting a hung agent block all future cycles.
type ExecutionAgent interface {
	Execute(ctx context.Context, req PostRequest) error
}

// AgentFunc adapts a plain function to the ExecutionAgent interface.
type AgentFunc func(ctx context.Context, req PostRequest) error

func (f AgentFunc) Execute(ctx context.Context, req PostRequest) error {
	return f(ctx, req)
}
