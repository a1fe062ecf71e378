package llm

import (
	"context"

	"github.com/antoniostano/storyweaver/internal/reliability"
)

// RetryClient repeats transient generation failures with capped backoff.
type RetryClient struct {
	next   Client
	policy reliability.Policy
}

func NewRetryClient(next Client, policy reliability.Policy) *RetryClient {
	return &RetryClient{next: next, policy: policy}
}

func (c *RetryClient) Complete(ctx context.Context, req Request) (Response, error) {
	var resp Response
	err := reliability.Do(ctx, c.policy, func(ctx context.Context) error {
		var err error
		resp, err = c.next.Complete(ctx, req)
		return err
	})
	if err != nil {
		return Response{}, err
	}
	return resp, nil
}
