package grpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/mtr002/devboard-queue/internal/interfaces"
	"github.com/mtr002/devboard-queue/internal/jobs"
)

// Client calls a remote queue service.
type Client struct {
	conn *grpc.ClientConn
}

func NewClient(addr string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC client for %s: %w", addr, err)
	}

	return &Client{conn: conn}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	in, err := toStruct(req)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out); err != nil {
		return fromStatus(err)
	}
	return fromStruct(out, resp)
}

func (c *Client) Enqueue(ctx context.Context, jobType interfaces.JobType, payload interfaces.Payload, opts jobs.CreateOptions) (*interfaces.Job, error) {
	var job interfaces.Job
	err := c.invoke(ctx, "Enqueue", EnqueueRequest{
		Type:        string(jobType),
		Payload:     payload,
		Priority:    opts.Priority,
		MaxAttempts: opts.MaxAttempts,
		ScheduledAt: opts.ScheduledAt,
	}, &job)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *Client) GetJob(ctx context.Context, jobID string) (*interfaces.Job, error) {
	var job interfaces.Job
	if err := c.invoke(ctx, "GetJob", GetJobRequest{JobID: jobID}, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *Client) Stats(ctx context.Context) (*interfaces.QueueStats, error) {
	var stats interfaces.QueueStats
	if err := c.invoke(ctx, "Stats", struct{}{}, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

func (c *Client) Drain(ctx context.Context, limit int, types ...interfaces.JobType) (*DrainResponse, error) {
	req := DrainRequest{Limit: limit}
	for _, t := range types {
		req.Types = append(req.Types, string(t))
	}
	var resp DrainResponse
	if err := c.invoke(ctx, "Drain", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Cleanup(ctx context.Context, days int) (int64, error) {
	var resp CountResponse
	if err := c.invoke(ctx, "Cleanup", CleanupRequest{Days: days}, &resp); err != nil {
		return 0, err
	}
	return resp.Count, nil
}

func (c *Client) RetryFailed(ctx context.Context, maxRetries int) (int64, error) {
	var resp CountResponse
	if err := c.invoke(ctx, "RetryFailed", RetryFailedRequest{MaxRetries: maxRetries}, &resp); err != nil {
		return 0, err
	}
	return resp.Count, nil
}
