package server

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/studio-jobs/pkg/types"
)

// Client calls JobService on a remote server.
type Client struct {
	conn   grpc.ClientConnInterface
	closer func() error
}

// Dial connects to addr without transport security; the server is meant to
// listen on a local or private address.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("server: dial %s: %w", addr, err)
	}
	return &Client{conn: conn, closer: conn.Close}, nil
}

// NewClient wraps an existing connection. Close does not close it.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Close releases the connection opened by Dial.
func (c *Client) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer()
}

func (c *Client) invoke(ctx context.Context, method string, in map[string]any) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return nil, fmt.Errorf("server: encode %s request: %w", method, err)
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, fullMethod(method), req, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Submit queues a job and returns its id. A zero timeout keeps the adapter default.
func (c *Client) Submit(ctx context.Context, domain types.Domain, params map[string]any, timeout time.Duration) (types.JobID, error) {
	in := map[string]any{"domain": string(domain)}
	if params != nil {
		in["params"] = params
	}
	if timeout > 0 {
		in["timeout"] = timeout.String()
	}
	out, err := c.invoke(ctx, MethodSubmit, in)
	if err != nil {
		return "", err
	}
	return types.JobID(out.GetFields()["job_id"].GetStringValue()), nil
}

func (c *Client) GetStatus(ctx context.Context, id types.JobID) (types.Job, error) {
	return c.job(ctx, MethodGetStatus, id)
}

func (c *Client) Cancel(ctx context.Context, id types.JobID) (types.Job, error) {
	return c.job(ctx, MethodCancel, id)
}

func (c *Client) Cleanup(ctx context.Context, id types.JobID) (types.Job, error) {
	return c.job(ctx, MethodCleanup, id)
}

func (c *Client) ListQueue(ctx context.Context, domain types.Domain) ([]types.Job, error) {
	return c.jobs(ctx, MethodListQueue, domain)
}

func (c *Client) ListHistory(ctx context.Context, domain types.Domain) ([]types.Job, error) {
	return c.jobs(ctx, MethodListHistory, domain)
}

func (c *Client) Stats(ctx context.Context) (StatsView, error) {
	var v StatsView
	out, err := c.invoke(ctx, MethodStats, map[string]any{})
	if err != nil {
		return v, err
	}
	err = fromValue(structpb.NewStructValue(out), &v)
	return v, err
}

func (c *Client) job(ctx context.Context, method string, id types.JobID) (types.Job, error) {
	var job types.Job
	out, err := c.invoke(ctx, method, map[string]any{"job_id": string(id)})
	if err != nil {
		return job, err
	}
	err = fromValue(out.GetFields()["job"], &job)
	return job, err
}

func (c *Client) jobs(ctx context.Context, method string, domain types.Domain) ([]types.Job, error) {
	var jobs []types.Job
	out, err := c.invoke(ctx, method, map[string]any{"domain": string(domain)})
	if err != nil {
		return nil, err
	}
	if v := out.GetFields()["jobs"]; v != nil {
		err = fromValue(v, &jobs)
	}
	return jobs, err
}
