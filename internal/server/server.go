// Package server exposes the controller over gRPC.
//
// The service is declared with a hand-written grpc.ServiceDesc; every request
// and response is a google.protobuf.Struct, so no generated code is needed.
// Client is the matching typed wrapper used by the CLI.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/studio-jobs/internal/adapter"
	"github.com/ChuLiYu/studio-jobs/internal/controller"
	"github.com/ChuLiYu/studio-jobs/internal/history"
	"github.com/ChuLiYu/studio-jobs/internal/jobmanager"
	logpkg "github.com/ChuLiYu/studio-jobs/internal/log"
	"github.com/ChuLiYu/studio-jobs/pkg/types"
)

var log = slog.Default()

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "studiojobs.v1.JobService"

// Method names
const (
	MethodSubmit      = "Submit"
	MethodGetStatus   = "GetStatus"
	MethodListQueue   = "ListQueue"
	MethodCancel      = "Cancel"
	MethodCleanup     = "Cleanup"
	MethodListHistory = "ListHistory"
	MethodStats       = "Stats"
)

// Backend is what the service needs from the controller.
type Backend interface {
	Submit(ctx context.Context, domain types.Domain, params map[string]any, timeout time.Duration) (types.JobID, error)
	GetStatus(id types.JobID) (types.Job, error)
	ListQueue(ctx context.Context, domain types.Domain) ([]types.Job, error)
	Cancel(id types.JobID) (types.Job, error)
	Cleanup(ctx context.Context, id types.JobID) (types.Job, error)
	History(domain types.Domain) ([]types.Job, error)
	Stats(ctx context.Context) controller.Stats
}

// JobService is the server side of studiojobs.v1.JobService.
type JobService interface {
	Submit(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ListQueue(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Cancel(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Cleanup(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ListHistory(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Stats(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc describes JobService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*JobService)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodSubmit, JobService.Submit),
		unary(MethodGetStatus, JobService.GetStatus),
		unary(MethodListQueue, JobService.ListQueue),
		unary(MethodCancel, JobService.Cancel),
		unary(MethodCleanup, JobService.Cleanup),
		unary(MethodListHistory, JobService.ListHistory),
		unary(MethodStats, JobService.Stats),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "studiojobs/v1/jobs.proto",
}

type unaryCall func(JobService, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, call unaryCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(JobService), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(JobService), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// ============================================================================
// Server
// ============================================================================

// Server implements JobService on top of a Backend.
type Server struct {
	backend Backend
}

// New returns a service backed by b.
func New(b Backend) *Server {
	return &Server{backend: b}
}

// Register adds the service to gs.
func (s *Server) Register(gs *grpc.Server) {
	gs.RegisterService(&ServiceDesc, s)
}

// NewGRPCServer returns a grpc.Server with the service and the logging
// interceptor installed.
func NewGRPCServer(b Backend, opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.ChainUnaryInterceptor(loggingInterceptor))
	gs := grpc.NewServer(opts...)
	New(b).Register(gs)
	return gs
}

// Serve listens on addr until ctx is done, then stops gracefully.
func Serve(ctx context.Context, addr string, b Backend) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", addr, err)
	}
	gs := NewGRPCServer(b)

	errCh := make(chan error, 1)
	go func() {
		log.Info("grpc server listening", "addr", lis.Addr().String())
		errCh <- gs.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		gs.GracefulStop()
		<-errCh
		log.Info("grpc server stopped")
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) Submit(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	domain, err := domainField(fields)
	if err != nil {
		return nil, err
	}
	var timeout time.Duration
	if raw := fields["timeout"].GetStringValue(); raw != "" {
		if timeout, err = time.ParseDuration(raw); err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "invalid timeout %q: %v", raw, err)
		}
	}
	params := fields["params"].GetStructValue().AsMap()

	id, err := s.backend.Submit(ctx, domain, params, timeout)
	if err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{"job_id": string(id)})
}

func (s *Server) GetStatus(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := jobIDField(req.GetFields())
	if err != nil {
		return nil, err
	}
	job, err := s.backend.GetStatus(id)
	if err != nil {
		return nil, toStatus(err)
	}
	return jobReply(job)
}

func (s *Server) ListQueue(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	domain, err := domainField(req.GetFields())
	if err != nil {
		return nil, err
	}
	jobs, err := s.backend.ListQueue(ctx, domain)
	if err != nil {
		return nil, toStatus(err)
	}
	return jobsReply(jobs)
}

func (s *Server) Cancel(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := jobIDField(req.GetFields())
	if err != nil {
		return nil, err
	}
	job, err := s.backend.Cancel(id)
	if err != nil {
		return nil, toStatus(err)
	}
	return jobReply(job)
}

func (s *Server) Cleanup(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := jobIDField(req.GetFields())
	if err != nil {
		return nil, err
	}
	job, err := s.backend.Cleanup(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}
	return jobReply(job)
}

func (s *Server) ListHistory(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	domain, err := domainField(req.GetFields())
	if err != nil {
		return nil, err
	}
	jobs, err := s.backend.History(domain)
	if err != nil {
		return nil, toStatus(err)
	}
	return jobsReply(jobs)
}

func (s *Server) Stats(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return toStruct(NewStatsView(s.backend.Stats(ctx)))
}

// ============================================================================
// 轉換
// ============================================================================

// StatsView is the wire form of controller.Stats.
type StatsView struct {
	Uptime   string            `json:"uptime"`
	Jobs     map[string]int    `json:"jobs"`
	Queued   map[string]int    `json:"queued"`
	Phases   map[string]string `json:"phases"`
	History  map[string]int    `json:"history"`
	GPU      string            `json:"gpu,omitempty"`
	GPUJobID string            `json:"gpu_job_id,omitempty"`
}

// NewStatsView converts controller stats.
func NewStatsView(s controller.Stats) StatsView {
	v := StatsView{
		Uptime:   s.Uptime.Truncate(time.Second).String(),
		Jobs:     s.Jobs,
		Queued:   make(map[string]int, len(s.Queued)),
		Phases:   make(map[string]string, len(s.Phases)),
		History:  make(map[string]int, len(s.Recorded)),
		GPU:      string(s.GPU),
		GPUJobID: string(s.GPUJob),
	}
	for d, n := range s.Queued {
		v.Queued[string(d)] = n
	}
	for d, p := range s.Phases {
		v.Phases[string(d)] = string(p)
	}
	for d, n := range s.Recorded {
		v.History[string(d)] = n
	}
	return v
}

func domainField(fields map[string]*structpb.Value) (types.Domain, error) {
	d := types.Domain(fields["domain"].GetStringValue())
	if !d.Valid() {
		return "", status.Errorf(codes.InvalidArgument, "unknown domain %q", d)
	}
	return d, nil
}

func jobIDField(fields map[string]*structpb.Value) (types.JobID, error) {
	id := fields["job_id"].GetStringValue()
	if id == "" {
		return "", status.Error(codes.InvalidArgument, "job_id is required")
	}
	return types.JobID(id), nil
}

func jobReply(job types.Job) (*structpb.Struct, error) {
	v, err := toValue(job)
	if err != nil {
		return nil, err
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{"job": v}}, nil
}

func jobsReply(jobs []types.Job) (*structpb.Struct, error) {
	v, err := toValue(jobs)
	if err != nil {
		return nil, err
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{"jobs": v}}, nil
}

// toValue maps v through its JSON form so field names match the json tags.
func toValue(v any) (*structpb.Value, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode reply: %v", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, status.Errorf(codes.Internal, "encode reply: %v", err)
	}
	out, err := structpb.NewValue(generic)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode reply: %v", err)
	}
	return out, nil
}

func toStruct(v any) (*structpb.Struct, error) {
	val, err := toValue(v)
	if err != nil {
		return nil, err
	}
	if val.GetStructValue() == nil {
		return nil, status.Error(codes.Internal, "encode reply: not an object")
	}
	return val.GetStructValue(), nil
}

// fromValue decodes a Value produced by toValue into out.
func fromValue(v *structpb.Value, out any) error {
	raw, err := json.Marshal(v.AsInterface())
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// toStatus maps controller errors to gRPC status codes.
func toStatus(err error) error {
	var code codes.Code
	switch {
	case errors.Is(err, jobmanager.ErrJobNotFound):
		code = codes.NotFound
	case errors.Is(err, jobmanager.ErrUnknownDomain), errors.Is(err, adapter.ErrInvalidParams):
		code = codes.InvalidArgument
	case errors.Is(err, history.ErrInvalidState), errors.Is(err, jobmanager.ErrInvalidTransition):
		code = codes.FailedPrecondition
	case errors.Is(err, controller.ErrNotStarted), errors.Is(err, controller.ErrStopped):
		code = codes.Unavailable
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}

func loggingInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	ctx = logpkg.ContextAttrs(ctx, slog.String("rpc", info.FullMethod))
	resp, err := handler(ctx, req)
	code := status.Code(err)
	level := slog.LevelDebug
	if code != codes.OK && code != codes.NotFound && code != codes.InvalidArgument && code != codes.FailedPrecondition {
		level = slog.LevelWarn
	}
	log.Log(ctx, level, "rpc handled", "code", code.String(), "duration", time.Since(start), "error", err)
	return resp, err
}
