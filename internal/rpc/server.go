// Package rpc exposes the trajectory store over gRPC. Messages are
// google.protobuf.Struct documents shaped like the REST payloads, and the
// service descriptor is declared by hand so no generated code is needed.
package rpc

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/danielpatrickdp/branchsim/internal/api"
	"github.com/danielpatrickdp/branchsim/internal/divergence"
	"github.com/danielpatrickdp/branchsim/internal/logging"
	"github.com/danielpatrickdp/branchsim/internal/run"
	"github.com/danielpatrickdp/branchsim/internal/storeerr"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "branchsim.v1.TrajectoryStore"

// #region server-struct
// StoreServer dispatches a named method. *Server implements it.
type StoreServer interface {
	Invoke(ctx context.Context, method string, in *structpb.Struct) (*structpb.Struct, error)
}

// Server implements the TrajectoryStore service over a run manager.
type Server struct {
	runs          *run.Manager
	compare       *divergence.Engine
	log           *zap.Logger
	appendRetries int
}

// NewServer builds the service implementation.
func NewServer(runs *run.Manager, compare *divergence.Engine, logger *zap.Logger, appendRetries int) *Server {
	return &Server{runs: runs, compare: compare, log: logging.OrNop(logger), appendRetries: appendRetries}
}

// #endregion server-struct

// #region descriptor
type handler func(s *Server, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)

var handlers = map[string]handler{
	"CreateSimulation": (*Server).createSimulation,
	"ListSimulations":  (*Server).listSimulations,
	"ListRuns":         (*Server).listRuns,
	"RunTree":          (*Server).runTree,
	"CreateState":      (*Server).createState,
	"GetState":         (*Server).getState,
	"GetLineage":       (*Server).getLineage,
	"CreateRun":        (*Server).createRun,
	"GetRun":           (*Server).getRun,
	"AppendState":      (*Server).appendState,
	"ListRunStates":    (*Server).listRunStates,
	"SetRunStatus":     (*Server).setRunStatus,
	"BranchRun":        (*Server).branchRun,
	"CompareRuns":      (*Server).compareRuns,
}

// ServiceDesc describes the TrajectoryStore service for grpc.Server.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*StoreServer)(nil),
	Methods:     methodDescs(),
	Streams:     []grpc.StreamDesc{},
	Metadata:    "branchsim/v1/store",
}

func methodDescs() []grpc.MethodDesc {
	names := make([]string, 0, len(handlers))
	for name := range handlers {
		names = append(names, name)
	}
	sort.Strings(names)

	descs := make([]grpc.MethodDesc, 0, len(names))
	for _, name := range names {
		descs = append(descs, grpc.MethodDesc{MethodName: name, Handler: unaryHandler(name)})
	}
	return descs
}

func unaryHandler(name string) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		call := func(ctx context.Context, req any) (any, error) {
			return srv.(StoreServer).Invoke(ctx, name, req.(*structpb.Struct))
		}
		if interceptor == nil {
			return call(ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
		return interceptor(ctx, in, info, call)
	}
}

// Invoke runs the named method and converts store errors to status errors.
func (s *Server) Invoke(ctx context.Context, method string, in *structpb.Struct) (*structpb.Struct, error) {
	h, ok := handlers[method]
	if !ok {
		return nil, status.Errorf(codes.Unimplemented, "method %s not implemented", method)
	}
	out, err := h(s, ctx, in)
	if err != nil {
		if CodeFor(err) == codes.Internal {
			s.log.Error("rpc failed", zap.String("method", method), zap.Error(err))
		}
		return nil, toStatus(err)
	}
	return out, nil
}

// #endregion descriptor

// #region registration
// Register installs the store service and a health service on gs. The
// returned health server lets the caller flip to NOT_SERVING on shutdown.
func Register(gs *grpc.Server, s *Server) *health.Server {
	gs.RegisterService(&ServiceDesc, s)
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(gs, hs)
	return hs
}

// NewGRPCServer returns a grpc.Server that logs every call.
func NewGRPCServer(logger *zap.Logger, opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.ChainUnaryInterceptor(logUnary(logging.OrNop(logger))))
	return grpc.NewServer(opts...)
}

func logUnary(log *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := next(ctx, req)
		log.Info("grpc request",
			zap.String("method", info.FullMethod),
			zap.String("code", status.Code(err).String()),
			zap.Duration("elapsed", time.Since(start)))
		return resp, err
	}
}

// #endregion registration

// #region simulations
func (s *Server) createSimulation(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req api.CreateSimulationRequest
	if err := bind(in, &req); err != nil {
		return nil, err
	}
	sim, err := s.runs.Simulations().Create(ctx, req.Params())
	if err != nil {
		return nil, err
	}
	return encode(sim)
}

func (s *Server) listSimulations(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req := PageRequest{Limit: 100}
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if req.Skip < 0 || req.Limit < 1 || req.Limit > 1000 {
		return nil, fmt.Errorf("skip must be >= 0 and limit in 1..1000: %w", storeerr.ErrValidation)
	}
	sims, err := s.runs.Simulations().List(ctx, req.Skip, req.Limit)
	if err != nil {
		return nil, err
	}
	return encodeList(sims)
}

func (s *Server) listRuns(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req SimulationRef
	if err := bind(in, &req); err != nil {
		return nil, err
	}
	runs, err := s.runs.ListBySimulation(ctx, req.SimulationID)
	if err != nil {
		return nil, err
	}
	return encodeList(runs)
}

func (s *Server) runTree(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req SimulationRef
	if err := bind(in, &req); err != nil {
		return nil, err
	}
	tree, err := s.runs.Tree(ctx, req.SimulationID)
	if err != nil {
		return nil, err
	}
	return encodeList(tree)
}

// #endregion simulations

// #region states
func (s *Server) createState(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req api.CreateStateRequest
	if err := bind(in, &req); err != nil {
		return nil, err
	}
	st, err := s.runs.States().Create(ctx, req.NewState())
	if err != nil {
		return nil, err
	}
	return encode(st)
}

func (s *Server) getState(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req StateRef
	if err := bind(in, &req); err != nil {
		return nil, err
	}
	st, err := s.runs.States().Get(ctx, req.StateID)
	if err != nil {
		return nil, err
	}
	return encode(st)
}

func (s *Server) getLineage(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req StateRef
	if err := bind(in, &req); err != nil {
		return nil, err
	}
	states, err := s.runs.States().Lineage(ctx, req.StateID)
	if err != nil {
		return nil, err
	}
	return encodeList(states)
}

// #endregion states

// #region runs
func (s *Server) createRun(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req CreateRunRequest
	if err := bind(in, &req); err != nil {
		return nil, err
	}
	r, err := s.runs.CreateRun(ctx, req.Params(req.SimulationID))
	if err != nil {
		return nil, err
	}
	return encode(r)
}

func (s *Server) getRun(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req RunRef
	if err := bind(in, &req); err != nil {
		return nil, err
	}
	r, err := s.runs.Get(ctx, req.RunID)
	if err != nil {
		return nil, err
	}
	return encode(r)
}

func (s *Server) appendState(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req AppendStateRequest
	if err := bind(in, &req); err != nil {
		return nil, err
	}
	resp, err := appendWithRetry(ctx, s, req)
	if err != nil {
		return nil, err
	}
	return encode(resp)
}

func appendWithRetry(ctx context.Context, s *Server, req AppendStateRequest) (api.AppendStateResponse, error) {
	var resp api.AppendStateResponse
	err := s.runs.RetryOnConflict(ctx, s.appendRetries, func() error {
		st, r, err := s.runs.AppendNewState(ctx, req.RunID, req.NewState())
		if err != nil {
			return err
		}
		resp = api.AppendStateResponse{State: st, RunID: r.ID, SequenceOrder: r.TotalSteps - 1}
		return nil
	})
	return resp, err
}

func (s *Server) listRunStates(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req RunRef
	if err := bind(in, &req); err != nil {
		return nil, err
	}
	r, err := s.runs.Get(ctx, req.RunID)
	if err != nil {
		return nil, err
	}
	entries, err := s.runs.RunStates(ctx, r.ID)
	if err != nil {
		return nil, err
	}
	return encode(api.NewRunStatesResponse(r.ID, r.Name, entries))
}

func (s *Server) setRunStatus(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req SetStatusRequest
	if err := bind(in, &req); err != nil {
		return nil, err
	}
	var r run.Run
	var err error
	switch run.Status(req.Status) {
	case run.StatusPaused:
		r, err = s.runs.Pause(ctx, req.RunID)
	case run.StatusActive:
		r, err = s.runs.Resume(ctx, req.RunID)
	case run.StatusCompleted:
		r, err = s.runs.Complete(ctx, req.RunID, req.TotalReward)
	case run.StatusFailed:
		r, err = s.runs.Fail(ctx, req.RunID)
	}
	if err != nil {
		return nil, err
	}
	return encode(r)
}

func (s *Server) branchRun(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req api.BranchRequest
	if err := bind(in, &req); err != nil {
		return nil, err
	}
	r, err := s.runs.Branch(ctx, req.Params())
	if err != nil {
		return nil, err
	}
	return encode(r)
}

func (s *Server) compareRuns(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req CompareRequest
	if err := bind(in, &req); err != nil {
		return nil, err
	}
	cmp, err := s.compare.CompareRuns(ctx, req.Run1ID, req.Run2ID)
	if err != nil {
		return nil, err
	}
	return encode(cmp)
}

// #endregion runs

func bind(in *structpb.Struct, req interface{ Validate() error }) error {
	if err := decode(in, req); err != nil {
		return err
	}
	return req.Validate()
}
