package rpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/danielpatrickdp/branchsim/internal/api"
	"github.com/danielpatrickdp/branchsim/internal/divergence"
	"github.com/danielpatrickdp/branchsim/internal/run"
	"github.com/danielpatrickdp/branchsim/internal/simulation"
	"github.com/danielpatrickdp/branchsim/internal/state"
)

// #region client-struct
// Client calls a TrajectoryStore server. Errors returned by its methods wrap
// the storeerr sentinels when the server classified the failure.
type Client struct {
	conn   *grpc.ClientConn
	health healthpb.HealthClient
}

// #endregion client-struct

// #region constructor
// NewClient connects to addr without transport security. Extra options are
// appended after the credentials option.
func NewClient(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	return &Client{conn: conn, health: healthpb.NewHealthClient(conn)}, nil
}

// Close shuts down the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// #endregion constructor

// #region call
func (c *Client) call(ctx context.Context, method string, req any) (*structpb.Struct, error) {
	in, err := encode(req)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out); err != nil {
		return nil, fromStatus(method, err)
	}
	return out, nil
}

func callOne[T any](ctx context.Context, c *Client, method string, req any) (T, error) {
	var v T
	out, err := c.call(ctx, method, req)
	if err != nil {
		return v, err
	}
	err = decode(out, &v)
	return v, err
}

func callList[T any](ctx context.Context, c *Client, method string, req any) ([]T, error) {
	out, err := c.call(ctx, method, req)
	if err != nil {
		return nil, err
	}
	return decodeList[T](out)
}

// #endregion call

// Healthy reports whether the server's store service is SERVING.
func (c *Client) Healthy(ctx context.Context) (bool, error) {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return false, fmt.Errorf("health rpc: %w", err)
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING, nil
}

// #region simulations
func (c *Client) CreateSimulation(ctx context.Context, req api.CreateSimulationRequest) (simulation.Simulation, error) {
	return callOne[simulation.Simulation](ctx, c, "CreateSimulation", req)
}

func (c *Client) ListSimulations(ctx context.Context, skip, limit int) ([]simulation.Summary, error) {
	return callList[simulation.Summary](ctx, c, "ListSimulations", PageRequest{Skip: skip, Limit: limit})
}

func (c *Client) ListRuns(ctx context.Context, simulationID string) ([]run.Run, error) {
	return callList[run.Run](ctx, c, "ListRuns", SimulationRef{SimulationID: simulationID})
}

func (c *Client) RunTree(ctx context.Context, simulationID string) ([]*run.TreeNode, error) {
	return callList[*run.TreeNode](ctx, c, "RunTree", SimulationRef{SimulationID: simulationID})
}

// #endregion simulations

// #region states
func (c *Client) CreateState(ctx context.Context, req api.CreateStateRequest) (state.State, error) {
	return callOne[state.State](ctx, c, "CreateState", req)
}

func (c *Client) GetState(ctx context.Context, id string) (state.State, error) {
	return callOne[state.State](ctx, c, "GetState", StateRef{StateID: id})
}

func (c *Client) Lineage(ctx context.Context, id string) ([]state.State, error) {
	return callList[state.State](ctx, c, "GetLineage", StateRef{StateID: id})
}

// #endregion states

// #region runs
func (c *Client) CreateRun(ctx context.Context, simulationID string, req api.CreateRunRequest) (run.Run, error) {
	return callOne[run.Run](ctx, c, "CreateRun", CreateRunRequest{SimulationID: simulationID, CreateRunRequest: req})
}

func (c *Client) GetRun(ctx context.Context, id string) (run.Run, error) {
	return callOne[run.Run](ctx, c, "GetRun", RunRef{RunID: id})
}

func (c *Client) AppendState(ctx context.Context, runID string, req api.CreateStateRequest) (api.AppendStateResponse, error) {
	return callOne[api.AppendStateResponse](ctx, c, "AppendState", AppendStateRequest{RunID: runID, CreateStateRequest: req})
}

func (c *Client) RunStates(ctx context.Context, runID string) (api.RunStatesResponse, error) {
	return callOne[api.RunStatesResponse](ctx, c, "ListRunStates", RunRef{RunID: runID})
}

func (c *Client) SetStatus(ctx context.Context, runID string, to run.Status, totalReward *float64) (run.Run, error) {
	return callOne[run.Run](ctx, c, "SetRunStatus", SetStatusRequest{RunID: runID, Status: string(to), TotalReward: totalReward})
}

func (c *Client) Branch(ctx context.Context, req api.BranchRequest) (run.Run, error) {
	return callOne[run.Run](ctx, c, "BranchRun", req)
}

func (c *Client) CompareRuns(ctx context.Context, run1ID, run2ID string) (divergence.Comparison, error) {
	return callOne[divergence.Comparison](ctx, c, "CompareRuns", CompareRequest{Run1ID: run1ID, Run2ID: run2ID})
}

// #endregion runs
