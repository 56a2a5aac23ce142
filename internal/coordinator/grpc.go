package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/mindist/pkg/types"
)

// GRPCClient talks to a coordinator over gRPC.
type GRPCClient struct {
	conn   grpc.ClientConnInterface
	nodeID string
	log    *slog.Logger

	mu    sync.RWMutex
	token string
}

// NewGRPCClient wraps an established connection.
func NewGRPCClient(conn grpc.ClientConnInterface, nodeID string, logger *slog.Logger) *GRPCClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &GRPCClient{
		conn:   conn,
		nodeID: nodeID,
		log:    logger.With("component", "coordinator"),
	}
}

// Register implements Client.
func (c *GRPCClient) Register(ctx context.Context) error {
	c.log.Info("Registering this processor...")

	resp, err := c.invoke(ctx, methodRegister, map[string]any{"nodeId": c.nodeID})
	if err != nil {
		return err
	}
	token := resp.GetFields()["token"].GetStringValue()
	if token == "" {
		return fmt.Errorf("register: no token returned: %w", ErrRejected)
	}

	c.mu.Lock()
	c.token = token
	c.mu.Unlock()

	c.log.Info("Got token and ID from manager", "processor_id", resp.GetFields()["id"].GetStringValue())
	return nil
}

// FetchStructures implements Client.
func (c *GRPCClient) FetchStructures(ctx context.Context, count int, mode types.Mode) (Allocation, error) {
	resp, err := c.invoke(ctx, methodNextStructures, map[string]any{
		"quantity": count,
		"mode":     string(mode),
	})
	if err != nil {
		return Allocation{}, err
	}

	fields := resp.GetFields()
	var filenames []string
	for _, v := range fields["filenames"].GetListValue().GetValues() {
		if name := v.GetStringValue(); name != "" {
			filenames = append(filenames, name)
		}
	}
	return Allocation{
		Filenames: filenames,
		Mode:      acceptMode(types.Mode(fields["processingMode"].GetStringValue())),
	}, nil
}

// ReportResult implements Client.
func (c *GRPCClient) ReportResult(ctx context.Context, res Result) (Ack, error) {
	resp, err := c.invoke(ctx, methodSubmitResult, map[string]any{
		"filename":       res.Filename,
		"result":         resultValue(res),
		"processingTime": res.ProcessingTime.Milliseconds(),
	})
	if err != nil {
		return Ack{}, err
	}

	fields := resp.GetFields()
	ack := Ack{
		Success:          fields["success"].GetBoolValue(),
		IsNewMinDistance: fields["isNewMinDistance"].GetBoolValue(),
	}
	if !ack.Success {
		return ack, fmt.Errorf("report %s: %w", res.Filename, ErrRejected)
	}
	return ack, nil
}

// Heartbeat implements Client.
func (c *GRPCClient) Heartbeat(ctx context.Context, filenames []string) error {
	list := make([]any, len(filenames))
	for i, f := range filenames {
		list[i] = f
	}
	_, err := c.invoke(ctx, methodPing, map[string]any{"filenames": list})
	return err
}

// Deregister implements Client.
func (c *GRPCClient) Deregister(ctx context.Context) error {
	_, err := c.invoke(ctx, methodDeregister, map[string]any{})
	return err
}

func (c *GRPCClient) invoke(ctx context.Context, method string, fields map[string]any) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", method, err)
	}

	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	if token != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, tokenHeader, token)
	}

	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, fullMethod(method), req, resp); err != nil {
		return nil, mapStatus(method, err)
	}
	return resp, nil
}

func mapStatus(method string, err error) error {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated:
		return ErrNotRegistered
	case codes.InvalidArgument, codes.FailedPrecondition, codes.NotFound:
		return fmt.Errorf("rpc %s: %v: %w", method, err, ErrRejected)
	default:
		return fmt.Errorf("rpc %s: %v: %w", method, err, ErrTransient)
	}
}
