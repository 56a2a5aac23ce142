// ============================================================================
// mindist Coordinator Server - Development Structure Manager
// ============================================================================
//
// Package: internal/server
// File: server.go
// Function: serve the coordinator gRPC service from a fixed filename list
//
// Behaviour:
//   - Register hands out a token and a processor id
//   - NextStructures leases up to `quantity` pending filenames to the caller;
//     a lease that is neither completed nor pinged within LeaseTTL expires
//     and the filename is offered again
//   - SubmitResult completes a lease and maintains the global minimum
//   - Ping renews the caller's leases
//   - Deregister drops the token and returns its leases to the queue
//
// Calls with an unknown token fail with PermissionDenied, which processors
// treat as "register again".
//
// ============================================================================

package server

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/mindist/internal/coordinator"
	"github.com/ChuLiYu/mindist/pkg/types"
)

// Config configures a development coordinator.
type Config struct {
	Filenames       []string
	Mode            types.Mode    // directive returned with every allocation
	LeaseTTL        time.Duration // default 10 minutes
	RegistrationTTL time.Duration // zero keeps registrations forever
	Logger          *slog.Logger
}

// Stats is a point-in-time view of the coordinator.
type Stats struct {
	Pending     int
	Leased      int
	Completed   int
	Processors  int
	GlobalMin   float64 // +Inf until the first non-empty result
	MinFilename string
}

// Server implements coordinator.Server.
type Server struct {
	cfg Config
	log *slog.Logger

	mu        sync.Mutex
	pending   []string
	leased    map[string]string // filename -> token
	completed map[string]*float64
	globalMin float64
	minFile   string

	leases   *cache.Cache // filename -> token, expiry drives re-offering
	sessions *cache.Cache // token -> processor id
}

var _ coordinator.Server = (*Server)(nil)

// NewServer creates a coordinator holding cfg.Filenames as pending work.
func NewServer(cfg Config) *Server {
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 10 * time.Minute
	}
	regTTL := cfg.RegistrationTTL
	if regTTL <= 0 {
		regTTL = cache.NoExpiration
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		cfg:       cfg,
		log:       logger.With("component", "coordinator-server"),
		pending:   append([]string(nil), cfg.Filenames...),
		leased:    make(map[string]string),
		completed: make(map[string]*float64),
		globalMin: math.Inf(1),
		leases:    cache.New(cfg.LeaseTTL, time.Minute),
		sessions:  cache.New(regTTL, time.Minute),
	}
}

// Register implements coordinator.Server.
func (s *Server) Register(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	token := uuid.NewString()
	id := req.GetFields()["nodeId"].GetStringValue()
	if id == "" {
		id = uuid.NewString()
	}
	s.sessions.Set(token, id, cache.DefaultExpiration)
	s.log.Info("Processor registered", "processor_id", id)

	return structpb.NewStruct(map[string]any{"token": token, "id": id})
}

// NextStructures implements coordinator.Server.
func (s *Server) NextStructures(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	token, err := s.authenticate(ctx)
	if err != nil {
		return nil, err
	}
	qty := int(req.GetFields()["quantity"].GetNumberValue())
	if qty < 0 {
		return nil, status.Error(codes.InvalidArgument, "quantity must not be negative")
	}

	s.mu.Lock()
	s.reclaimExpiredLocked()
	n := min(qty, len(s.pending))
	granted := s.pending[:n]
	s.pending = append([]string(nil), s.pending[n:]...)
	for _, f := range granted {
		s.leased[f] = token
		s.leases.Set(f, token, cache.DefaultExpiration)
	}
	s.mu.Unlock()

	names := make([]any, len(granted))
	for i, f := range granted {
		names[i] = f
	}
	if len(granted) > 0 {
		s.log.Info("Leased structures", "count", len(granted), "requested", qty)
	}

	mode := s.cfg.Mode
	if mode == "" {
		mode = types.ModeUndefined
	}
	return structpb.NewStruct(map[string]any{
		"filenames":      names,
		"processingMode": string(mode),
	})
}

// SubmitResult implements coordinator.Server.
func (s *Server) SubmitResult(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	token, err := s.authenticate(ctx)
	if err != nil {
		return nil, err
	}
	fields := req.GetFields()
	filename := fields["filename"].GetStringValue()
	if filename == "" {
		return nil, status.Error(codes.InvalidArgument, "filename is required")
	}

	var value *float64
	if v, ok := fields["result"]; ok {
		if _, isNum := v.GetKind().(*structpb.Value_NumberValue); isNum {
			f := v.GetNumberValue()
			value = &f
		}
	}

	s.mu.Lock()
	owner, leased := s.leased[filename]
	if !leased || owner != token {
		s.mu.Unlock()
		return nil, status.Errorf(codes.FailedPrecondition, "%s is not leased to this processor", filename)
	}
	delete(s.leased, filename)
	s.leases.Delete(filename)
	s.completed[filename] = value

	isNewMin := false
	if value != nil && *value < s.globalMin {
		s.globalMin = *value
		s.minFile = filename
		isNewMin = true
	}
	s.mu.Unlock()

	s.log.Info("Result received",
		"filename", filename,
		"processing_time_ms", fields["processingTime"].GetNumberValue(),
		"new_min", isNewMin)

	return structpb.NewStruct(map[string]any{"success": true, "isNewMinDistance": isNewMin})
}

// Ping implements coordinator.Server.
func (s *Server) Ping(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	token, err := s.authenticate(ctx)
	if err != nil {
		return nil, err
	}

	renewed := 0
	s.mu.Lock()
	for _, v := range req.GetFields()["filenames"].GetListValue().GetValues() {
		f := v.GetStringValue()
		if owner, ok := s.leased[f]; ok && owner == token {
			s.leases.Set(f, token, cache.DefaultExpiration)
			renewed++
		}
	}
	s.mu.Unlock()

	s.log.Debug("Ping received", "renewed", renewed)
	return &structpb.Struct{}, nil
}

// Deregister implements coordinator.Server.
func (s *Server) Deregister(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	token, err := s.authenticate(ctx)
	if err != nil {
		return nil, err
	}
	s.sessions.Delete(token)

	s.mu.Lock()
	var returned []string
	for f, owner := range s.leased {
		if owner == token {
			returned = append(returned, f)
		}
	}
	sort.Strings(returned)
	for _, f := range returned {
		delete(s.leased, f)
		s.leases.Delete(f)
	}
	s.pending = append(returned, s.pending...)
	s.mu.Unlock()

	s.log.Info("Processor deregistered", "returned", len(returned))
	return &structpb.Struct{}, nil
}

// Stats returns the current queue state.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reclaimExpiredLocked()
	return Stats{
		Pending:     len(s.pending),
		Leased:      len(s.leased),
		Completed:   len(s.completed),
		Processors:  s.sessions.ItemCount(),
		GlobalMin:   s.globalMin,
		MinFilename: s.minFile,
	}
}

// reclaimExpiredLocked moves filenames whose lease expired back to the head
// of the queue.
func (s *Server) reclaimExpiredLocked() {
	var expired []string
	for f := range s.leased {
		if _, ok := s.leases.Get(f); !ok {
			expired = append(expired, f)
		}
	}
	if len(expired) == 0 {
		return
	}
	sort.Strings(expired)
	for _, f := range expired {
		delete(s.leased, f)
	}
	s.pending = append(expired, s.pending...)
	s.log.Warn("Leases expired, structures re-offered", "count", len(expired))
}

func (s *Server) authenticate(ctx context.Context) (string, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	values := md.Get("x-access-token")
	if len(values) == 0 || values[0] == "" {
		return "", status.Error(codes.PermissionDenied, "missing access token")
	}
	token := values[0]
	id, ok := s.sessions.Get(token)
	if !ok {
		return "", status.Error(codes.PermissionDenied, "unknown access token")
	}
	s.sessions.Set(token, id, cache.DefaultExpiration)
	return token, nil
}

// Serve runs the gRPC service on lis until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	grpcServer := grpc.NewServer()
	coordinator.RegisterServer(grpcServer, s)

	errCh := make(chan error, 1)
	go func() { errCh <- grpcServer.Serve(lis) }()
	s.log.Info("Coordinator listening", "addr", lis.Addr().String(), "structures", len(s.cfg.Filenames))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		grpcServer.GracefulStop()
		if err := <-errCh; err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return err
		}
		return nil
	}
}
