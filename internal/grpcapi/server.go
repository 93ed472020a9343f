// Package grpcapi exposes the identity pipeline to gRPC services: a health
// service and interceptors that attach the caller's claim set.
package grpcapi

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"xpertsphere.io/internal/auth"
	"xpertsphere.io/internal/obs"
)

// ServiceName is reported by the health service.
const ServiceName = "xpertsphere.identity"

// HealthMethodPrefix covers every method of the standard health service.
const HealthMethodPrefix = "/grpc.health.v1.Health/"

// Authenticator verifies a bearer token and returns the enriched claim set.
type Authenticator interface {
	Authenticate(ctx context.Context, raw string) (auth.ClaimSet, error)
}

type options struct {
	public    []string
	publicSet bool
	extra     []grpc.ServerOption
}

// Option configures NewServer.
type Option func(*options)

// WithPublicMethods exempts full method names, or prefixes ending in "/", from authentication.
func WithPublicMethods(methods ...string) Option {
	return func(o *options) {
		o.public = append(o.public, methods...)
		o.publicSet = true
	}
}

// WithServerOptions passes extra options to grpc.NewServer.
func WithServerOptions(opts ...grpc.ServerOption) Option {
	return func(o *options) { o.extra = append(o.extra, opts...) }
}

// Server bundles the gRPC server and its health service.
type Server struct {
	*grpc.Server
	Health *health.Server
}

// NewServer builds a gRPC server whose calls pass through the identity
// pipeline. Health checks are public unless WithPublicMethods replaces the list.
func NewServer(a Authenticator, opts ...Option) *Server {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if !o.publicSet {
		o.public = []string{HealthMethodPrefix}
	}
	serverOpts := append([]grpc.ServerOption{
		grpc.ChainUnaryInterceptor(UnaryAuthInterceptor(a, o.public...)),
		grpc.ChainStreamInterceptor(StreamAuthInterceptor(a, o.public...)),
	}, o.extra...)

	srv := grpc.NewServer(serverOpts...)
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
	return &Server{Server: srv, Health: hs}
}

// GracefulStop marks the service as not serving before draining calls.
func (s *Server) GracefulStop() {
	s.Health.Shutdown()
	s.Server.GracefulStop()
}

// UnaryAuthInterceptor authenticates every non-public unary call.
func UnaryAuthInterceptor(a Authenticator, public ...string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if isPublic(info.FullMethod, public) {
			return handler(ctx, req)
		}
		ctx, err := authenticate(ctx, a)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

type wrappedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedStream) Context() context.Context { return w.ctx }

// StreamAuthInterceptor authenticates every non-public streaming call.
func StreamAuthInterceptor(a Authenticator, public ...string) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if isPublic(info.FullMethod, public) {
			return handler(srv, ss)
		}
		ctx, err := authenticate(ss.Context(), a)
		if err != nil {
			return err
		}
		return handler(srv, &wrappedStream{ServerStream: ss, ctx: ctx})
	}
}

func authenticate(ctx context.Context, a Authenticator) (context.Context, error) {
	if a == nil {
		return nil, status.Error(codes.Unavailable, "authentication unavailable")
	}
	raw, err := bearerFromMetadata(ctx)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, err.Error())
	}
	claims, err := a.Authenticate(ctx, raw)
	if err != nil {
		if errors.Is(err, auth.ErrCredentialExpired) {
			return nil, status.Error(codes.Unauthenticated, "token expired")
		}
		if errors.Is(err, auth.ErrCredentialInvalid) {
			return nil, status.Error(codes.Unauthenticated, "invalid token")
		}
		obs.Logger().ErrorContext(ctx, "grpc authentication failed", "error", err)
		return nil, status.Error(codes.Internal, "authentication error")
	}
	return auth.ContextWithClaims(ctx, claims), nil
}

func bearerFromMetadata(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", errors.New("missing bearer token")
	}
	values := md.Get("authorization")
	if len(values) == 0 {
		return "", errors.New("missing bearer token")
	}
	v := strings.TrimSpace(values[0])
	if len(v) < 7 || !strings.EqualFold(v[:7], "bearer ") {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(v[7:])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublic(method string, public []string) bool {
	for _, p := range public {
		if p == method || (strings.HasSuffix(p, "/") && strings.HasPrefix(method, p)) {
			return true
		}
	}
	return false
}
