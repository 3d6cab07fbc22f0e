package auth

import (
	"chat-core/contract"
	"chat-core/domain"
	"context"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// Methods that do not require a token: orchestrators probe health anonymously.
var publicMethods = map[string]struct{}{
	grpc_health_v1.Health_Check_FullMethodName: {},
}

type contextKey string

const IdentityKey contextKey = "identity"

// UnaryInterceptor handles JWT validation for incoming gRPC calls on the ops port.
func UnaryInterceptor(authenticator contract.Authenticator) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if isPublicMethod(info.FullMethod) {
			return handler(ctx, req)
		}

		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Error(codes.Unauthenticated, "metadata is missing")
		}
		values := md.Get("authorization")
		if len(values) == 0 {
			return nil, status.Error(codes.Unauthenticated, "authorization token is missing")
		}

		// Expecting the standard "Bearer <token>" format
		identity, err := authenticator.Authenticate(strings.TrimPrefix(values[0], "Bearer "))
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, "invalid or expired token")
		}
		return handler(context.WithValue(ctx, IdentityKey, identity), req)
	}
}

// IdentityFrom returns the caller injected by UnaryInterceptor.
func IdentityFrom(ctx context.Context) (domain.Identity, bool) {
	identity, ok := ctx.Value(IdentityKey).(domain.Identity)
	return identity, ok
}

// isPublicMethod checks if the current gRPC method is allowed without a token.
func isPublicMethod(method string) bool {
	_, ok := publicMethods[method]
	return ok
}
