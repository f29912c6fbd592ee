package grpc

import (
	"context"
	"crypto/subtle"
	"fmt"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"snowbiome/server/internal/logging"
)

// SecretMetadataKey carries the observer shared secret.
const SecretMetadataKey = "x-snowbiome-secret"

// SecurityConfig selects transport credentials and observer authentication.
type SecurityConfig struct {
	SharedSecret string
	CertPath     string
	KeyPath      string
}

// ServerOptions builds the server options for the configured security. An
// empty secret leaves the service open, which is only logged.
func ServerOptions(cfg SecurityConfig, logger *logging.Logger) ([]grpc.ServerOption, error) {
	if logger == nil {
		logger = logging.L()
	}
	var opts []grpc.ServerOption
	if cfg.CertPath != "" || cfg.KeyPath != "" {
		creds, err := credentials.NewServerTLSFromFile(cfg.CertPath, cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("load grpc keypair: %w", err)
		}
		opts = append(opts, grpc.Creds(creds))
		logger.Info("gRPC TLS enabled")
	}
	secret := strings.TrimSpace(cfg.SharedSecret)
	if secret == "" {
		logger.Warn("gRPC observer service has no shared secret")
		return opts, nil
	}
	opts = append(opts,
		grpc.ChainUnaryInterceptor(NewSharedSecretUnaryInterceptor(secret)),
		grpc.ChainStreamInterceptor(NewSharedSecretStreamInterceptor(secret)),
	)
	logger.Info("gRPC shared-secret authentication enabled")
	return opts, nil
}

// NewSharedSecretUnaryInterceptor rejects unary calls without the secret.
func NewSharedSecretUnaryInterceptor(secret string) grpc.UnaryServerInterceptor {
	normalized := strings.TrimSpace(secret)
	return func(ctx context.Context, req interface{}, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if err := checkSharedSecret(ctx, normalized); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// NewSharedSecretStreamInterceptor rejects streams without the secret.
func NewSharedSecretStreamInterceptor(secret string) grpc.StreamServerInterceptor {
	normalized := strings.TrimSpace(secret)
	return func(srv interface{}, ss grpc.ServerStream, _ *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if err := checkSharedSecret(ss.Context(), normalized); err != nil {
			return err
		}
		return handler(srv, ss)
	}
}

func checkSharedSecret(ctx context.Context, secret string) error {
	if secret == "" {
		return status.Error(codes.Unauthenticated, "shared secret not configured")
	}
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "missing metadata")
	}
	candidate := extractSharedSecret(md)
	if candidate == "" {
		return status.Error(codes.Unauthenticated, "missing shared secret")
	}
	if subtle.ConstantTimeCompare([]byte(candidate), []byte(secret)) != 1 {
		return status.Error(codes.Unauthenticated, "invalid shared secret")
	}
	return nil
}

func extractSharedSecret(md metadata.MD) string {
	for _, value := range md.Get(SecretMetadataKey) {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	for _, value := range md.Get("authorization") {
		if len(value) > 7 && strings.EqualFold(value[:7], "bearer ") {
			if token := strings.TrimSpace(value[7:]); token != "" {
				return token
			}
		}
	}
	return ""
}
