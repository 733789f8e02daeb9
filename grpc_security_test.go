package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	configpkg "raycastlab/tuner/internal/config"
	"raycastlab/tuner/internal/logging"
)

type stubServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *stubServerStream) Context() context.Context {
	return s.ctx
}

func TestSharedSecretInterceptorAcceptsValidSecret(t *testing.T) {
	interceptor := newSharedSecretStreamInterceptor("hunter2")
	md := metadata.New(map[string]string{sharedSecretMetadataKey: "hunter2"})
	stream := &stubServerStream{ctx: metadata.NewIncomingContext(context.Background(), md)}
	called := false
	handler := func(any, grpc.ServerStream) error {
		called = true
		return nil
	}
	if err := interceptor(nil, stream, &grpc.StreamServerInfo{}, handler); err != nil {
		t.Fatalf("interceptor returned error: %v", err)
	}
	if !called {
		t.Fatal("expected handler to be invoked for valid secret")
	}
}

func TestSharedSecretInterceptorRejectsMissingSecret(t *testing.T) {
	interceptor := newSharedSecretStreamInterceptor("hunter2")
	stream := &stubServerStream{ctx: context.Background()}
	handler := func(any, grpc.ServerStream) error { return nil }
	err := interceptor(nil, stream, &grpc.StreamServerInfo{}, handler)
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected unauthenticated code, got %v", err)
	}
}

func TestSharedSecretUnaryInterceptor(t *testing.T) {
	interceptor := newSharedSecretUnaryInterceptor("hunter2")
	handler := func(ctx context.Context, req any) (any, error) { return "ok", nil }

	tests := map[string]struct {
		md   metadata.MD
		want codes.Code
	}{
		"bearer token":  {md: metadata.Pairs("authorization", "Bearer hunter2"), want: codes.OK},
		"metadata key":  {md: metadata.Pairs(sharedSecretMetadataKey, " hunter2 "), want: codes.OK},
		"wrong secret":  {md: metadata.Pairs(sharedSecretMetadataKey, "hunter3"), want: codes.Unauthenticated},
		"basic scheme":  {md: metadata.Pairs("authorization", "Basic aHVudGVyMg=="), want: codes.Unauthenticated},
		"empty secrets": {md: metadata.Pairs(sharedSecretMetadataKey, "  "), want: codes.Unauthenticated},
	}
	for name, tc := range tests {
		ctx := metadata.NewIncomingContext(context.Background(), tc.md)
		_, err := interceptor(ctx, nil, &grpc.UnaryServerInfo{FullMethod: "/raycastlab.tuner.v1.Tuner/CopyCode"}, handler)
		if got := status.Code(err); got != tc.want {
			t.Fatalf("%s: expected %v, got %v", name, tc.want, got)
		}
	}
}

func TestLoadMTLSCredentialsFailsWithBadPaths(t *testing.T) {
	if _, err := loadMTLSCredentials("missing-cert", "missing-key", "missing-ca"); err == nil {
		t.Fatal("expected error for missing files")
	}
}

func TestConfigureGRPCSecurity(t *testing.T) {
	certFile, keyFile := generateSelfSignedCert(t)

	tests := map[string]struct {
		cfg  configpkg.Config
		opts int
	}{
		"plaintext":     {cfg: configpkg.Config{}, opts: 0},
		"tls":           {cfg: configpkg.Config{TLSCertPath: certFile, TLSKeyPath: keyFile}, opts: 1},
		"mtls":          {cfg: configpkg.Config{TLSCertPath: certFile, TLSKeyPath: keyFile, GRPCClientCAPath: certFile}, opts: 1},
		"shared secret": {cfg: configpkg.Config{GRPCSharedSecret: "hunter2"}, opts: 2},
		"tls and token": {cfg: configpkg.Config{TLSCertPath: certFile, TLSKeyPath: keyFile, GRPCSharedSecret: "hunter2"}, opts: 3},
	}
	for name, tc := range tests {
		cfg := tc.cfg
		opts, err := configureGRPCSecurity(&cfg, logging.NewTestLogger())
		if err != nil {
			t.Fatalf("%s: configureGRPCSecurity: %v", name, err)
		}
		if len(opts) != tc.opts {
			t.Fatalf("%s: expected %d options, got %d", name, tc.opts, len(opts))
		}
	}

	bad := configpkg.Config{TLSCertPath: certFile, TLSKeyPath: keyFile, GRPCClientCAPath: keyFile}
	if _, err := configureGRPCSecurity(&bad, logging.NewTestLogger()); err == nil {
		t.Fatal("expected error for a client CA without certificates")
	}
}

func generateSelfSignedCert(t *testing.T) (string, string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "tuner.test"},
		DNSNames:              []string{"localhost"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}

	dir := t.TempDir()
	certFile := filepath.Join(dir, "tls.crt")
	keyFile := filepath.Join(dir, "tls.key")
	if err := os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	if err := os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return certFile, keyFile
}
