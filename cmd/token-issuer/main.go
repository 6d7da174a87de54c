package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/austindbirch/harbor_relay/internal/auth"
	"github.com/austindbirch/harbor_relay/internal/logging"
)

const (
	defaultKeyID = "harborrelay-key-1"
	defaultTTL   = time.Hour
	maxTTL       = 24 * time.Hour
)

var knownScopes = map[string]bool{
	auth.ScopeRead:    true,
	auth.ScopePublish: true,
	auth.ScopeOperate: true,
}

// loadOrGenerateKey parses a PKCS#1 or PKCS#8 PEM private key. An empty
// string generates a fresh 2048-bit key.
func loadOrGenerateKey(privateKeyPEM string) (*rsa.PrivateKey, bool, error) {
	if privateKeyPEM == "" {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		return key, true, err
	}
	block, _ := pem.Decode([]byte(privateKeyPEM))
	if block == nil {
		return nil, false, errors.New("failed to decode PEM private key")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, false, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, false, fmt.Errorf("failed to parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, false, errors.New("private key is not RSA")
	}
	return key, false, nil
}

type tokenServer struct {
	issuer *auth.Issuer
}

func (s *tokenServer) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/.well-known/jwks.json", s.jwks)
	r.Get("/public-key.pem", s.publicKeyPEM)
	r.Post("/token", s.createToken)
	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *tokenServer) jwks(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, auth.JSONWebKeySet{
		Keys: []auth.JSONWebKey{auth.PublicJWK(s.issuer.KeyID, &s.issuer.Key.PublicKey)},
	})
}

// publicKeyPEM serves the key in the form JWT_PUBLIC_KEY expects.
func (s *tokenServer) publicKeyPEM(w http.ResponseWriter, _ *http.Request) {
	der, err := x509.MarshalPKIXPublicKey(&s.issuer.Key.PublicKey)
	if err != nil {
		http.Error(w, "failed to encode key", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	_ = pem.Encode(w, &pem.Block{Type: "PUBLIC KEY", Bytes: der})
}

type tokenRequest struct {
	Subject string   `json:"subject"`
	Scopes  []string `json:"scopes,omitempty"`
	TTL     int      `json:"ttl_seconds,omitempty"`
}

func (s *tokenServer) createToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if req.Subject == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "subject is required"})
		return
	}
	if len(req.Scopes) == 0 {
		req.Scopes = []string{auth.ScopeRead, auth.ScopePublish}
	}
	for _, sc := range req.Scopes {
		if !knownScopes[sc] {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown scope " + sc})
			return
		}
	}
	ttl := time.Duration(req.TTL) * time.Second
	switch {
	case ttl <= 0:
		ttl = defaultTTL
	case ttl > maxTTL:
		ttl = maxTTL
	}

	token, err := s.issuer.Mint(req.Subject, req.Scopes, ttl)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to sign token"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"token_type": "Bearer",
		"expires_in": int(ttl.Seconds()),
		"scope":      req.Scopes,
	})
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	logger := logging.New("harborrelay-token-issuer")

	key, generated, err := loadOrGenerateKey(os.Getenv("JWT_PRIVATE_KEY"))
	if err != nil {
		logger.Plain().WithError(err).Fatal("signing key unavailable")
	}
	if generated {
		logger.Plain().Warn("generated an ephemeral RSA key pair; tokens will not survive a restart")
	}

	s := &tokenServer{issuer: &auth.Issuer{
		Key:      key,
		KeyID:    getenv("JWT_KEY_ID", defaultKeyID),
		Issuer:   getenv("JWT_ISSUER", "harborrelay"),
		Audience: getenv("JWT_AUDIENCE", "harborrelay-api"),
	}}

	srv := &http.Server{
		Addr:              ":" + getenv("PORT", "8082"),
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Plain().WithField("addr", srv.Addr).Info("token issuer listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Fatal("token issuer failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}
