package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/sirosfoundation/as4-engine/pkg/message"
)

// TLS version constants
const (
	TLS12 = tls.VersionTLS12
	TLS13 = tls.VersionTLS13
)

// UserAgent is sent with every outbound request.
const UserAgent = "as4-engine/1.0"

// maxResponseSize caps how much of a response body is read.
const maxResponseSize = 32 << 20

// Recommended TLS 1.2 cipher suites for AS4
var RecommendedTLS12CipherSuites = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
}

// ErrNoCertificates is returned by Start when TLS is required but no
// server certificate is configured.
var ErrNoCertificates = errors.New("no TLS certificates configured")

// HTTPSConfig contains HTTPS client/server configuration
type HTTPSConfig struct {
	MinTLSVersion   uint16
	MaxTLSVersion   uint16
	CipherSuites    []uint16
	ClientAuth      tls.ClientAuthType
	Certificates    []tls.Certificate
	RootCAs         *x509.CertPool
	ClientCAs       *x509.CertPool
	Timeout         time.Duration
	IdleConnTimeout time.Duration
	// AllowPlainHTTP lets the server listen without TLS, for deployments
	// behind a terminating proxy.
	AllowPlainHTTP bool
	// RateLimit applies to the AS4 endpoint of an HTTPSServer.
	RateLimit RateLimit
	Logger    *slog.Logger
}

// DefaultHTTPSConfig returns a default HTTPS configuration
func DefaultHTTPSConfig() *HTTPSConfig {
	return &HTTPSConfig{
		MinTLSVersion:   TLS12,
		MaxTLSVersion:   TLS13,
		CipherSuites:    RecommendedTLS12CipherSuites,
		ClientAuth:      tls.NoClientCert,
		Timeout:         30 * time.Second,
		IdleConnTimeout: 90 * time.Second,
	}
}

func (c *HTTPSConfig) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

// Response is what a receiving MSH answered to a push.
type Response struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// HTTPSClient handles AS4 message transmission over HTTPS
type HTTPSClient struct {
	client *http.Client
	config *HTTPSConfig
}

// NewHTTPSClient creates a new HTTPS client
func NewHTTPSClient(config *HTTPSConfig) *HTTPSClient {
	if config == nil {
		config = DefaultHTTPSConfig()
	}

	tlsConfig := &tls.Config{
		MinVersion:   config.MinTLSVersion,
		MaxVersion:   config.MaxTLSVersion,
		CipherSuites: config.CipherSuites,
		Certificates: config.Certificates,
		RootCAs:      config.RootCAs,
	}

	transport := &http.Transport{
		TLSClientConfig:     tlsConfig,
		IdleConnTimeout:     config.IdleConnTimeout,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
	}

	return &HTTPSClient{
		client: &http.Client{
			Transport: transport,
			Timeout:   config.Timeout,
		},
		config: config,
	}
}

// Transmit posts body to endpoint. Failures that a later attempt may
// overcome, such as connection errors, timeouts and 5xx answers, are
// returned as retryable communication errors. Any other answer is returned
// as a Response for the caller to interpret.
func (c *HTTPSClient) Transmit(ctx context.Context, endpoint string, body []byte, contentType string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, message.Errorf(message.KindContent, message.ErrorDeliveryFailure, "",
			"creating request for %s: %v", endpoint, err)
	}

	req.Header.Set("Content-Type", contentType)
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("SOAPAction", "") // Empty for AS4

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, communicationError(endpoint, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, communicationError(endpoint, fmt.Errorf("reading response: %w", err))
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, message.Errorf(message.KindCommunication, message.ErrorDeliveryFailure, "",
			"%s answered %d: %s", endpoint, resp.StatusCode, snippet(respBody))
	}

	c.config.logger().Debug("message transmitted",
		slog.String("endpoint", endpoint),
		slog.Int("status", resp.StatusCode),
		slog.Int("response_bytes", len(respBody)))

	return &Response{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        respBody,
	}, nil
}

func communicationError(endpoint string, err error) error {
	pe := message.NewProcessingError(message.KindCommunication, message.ErrorConnectionFailure, "",
		fmt.Errorf("sending to %s: %w", endpoint, err))
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		pe.Detail = "timeout"
	}
	return pe
}

func snippet(b []byte) string {
	const limit = 256
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}

// HTTPSServer receives AS4 messages and hands them to an http.Handler.
type HTTPSServer struct {
	server  *http.Server
	config  *HTTPSConfig
	handler http.Handler
}

// NewHTTPSServer creates a server routing POSTs on path to handler. An empty
// path defaults to /as4.
func NewHTTPSServer(addr, path string, config *HTTPSConfig, handler http.Handler) *HTTPSServer {
	if config == nil {
		config = DefaultHTTPSConfig()
	}
	if path == "" {
		path = "/as4"
	}

	tlsConfig := &tls.Config{
		MinVersion:   config.MinTLSVersion,
		MaxVersion:   config.MaxTLSVersion,
		CipherSuites: config.CipherSuites,
		Certificates: config.Certificates,
		ClientCAs:    config.ClientCAs,
		ClientAuth:   config.ClientAuth,
	}

	s := &HTTPSServer{
		config:  config,
		handler: handler,
	}

	mux := http.NewServeMux()
	limiter := newPeerLimiter(config.RateLimit, config.logger())
	mux.Handle(path, limiter.middleware(s.methodGuard(handler)))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	s.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		TLSConfig:    tlsConfig,
		ReadTimeout:  config.Timeout,
		WriteTimeout: config.Timeout,
		IdleTimeout:  config.IdleConnTimeout,
	}

	return s
}

// Handler returns the routing handler, for tests and embedding.
func (s *HTTPSServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *HTTPSServer) methodGuard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start listens until Shutdown. It returns http.ErrServerClosed after a
// graceful shutdown.
func (s *HTTPSServer) Start() error {
	if len(s.config.Certificates) == 0 {
		if !s.config.AllowPlainHTTP {
			return ErrNoCertificates
		}
		s.config.logger().Warn("serving AS4 without TLS", slog.String("addr", s.server.Addr))
		return s.server.ListenAndServe()
	}
	s.config.logger().Info("serving AS4", slog.String("addr", s.server.Addr))
	return s.server.ListenAndServeTLS("", "")
}

// Shutdown gracefully shuts down the server
func (s *HTTPSServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
