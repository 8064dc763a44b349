// Package transfer exposes the blob store over HTTP. Every write and every
// read of original content requires a capability minted by the daemon;
// processed results are public reads. The storage-owning process is the only
// one that touches the blob store directly, so workers and the CLI move bytes
// exclusively through this API.
package transfer

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"veil/internal/blobstore"
	"veil/internal/config"
	"veil/internal/logging"
	"veil/internal/services"
	"veil/internal/signer"
)

// publicPrefix marks blob paths readable without a capability. Anonymized
// results carry no sensitive content.
const publicPrefix = "processed/"

// Server serves the transfer API.
type Server struct {
	router   *gin.Engine
	blobs    *blobstore.Store
	signer   *signer.Signer
	token    string
	writeTTL time.Duration
	readTTL  time.Duration
	logger   *slog.Logger
	httpSrv  *http.Server
	listener net.Listener
}

// NewServer wires the transfer routes against the given blob store and
// capability signer.
func NewServer(cfg *config.Config, blobs *blobstore.Store, sgnr *signer.Signer, logger *slog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		router:   router,
		blobs:    blobs,
		signer:   sgnr,
		token:    cfg.Storage.APIToken,
		writeTTL: cfg.CapabilityTTL(),
		readTTL:  cfg.DetailReadTTL(),
		logger:   logging.NewComponentLogger(logger, "transfer"),
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.POST("/api/capabilities", s.handleMintCapability)
	router.PUT("/blobs/*path", s.handlePut)
	router.GET("/blobs/*path", s.handleGet)
	router.DELETE("/blobs/*path", s.handleDelete)

	s.httpSrv = &http.Server{
		Addr:              cfg.Storage.Bind,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start binds the configured address and serves in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.httpSrv.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.httpSrv.Addr, err)
	}
	s.listener = listener
	go func() {
		if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("transfer server stopped", logging.Error(err))
		}
	}()
	s.logger.Info("transfer API listening", logging.String("addr", s.Addr()))
	return nil
}

// Addr returns the bound listen address. Only valid after Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.httpSrv.Addr
	}
	return s.listener.Addr().String()
}

// BaseURL returns the http base URL for the bound address.
func (s *Server) BaseURL() string {
	return "http://" + s.Addr()
}

// Shutdown drains in-flight requests and closes the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// Handler exposes the route tree for httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

type mintRequest struct {
	Method string `json:"method"`
	Path   string `json:"path"`
}

func (s *Server) handleMintCapability(c *gin.Context) {
	if !s.authorized(c.GetHeader("Authorization")) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing bearer token"})
		return
	}

	// Mints correlate with the caller's request ID when one is sent.
	rid := c.GetHeader("X-Request-ID")
	if rid == "" {
		rid = uuid.NewString()
	}
	logger := logging.WithContext(services.WithRequestID(c.Request.Context(), rid), s.logger)

	var req mintRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method != http.MethodGet && method != http.MethodPut {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("method %q not grantable", req.Method)})
		return
	}
	path := strings.TrimPrefix(strings.TrimSpace(req.Path), "/")
	if path == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "path is required"})
		return
	}

	// Reads are consumed immediately after minting, so they get the short
	// lifetime; write grants cover the full upload window.
	ttl := s.writeTTL
	if method == http.MethodGet {
		ttl = s.readTTL
	}
	capability := s.signer.Issue(method, path, ttl)
	logger.Info("capability issued",
		logging.String("method", method),
		logging.String("path", path))
	c.JSON(http.StatusOK, capability)
}

func (s *Server) authorized(header string) bool {
	const prefix = "Bearer "
	if s.token == "" || !strings.HasPrefix(header, prefix) {
		return false
	}
	presented := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	return subtle.ConstantTimeCompare([]byte(presented), []byte(s.token)) == 1
}

func (s *Server) handlePut(c *gin.Context) {
	path := strings.TrimPrefix(c.Param("path"), "/")
	if !s.verifyCapability(c, http.MethodPut, path) {
		return
	}

	if err := s.blobs.Write(path, c.Request.Body); err != nil {
		if errors.Is(err, blobstore.ErrInvalidPath) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		s.logger.Error("blob write failed", logging.String("path", path), logging.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "write failed"})
		return
	}
	s.logger.Info("blob stored", logging.String("path", path))
	c.JSON(http.StatusCreated, gin.H{"path": path})
}

func (s *Server) handleGet(c *gin.Context) {
	path := strings.TrimPrefix(c.Param("path"), "/")
	if !strings.HasPrefix(path, publicPrefix) {
		if !s.verifyCapability(c, http.MethodGet, path) {
			return
		}
	}

	size, err := s.blobs.Stat(path)
	if err != nil {
		s.respondBlobError(c, path, err)
		return
	}
	reader, err := s.blobs.Open(path)
	if err != nil {
		s.respondBlobError(c, path, err)
		return
	}
	defer reader.Close()
	s.logger.Debug("blob served",
		logging.String("path", path),
		logging.Int64("bytes", size))
	c.DataFromReader(http.StatusOK, size, "application/octet-stream", reader, nil)
}

// handleDelete removes a blob. Deletion is an administrative operation, so
// it is gated on the bearer token rather than a capability.
func (s *Server) handleDelete(c *gin.Context) {
	if !s.authorized(c.GetHeader("Authorization")) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing bearer token"})
		return
	}
	path := strings.TrimPrefix(c.Param("path"), "/")
	s.blobs.Delete(path)
	c.JSON(http.StatusOK, gin.H{"path": path})
}

func (s *Server) respondBlobError(c *gin.Context, path string, err error) {
	switch {
	case errors.Is(err, blobstore.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "blob not found"})
	case errors.Is(err, blobstore.ErrInvalidPath):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		s.logger.Error("blob read failed", logging.String("path", path), logging.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "read failed"})
	}
}

// verifyCapability checks the sig/exp query parameters against the request
// method and blob path. It writes the failure response itself and reports
// whether the request may proceed.
func (s *Server) verifyCapability(c *gin.Context, method, path string) bool {
	sig := c.Query("sig")
	expRaw := c.Query("exp")
	if sig == "" || expRaw == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "capability required"})
		return false
	}
	expiry, err := strconv.ParseInt(expRaw, 10, 64)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "malformed expiry"})
		return false
	}
	if err := s.signer.Verify(method, path, sig, expiry, time.Now()); err != nil {
		s.logger.Warn("capability rejected",
			logging.String("method", method),
			logging.String("path", path),
			logging.Error(err))
		status := http.StatusForbidden
		if errors.Is(err, signer.ErrExpired) {
			status = http.StatusUnauthorized
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return false
	}
	return true
}
