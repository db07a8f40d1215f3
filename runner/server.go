// Package runner serves a noise predictor over HTTP and provides the client
// that lets a guidance engine use it remotely.
package runner

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ollama/ism/guidance"
)

const requestIDHeader = "X-Request-ID"

// Server holds the predictor and handles requests one at a time.
type Server struct {
	mu        sync.Mutex
	predictor guidance.NoisePredictor
	name      string
}

func NewServer(name string, predictor guidance.NoisePredictor) *Server {
	return &Server{predictor: predictor, name: name}
}

// Handler returns the gin engine with the runner routes.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), requestID())

	r.GET("/health", s.healthHandler)
	r.POST("/predict", s.predictHandler)
	return r
}

// Serve runs the server on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.Handler()}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("runner listening", "addr", ln.Addr(), "predictor", s.name)
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		slog.Info("shutting down runner")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func (s *Server) healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "predictor": s.name})
}

func (s *Server) predictHandler(c *gin.Context) {
	bts, err := c.GetRawData()
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	var wire PredictRequest
	if err := cbor.Unmarshal(bts, &wire); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request: " + err.Error()})
		return
	}
	if wire.Precision, err = ParsePrecision(string(wire.Precision)); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	req, err := wire.request()
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	start := time.Now()
	s.mu.Lock()
	noise, err := s.predictor.PredictNoise(c.Request.Context(), req)
	s.mu.Unlock()
	if err != nil {
		slog.Warn("prediction failed", "request_id", c.GetString("request_id"), "error", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}

	slog.Debug("predicted noise", "request_id", c.GetString("request_id"),
		"batch", req.Latents.Dim(0), "timestep", req.Timestep, "elapsed", time.Since(start))

	out, err := cbor.Marshal(PredictResponse{Noise: fromTensor(noise, wire.Precision)})
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	c.Data(http.StatusOK, contentType, out)
}
