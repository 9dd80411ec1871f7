// Package api serves a Pipeline over HTTP.
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"nano-cb-go/nanocb"
)

// maxBatchRequests bounds the requests of one POST /v1/generate call.
const maxBatchRequests = 256

// GenerateRequest is the body of POST /v1/generate.
type GenerateRequest struct {
	Requests []nanocb.RequestSpec `json:"requests"`
}

// GenerateResponse answers POST /v1/generate with one result per request,
// in request order.
type GenerateResponse struct {
	ID      string          `json:"id"`
	Created int64           `json:"created"`
	Results []RequestResult `json:"results"`
}

// RequestResult is the outcome of one request.
type RequestResult struct {
	RequestID uint64   `json:"request_id"`
	Status    string   `json:"status"`
	Error     string   `json:"error,omitempty"`
	Outputs   []Output `json:"outputs"`
}

// Output is one returned sequence.
type Output struct {
	Text         string  `json:"text"`
	TokenIDs     []int   `json:"token_ids"`
	Score        float64 `json:"score"`
	FinishReason string  `json:"finish_reason"`
}

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody describes one failure. Type is the error class and Param the
// offending request field, if any.
type ErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
}

// Server exposes generation, introspection and metrics of one pipeline.
type Server struct {
	pipeline *nanocb.Pipeline
}

// NewServer wraps p. Requests only make progress while Serve, or the
// pipeline's Run loop, is running.
func NewServer(p *nanocb.Pipeline) *Server {
	return &Server{pipeline: p}
}

// Register mounts the routes on e.
func (s *Server) Register(e *echo.Echo) {
	e.POST("/v1/generate", s.handleGenerate)
	e.GET("/v1/introspection", s.handleIntrospection)
	e.GET("/healthz", s.handleHealth)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.pipeline.Metrics().Registry(), promhttp.HandlerOpts{})))
}

// Serve runs the engine loop and the HTTP listener until ctx is done.
func (s *Server) Serve(ctx context.Context, addr string) error {
	e := echo.New()
	e.Use(middleware.RequestLogger())
	e.Use(middleware.Recover())
	s.Register(e)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.pipeline.Run(ctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		logrus.Infof("listening on %s", addr)
		sc := echo.StartConfig{
			Address: addr,
			BeforeServeFunc: func(srv *http.Server) error {
				srv.ReadHeaderTimeout = 10 * time.Second
				return nil
			},
		}
		if err := sc.Start(ctx, e); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	return g.Wait()
}

func (s *Server) handleGenerate(c *echo.Context) error {
	req, err := decodeJSON[GenerateRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, "", err.Error())
	}
	if len(req.Requests) == 0 {
		return writeBadRequest(c, "requests", "at least one request is required")
	}
	if len(req.Requests) > maxBatchRequests {
		return writeBadRequest(c, "requests", "too many requests")
	}

	configs := make([]nanocb.DecodingConfig, len(req.Requests))
	for i, spec := range req.Requests {
		dc, err := spec.Decoding.Build()
		if err != nil {
			var cerr *nanocb.ConfigError
			if errors.As(err, &cerr) {
				return writeBadRequest(c, cerr.Field, err.Error())
			}
			return writeBadRequest(c, "decoding", err.Error())
		}
		configs[i] = dc
	}

	// Admission failures resolve their handle right away and are reported
	// in the request's result.
	handles := make([]*nanocb.RequestHandle, len(req.Requests))
	for i, spec := range req.Requests {
		handles[i], _ = s.pipeline.Submit(spec.Prompt, configs[i])
	}

	ctx := c.Request().Context()
	resp := GenerateResponse{
		ID:      "gen-" + uuid.NewString(),
		Created: time.Now().Unix(),
		Results: make([]RequestResult, len(handles)),
	}
	for i, h := range handles {
		res, err := h.Wait(ctx)
		if err != nil {
			for _, h := range handles {
				h.Cancel()
			}
			return writeError(c, http.StatusServiceUnavailable, "cancelled", "", err.Error())
		}
		resp.Results[i] = toResult(res)
	}
	return c.JSON(http.StatusOK, resp)
}

func toResult(res nanocb.GenerationResult) RequestResult {
	out := RequestResult{
		RequestID: res.RequestID,
		Status:    res.Status.String(),
		Outputs:   make([]Output, len(res.TokenIDs)),
	}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}
	for i := range res.TokenIDs {
		out.Outputs[i] = Output{
			Text:         res.Texts[i],
			TokenIDs:     res.TokenIDs[i],
			Score:        res.Scores[i],
			FinishReason: string(res.FinishReasons[i]),
		}
	}
	return out
}

func (s *Server) handleIntrospection(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.pipeline.GetModelIntrospection())
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":      "ok",
		"free_blocks": s.pipeline.NumFreeBlocks(),
		"busy":        s.pipeline.HasRunningRequests(),
	})
}

func writeBadRequest(c *echo.Context, param, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", param, msg)
}

func writeError(c *echo.Context, status int, errType, param, msg string) error {
	return c.JSON(status, ErrorResponse{Error: ErrorBody{Message: msg, Type: errType, Param: param}})
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	if err := json.NewDecoder(r).Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}
