package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/itstheanurag/runbox/internal/executor"
	"github.com/itstheanurag/runbox/internal/languages"
	"github.com/itstheanurag/runbox/internal/limiter"
	"github.com/itstheanurag/runbox/internal/queue"
	"github.com/itstheanurag/runbox/internal/service"
	"github.com/rs/zerolog"
)

const (
	RequestIDHeader = "X-Request-ID"
	tenantKey       = "tenant"
)

// Service is the subset of service.Service the handlers call.
type Service interface {
	Languages() []languages.Language
	Start(ctx context.Context, tenant, languageID string) error
	Run(ctx context.Context, tenant, languageID, code, stdin string) (*executor.ExecutionResult, error)
	RunTests(ctx context.Context, tenant, languageID, code string, cases []executor.TestCase) ([]executor.TestCaseResult, error)
	Stop(ctx context.Context, tenant string) error
}

type StartRequest struct {
	Language string `json:"language"`
}

type ExecutionRequest struct {
	Language   string `json:"language"`
	SourceCode string `json:"source_code"`
	Stdin      string `json:"stdin"`
}

type TestRequest struct {
	Language   string              `json:"language"`
	SourceCode string              `json:"source_code"`
	TestCases  []executor.TestCase `json:"test_cases"`
}

type TestResponse struct {
	Results []executor.TestCaseResult `json:"results"`
}

type LanguageResponse struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Image    string `json:"image"`
	Compiled bool   `json:"compiled"`
}

type Handler struct {
	service Service
	logger  *zerolog.Logger
}

func NewHandler(svc Service, logger *zerolog.Logger) *Handler {
	return &Handler{
		service: svc,
		logger:  logger,
	}
}

// Register mounts the tenant routes. Middlewares run before every route.
func (h *Handler) Register(r gin.IRouter, middlewares ...gin.HandlerFunc) {
	r.GET("/languages", h.Languages)

	g := r.Group("/", append([]gin.HandlerFunc{RequestID(), Tenant()}, middlewares...)...)
	g.POST("/sessions", h.Start)
	g.DELETE("/sessions", h.Stop)
	g.POST("/execute", h.Execute)
	g.POST("/execute/tests", h.ExecuteTests)
}

// RequestID echoes X-Request-ID or assigns a new one.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

// Tenant rejects requests without a tenant id.
func Tenant() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenant := c.GetHeader(limiter.TenantHeader)
		if tenant == "" {
			abort(c, http.StatusBadRequest, service.ErrMissingTenant)
			return
		}
		c.Set(tenantKey, tenant)
		c.Next()
	}
}

func (h *Handler) Languages(c *gin.Context) {
	langs := h.service.Languages()
	out := make([]LanguageResponse, 0, len(langs))
	for _, l := range langs {
		out = append(out, LanguageResponse{
			ID:       l.ID,
			Name:     l.Name,
			Image:    l.Config.Image,
			Compiled: l.Compiled(),
		})
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) Start(c *gin.Context) {
	var req StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}

	if err := h.service.Start(c.Request.Context(), c.GetString(tenantKey), req.Language); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) Stop(c *gin.Context) {
	if err := h.service.Stop(c.Request.Context(), c.GetString(tenantKey)); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) Execute(c *gin.Context) {
	var req ExecutionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}

	res, err := h.service.Run(c.Request.Context(), c.GetString(tenantKey), req.Language, req.SourceCode, req.Stdin)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) ExecuteTests(c *gin.Context) {
	var req TestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}

	results, err := h.service.RunTests(c.Request.Context(), c.GetString(tenantKey), req.Language, req.SourceCode, req.TestCases)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, TestResponse{Results: results})
}

func (h *Handler) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error().
			Err(err).
			Str("request_id", c.Writer.Header().Get(RequestIDHeader)).
			Str("tenant", c.GetString(tenantKey)).
			Msg("request failed")
	}
	abort(c, status, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrMissingTenant),
		errors.Is(err, service.ErrUnknownLanguage),
		errors.Is(err, service.ErrEmptyCode),
		errors.Is(err, service.ErrNoTestCases):
		return http.StatusBadRequest
	case errors.Is(err, queue.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func abort(c *gin.Context, status int, err error) {
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}
