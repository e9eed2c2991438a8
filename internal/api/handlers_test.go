package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/itstheanurag/runbox/internal/executor"
	"github.com/itstheanurag/runbox/internal/languages"
	"github.com/itstheanurag/runbox/internal/limiter"
	"github.com/itstheanurag/runbox/internal/queue"
	"github.com/itstheanurag/runbox/internal/sandbox"
	"github.com/itstheanurag/runbox/internal/service"
	"github.com/rs/zerolog"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type mockService struct {
	startErr error
	runRes   *executor.ExecutionResult
	runErr   error
	tests    []executor.TestCaseResult
	testsErr error

	tenant string
	lang   string
	stdin  string
	cases  []executor.TestCase
	stops  int
}

func (m *mockService) Languages() []languages.Language {
	return languages.NewRegistry().List()
}

func (m *mockService) Start(_ context.Context, tenant, languageID string) error {
	m.tenant, m.lang = tenant, languageID
	return m.startErr
}

func (m *mockService) Run(_ context.Context, tenant, languageID, _, stdin string) (*executor.ExecutionResult, error) {
	m.tenant, m.lang, m.stdin = tenant, languageID, stdin
	return m.runRes, m.runErr
}

func (m *mockService) RunTests(_ context.Context, tenant, languageID, _ string, cases []executor.TestCase) ([]executor.TestCaseResult, error) {
	m.tenant, m.lang, m.cases = tenant, languageID, cases
	return m.tests, m.testsErr
}

func (m *mockService) Stop(_ context.Context, tenant string) error {
	m.tenant = tenant
	m.stops++
	return nil
}

func newRouter(svc Service) *gin.Engine {
	logger := zerolog.Nop()
	r := gin.New()
	NewHandler(svc, &logger).Register(r)
	return r
}

func do(r http.Handler, method, path, tenant string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if tenant != "" {
		req.Header.Set(limiter.TenantHeader, tenant)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestExecute(t *testing.T) {
	svc := &mockService{runRes: &executor.ExecutionResult{Status: executor.StatusSuccess, Stdout: "3\n"}}
	r := newRouter(svc)

	w := do(r, http.MethodPost, "/execute", "u1", ExecutionRequest{Language: "python", SourceCode: "x", Stdin: "1 2"})
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d body = %s", w.Code, w.Body)
	}
	var res executor.ExecutionResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if res.Status != executor.StatusSuccess || res.Stdout != "3\n" {
		t.Fatalf("unexpected response %+v", res)
	}
	if svc.tenant != "u1" || svc.lang != "python" || svc.stdin != "1 2" {
		t.Fatalf("service got %+v", svc)
	}
	if w.Header().Get(RequestIDHeader) == "" {
		t.Fatal("missing request id")
	}
}

func TestMissingTenant(t *testing.T) {
	svc := &mockService{}
	r := newRouter(svc)

	w := do(r, http.MethodPost, "/execute", "", ExecutionRequest{Language: "python", SourceCode: "x"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("code = %d", w.Code)
	}
	if svc.lang != "" {
		t.Fatal("service must not be called")
	}
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: %q", service.ErrUnknownLanguage, "cobol"), http.StatusBadRequest},
		{service.ErrEmptyCode, http.StatusBadRequest},
		{service.ErrNoTestCases, http.StatusBadRequest},
		{fmt.Errorf("failed to start session: %w", sandbox.ErrImagePull), http.StatusBadGateway},
		{queue.ErrClosed, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		tt := tt // per-iteration copy (go directive is below 1.22)
		t.Run(tt.err.Error(), func(t *testing.T) {
			r := newRouter(&mockService{startErr: tt.err})
			w := do(r, http.MethodPost, "/sessions", "u1", StartRequest{Language: "python"})
			if w.Code != tt.want {
				t.Fatalf("code = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestStartAndStop(t *testing.T) {
	svc := &mockService{}
	r := newRouter(svc)

	if w := do(r, http.MethodPost, "/sessions", "u1", StartRequest{Language: "go"}); w.Code != http.StatusNoContent {
		t.Fatalf("start code = %d", w.Code)
	}
	if svc.lang != "go" {
		t.Fatalf("language = %q", svc.lang)
	}
	if w := do(r, http.MethodDelete, "/sessions", "u1", nil); w.Code != http.StatusNoContent {
		t.Fatalf("stop code = %d", w.Code)
	}
	if svc.stops != 1 {
		t.Fatal("stop not called")
	}
}

func TestExecuteTests(t *testing.T) {
	passed := true
	svc := &mockService{tests: []executor.TestCaseResult{{Index: 0, Status: executor.StatusSuccess, Passed: &passed}}}
	r := newRouter(svc)

	want := "3"
	w := do(r, http.MethodPost, "/execute/tests", "u1", TestRequest{
		Language:   "python",
		SourceCode: "x",
		TestCases:  []executor.TestCase{{Input: "1 2", Expected: &want}},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d body = %s", w.Code, w.Body)
	}
	var res TestResponse
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if len(res.Results) != 1 || res.Results[0].Passed == nil || !*res.Results[0].Passed {
		t.Fatalf("unexpected response %+v", res)
	}
	if len(svc.cases) != 1 || *svc.cases[0].Expected != "3" {
		t.Fatalf("cases = %+v", svc.cases)
	}
}

func TestExecuteTestsServiceError(t *testing.T) {
	r := newRouter(&mockService{testsErr: service.ErrNoTestCases})
	w := do(r, http.MethodPost, "/execute/tests", "u1", TestRequest{Language: "python", SourceCode: "x"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("code = %d", w.Code)
	}
}

func TestInvalidBody(t *testing.T) {
	r := newRouter(&mockService{})
	req := httptest.NewRequest(http.MethodPost, "/execute", bytes.NewBufferString("{"))
	req.Header.Set(limiter.TenantHeader, "u1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("code = %d", w.Code)
	}
}

func TestLanguages(t *testing.T) {
	r := newRouter(&mockService{})
	w := do(r, http.MethodGet, "/languages", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d", w.Code)
	}
	var out []LanguageResponse
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if len(out) != len(languages.NewRegistry().List()) {
		t.Fatalf("got %d languages", len(out))
	}
}

func TestRequestIDEchoed(t *testing.T) {
	r := newRouter(&mockService{})
	req := httptest.NewRequest(http.MethodDelete, "/sessions", nil)
	req.Header.Set(limiter.TenantHeader, "u1")
	req.Header.Set(RequestIDHeader, "abc")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if got := w.Header().Get(RequestIDHeader); got != "abc" {
		t.Fatalf("request id = %q", got)
	}
}
