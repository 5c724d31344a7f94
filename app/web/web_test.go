package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/jobsrv/app/store"
	"github.com/umputun/jobsrv/app/web/mocks"
)

func newTestServer(t *testing.T, cfg Config) (*Server, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data", "jobs.json")
	if cfg.Store == nil {
		cfg.Store = store.NewJSON(path)
	}
	cfg.Version = "test"
	srv, err := New(cfg)
	require.NoError(t, err)
	return srv, path
}

func doRequest(t *testing.T, h http.Handler, method, url, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader = http.NoBody
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, rdr)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeMap(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var res map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res), rec.Body.String())
	return res
}

func TestNew(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)

	srv, err := New(Config{Store: &mocks.StoreMock{}})
	require.NoError(t, err)
	assert.Equal(t, int64(defaultMaxBodySize), srv.maxBodySize)
}

func TestServer_JobsLifecycle(t *testing.T) {
	srv, _ := newTestServer(t, Config{})
	h := srv.routes()

	rec := doRequest(t, h, "GET", "/api/jobs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, "[]", rec.Body.String())

	rec = doRequest(t, h, "POST", "/api/jobs", `{"title":"Write report","id":"x","salary":120000}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeMap(t, rec)
	id, ok := created["id"].(string)
	require.True(t, ok)
	assert.NotEqual(t, "x", id)
	assert.Equal(t, "Write report", created["title"])
	assert.InDelta(t, 120000, created["salary"], 0.1)
	assert.NotEmpty(t, created["createdAt"])
	assert.Equal(t, created["createdAt"], created["updatedAt"])

	rec = doRequest(t, h, "GET", "/api/jobs/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, created, decodeMap(t, rec))

	rec = doRequest(t, h, "GET", "/api/jobs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, created, list[0])

	time.Sleep(5 * time.Millisecond) // let updatedAt move
	rec = doRequest(t, h, "PUT", "/api/jobs/"+id, `{"status":"done","id":"other"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := decodeMap(t, rec)
	assert.Equal(t, id, updated["id"])
	assert.Equal(t, "done", updated["status"])
	assert.Equal(t, "Write report", updated["title"])
	assert.Equal(t, created["createdAt"], updated["createdAt"])
	assert.NotEqual(t, created["updatedAt"], updated["updatedAt"])

	rec = doRequest(t, h, "DELETE", "/api/jobs/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var delResp struct {
		Message string         `json:"message"`
		Job     map[string]any `json:"job"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &delResp))
	assert.Equal(t, "Job deleted successfully", delResp.Message)
	assert.Equal(t, updated, delResp.Job)

	rec = doRequest(t, h, "GET", "/api/jobs/"+id, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"Job not found"}`, rec.Body.String())

	rec = doRequest(t, h, "DELETE", "/api/jobs/"+id, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, h, "PUT", "/api/jobs/"+id, `{"status":"open"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_CreateOrder(t *testing.T) {
	srv, _ := newTestServer(t, Config{})
	h := srv.routes()

	for _, title := range []string{"first", "second", "third"} {
		rec := doRequest(t, h, "POST", "/api/jobs", fmt.Sprintf(`{"title":%q}`, title))
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := doRequest(t, h, "GET", "/api/jobs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 3)
	assert.Equal(t, "first", list[0]["title"])
	assert.Equal(t, "second", list[1]["title"])
	assert.Equal(t, "third", list[2]["title"])
}

func TestServer_NotFoundRoutes(t *testing.T) {
	srv, _ := newTestServer(t, Config{})
	h := srv.routes()

	tbl := []struct {
		method, url string
	}{
		{"GET", "/"},
		{"GET", "/blah"},
		{"GET", "/api/other"},
		{"PATCH", "/api/jobs/123"},
		{"POST", "/api/jobs/123"},
		{"GET", "/api/jobs/123/extra"},
		{"GET", "/api/jobs/"},
		{"GET", "/api"},
		{"PATCH", "/api/jobs"},
		{"DELETE", "/api/jobs"},
		{"PUT", "/api/jobs"},
	}
	for _, tt := range tbl {
		t.Run(tt.method+" "+tt.url, func(t *testing.T) {
			rec := doRequest(t, h, tt.method, tt.url, "")
			assert.Equal(t, http.StatusNotFound, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			assert.JSONEq(t, `{"error":"Route not found"}`, rec.Body.String())
		})
	}

	t.Run("with base url and write limit", func(t *testing.T) {
		srv, _ := newTestServer(t, Config{BaseURL: "/jobsrv", WriteLimit: 10})
		h := srv.handler()
		for _, tt := range []struct{ method, url string }{{"GET", "/jobsrv/nope"}, {"PATCH", "/jobsrv/api/jobs/1"}} {
			rec := doRequest(t, h, tt.method, tt.url, "")
			assert.Equal(t, http.StatusNotFound, rec.Code, tt.url)
			assert.JSONEq(t, `{"error":"Route not found"}`, rec.Body.String())
		}
		rec := doRequest(t, h, "GET", "/jobsrv/api/jobs", "")
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestServer_Panic(t *testing.T) {
	st := &mocks.StoreMock{ListFunc: func(context.Context) ([]store.Job, error) { panic("boom") }}
	srv, _ := newTestServer(t, Config{Store: st})

	rec := doRequest(t, srv.routes(), "GET", "/api/jobs", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"Something went wrong!"}`, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "boom")
}

func TestServer_CORS(t *testing.T) {
	t.Run("preflight", func(t *testing.T) {
		srv, _ := newTestServer(t, Config{CORSOrigin: "*"})
		req := httptest.NewRequest("OPTIONS", "/api/jobs", http.NoBody)
		req.Header.Set("Origin", "http://localhost:5173")
		req.Header.Set("Access-Control-Request-Method", "POST")
		req.Header.Set("Access-Control-Request-Headers", "content-type")
		rec := httptest.NewRecorder()
		srv.routes().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
		assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "PUT")
		assert.Equal(t, "content-type", rec.Header().Get("Access-Control-Allow-Headers"))
	})

	t.Run("simple request with custom origin", func(t *testing.T) {
		srv, _ := newTestServer(t, Config{CORSOrigin: "http://localhost:5173"})
		rec := doRequest(t, srv.routes(), "GET", "/api/jobs", "")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "Origin", rec.Header().Get("Vary"))
	})

	t.Run("disabled", func(t *testing.T) {
		srv, _ := newTestServer(t, Config{})
		rec := doRequest(t, srv.routes(), "GET", "/api/jobs", "")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	})
}

func TestServer_WriteLimit(t *testing.T) {
	srv, _ := newTestServer(t, Config{WriteLimit: 1})
	h := srv.routes()

	rec := doRequest(t, h, "POST", "/api/jobs", `{"title":"A"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doRequest(t, h, "POST", "/api/jobs", `{"title":"B"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	rec = doRequest(t, h, "GET", "/api/jobs", "")
	assert.Equal(t, http.StatusOK, rec.Code, "reads are not limited")
}

func TestServer_BodyTooLarge(t *testing.T) {
	srv, _ := newTestServer(t, Config{MaxBodySize: 64})
	body := fmt.Sprintf(`{"title":%q}`, strings.Repeat("a", 200))
	rec := doRequest(t, srv.routes(), "POST", "/api/jobs", body)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestServer_BaseURL(t *testing.T) {
	srv, _ := newTestServer(t, Config{BaseURL: "/jobsrv"})
	h := srv.handler()

	rec := doRequest(t, h, "GET", "/jobsrv", "")
	assert.Equal(t, http.StatusMovedPermanently, rec.Code)
	assert.Equal(t, "/jobsrv/", rec.Header().Get("Location"))

	rec = doRequest(t, h, "GET", "/jobsrv/api/jobs", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestServer_Run(t *testing.T) {
	srv, _ := newTestServer(t, Config{})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx, addr) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/ping")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	resp, err := http.Post("http://"+addr+"/api/jobs", "application/json", strings.NewReader(`{"title":"A"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "jobsrv", resp.Header.Get("App-Name"))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server didn't stop")
	}
}
