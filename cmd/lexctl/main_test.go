package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, srv *httptest.Server, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{"--server", srv.URL}, args...))
	t.Cleanup(func() {
		asJSON, progressWatch, queryUser = false, false, ""
		queryStyle, queryInstitution, queryDocuments = "", "", nil
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		_ = json.NewEncoder(w).Encode(HealthResponse{Status: "ok", Version: "0.1.0", Services: map[string]string{"store": "ok"}})
	}))
	defer srv.Close()

	out, err := execute(t, srv, "health")
	require.NoError(t, err)
	assert.Contains(t, out, "Server Status: ok")
	assert.Contains(t, out, "Version: 0.1.0")
}

func TestHealth_Degraded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(HealthResponse{Status: "degraded", Services: map[string]string{"nats": "error: closed"}})
	}))
	defer srv.Close()

	out, err := execute(t, srv, "health")
	require.Error(t, err)
	assert.Contains(t, out, "degraded")
	assert.Contains(t, out, "error: closed")
}

func TestIngest_Watch(t *testing.T) {
	var polls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/documents/tbk/ingest", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(TaskResponse{TaskID: "tbk"})
	})
	mux.HandleFunc("/api/v1/tasks/tbk", func(w http.ResponseWriter, _ *http.Request) {
		task := Task{ID: "tbk", Status: "running", Percent: 50, Step: "embedding"}
		if polls.Add(1) > 1 {
			task = Task{ID: "tbk", Status: "completed", Percent: 100, Step: "done"}
		}
		_ = json.NewEncoder(w).Encode(task)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	out, err := execute(t, srv, "ingest", "tbk", "--watch", "--interval", "1ms")
	require.NoError(t, err)
	assert.Contains(t, out, "Task: tbk")
	assert.Contains(t, out, "embedding")
	assert.Contains(t, out, "completed")
	assert.Equal(t, int32(2), polls.Load())
}

func TestProgress_Failed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(Task{ID: "tbk", Status: "failed", Percent: 30, Error: "no extractable text"})
	}))
	defer srv.Close()

	_, err := execute(t, srv, "progress", "tbk")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no extractable text")
}

func TestQuery(t *testing.T) {
	var got QueryRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "ayse", r.Header.Get("X-User-ID"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"answer":"Fesih bildirimi yazılı yapılır [1].","confidence":0.82,
			"sources":[{"title":"TBK","citation":"TBK, s. 12, satır 3-9","url":"http://x/tbk.pdf"}],
			"credits_charged":3,"balance":7,"strategy":"openai"}`))
	}))
	defer srv.Close()

	out, err := execute(t, srv, "query", "--user", "ayse", "--institution", "yargitay", "Kira", "nasıl", "feshedilir?")
	require.NoError(t, err)
	assert.Equal(t, "Kira nasıl feshedilir?", got.Query)
	assert.Equal(t, "yargitay", got.Filters.Institution)
	assert.Contains(t, out, "Fesih bildirimi")
	assert.Contains(t, out, "[1] TBK, s. 12, satır 3-9 <http://x/tbk.pdf>")
	assert.Contains(t, out, "charged 3 | balance 7 | openai")
}

func TestQuery_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte(`{"error":"insufficient credits","code":"insufficient_credits","required":3,"balance":1}`))
	}))
	defer srv.Close()

	_, err := execute(t, srv, "query", "soru")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--user is required")

	_, err = execute(t, srv, "query", "--user", "ayse", "soru")
	require.Error(t, err)
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusPaymentRequired, apiErr.Status)
	assert.Contains(t, err.Error(), "required 3, balance 1")
}

func TestBar(t *testing.T) {
	assert.Equal(t, "[.....]", bar(0, 5))
	assert.Equal(t, "[##...]", bar(40, 5))
	assert.Equal(t, "[#####]", bar(150, 5))
}
