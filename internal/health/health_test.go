package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func staticInfo(cloud, host string, nodes int) Info {
	return func() (string, string, int) { return cloud, host, nodes }
}

func TestHandlerReturnsStatusOK(t *testing.T) {
	handler := Handler(staticInfo("lsf-cloud", "h1", 0))
	req := httptest.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()

	handler(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
}

func TestHandlerResponseStructure(t *testing.T) {
	handler := Handler(staticInfo("lsf-cloud", "h1", 3))
	req := httptest.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()

	handler(w, req)

	var resp Response
	err := json.Unmarshal(w.Body.Bytes(), &resp)
	require.NoError(t, err)

	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "batchcloud", resp.ServiceName)
	assert.Equal(t, "lsf-cloud", resp.Cloud)
	assert.Equal(t, "h1", resp.Host)
	assert.Equal(t, 3, resp.Nodes)
	assert.NotEmpty(t, resp.Version)
	assert.NotEmpty(t, resp.Commit)
	assert.NotEmpty(t, resp.BuildTime)
	assert.NotEmpty(t, resp.GoVersion)
	assert.NotEmpty(t, resp.OS)
	assert.NotEmpty(t, resp.Architecture)
	assert.False(t, resp.Timestamp.IsZero())
}

func TestHandlerReadsInfoPerRequest(t *testing.T) {
	host := "h1"
	handler := Handler(func() (string, string, int) { return "lsf-cloud", host, 0 })

	for _, want := range []string{"h1", "h2"} {
		host = want
		w := httptest.NewRecorder()
		handler(w, httptest.NewRequest("GET", "/healthz", nil))

		var resp Response
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, want, resp.Host)
	}
}

func TestHandlerHTTPMethod(t *testing.T) {
	handler := Handler(staticInfo("lsf-cloud", "h1", 0))

	for _, method := range []string{"GET", "POST", "HEAD"} {
		t.Run(method, func(t *testing.T) {
			req := httptest.NewRequest(method, "/healthz", nil)
			w := httptest.NewRecorder()
			handler(w, req)
			assert.Equal(t, http.StatusOK, w.Code)
		})
	}
}

func TestHandlerResponseBody(t *testing.T) {
	handler := Handler(staticInfo("lsf-cloud", "h1", 0))
	req := httptest.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()

	handler(w, req)

	assert.Greater(t, w.Body.Len(), 0)

	body := w.Body.String()
	assert.True(t, strings.Contains(body, "healthy"))
	assert.True(t, strings.Contains(body, "batchcloud"))
	assert.True(t, strings.Contains(body, "lsf-cloud"))
	assert.True(t, strings.Contains(body, "go_version"))
}
