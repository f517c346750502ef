package imageapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/mhpenta/pagegen"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	pngBytes = []byte("\x89PNG\r\n\x1a\nfake-image-bytes")
	pngB64   = base64.StdEncoding.EncodeToString(pngBytes)
)

func testConfig(baseURL string, endpoint pagegen.EndpointType) pagegen.ProviderConfig {
	return pagegen.ProviderConfig{
		Name:         "gateway",
		Type:         pagegen.ProviderImageAPI,
		APIKey:       "key-123",
		BaseURL:      baseURL,
		Model:        "flux",
		EndpointType: endpoint,
	}
}

func newGenerator(t *testing.T, cfg pagegen.ProviderConfig) *Generator {
	t.Helper()
	gen, err := New(context.Background(), cfg, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	return gen
}

func TestGenerate_ImagesEndpoint(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	tests := []struct {
		name     string
		response func() string
	}{
		{name: "b64_json", response: func() string { return `{"data":[{"b64_json":"` + pngB64 + `"}]}` }},
		{name: "url", response: func() string { return `{"data":[{"url":"` + srv.URL + `/img/1.png"}]}` }},
	}

	mux.HandleFunc("/img/1.png", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(pngBytes)
	})

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var payload map[string]any
			mux.HandleFunc("/"+tt.name+"/v1/images/generations", func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "Bearer key-123", r.Header.Get("Authorization"))
				require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
				_, _ = io.WriteString(w, tt.response())
			})

			gen := newGenerator(t, testConfig(srv.URL+"/"+tt.name+"/v1", ""))
			assert.Equal(t, pagegen.EndpointImages, gen.Endpoint())

			content, err := gen.Generate(context.Background(), &pagegen.Request{Prompt: "a fox"})
			require.NoError(t, err)

			img, ok := content.FirstImage()
			require.True(t, ok)
			assert.Equal(t, pngBytes, img.Data)
			assert.Equal(t, "image/png", img.MIMEType)
			assert.Equal(t, "b64_json", payload["response_format"])
			assert.Equal(t, "1024x1024", payload["size"])
		})
	}
}

func TestGenerate_ChatEndpoint(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/files/x.png", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(pngBytes)
	})

	chatResponse := func(content string) string {
		b, _ := json.Marshal(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"role": "assistant", "content": content}}},
		})
		return string(b)
	}

	tests := []struct {
		name     string
		response string
		wantKind pagegen.ErrorKind
	}{
		{name: "data uri", response: chatResponse("data:image/png;base64," + pngB64)},
		{name: "raw base64", response: chatResponse(base64.StdEncoding.EncodeToString(append(pngBytes, make([]byte, 100)...)))},
		{name: "url", response: chatResponse(srv.URL + "/files/x.png")},
		{name: "images format", response: `{"data":[{"b64_json":"` + pngB64 + `"}]}`},
		{name: "plain text", response: chatResponse("sorry"), wantKind: pagegen.KindInvalidResponse},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prefix := "/case" + string(rune('a'+i))
			var payload map[string]any
			mux.HandleFunc(prefix+"/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
				require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
				_, _ = io.WriteString(w, tt.response)
			})

			gen := newGenerator(t, testConfig(srv.URL+prefix, pagegen.EndpointChat))
			content, err := gen.Generate(context.Background(), &pagegen.Request{Prompt: "a fox"})

			if tt.wantKind != "" {
				assert.Equal(t, tt.wantKind, pagegen.KindOf(err))
				return
			}
			require.NoError(t, err)
			img, _ := content.FirstImage()
			assert.Equal(t, pngBytes, img.Data[:len(pngBytes)])
			assert.EqualValues(t, chatMaxTokens, payload["max_tokens"])
		})
	}
}

func TestGenerate_StatusErrors(t *testing.T) {
	tests := []struct {
		status int
		want   pagegen.ErrorKind
	}{
		{http.StatusUnauthorized, pagegen.KindAuth},
		{http.StatusTooManyRequests, pagegen.KindQuota},
		{http.StatusGatewayTimeout, pagegen.KindTimeout},
		{http.StatusInternalServerError, pagegen.KindNetwork},
		{http.StatusBadRequest, pagegen.KindInvalidResponse},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, `{"error":{"message":"nope"}}`)
			}))
			defer srv.Close()

			_, err := newGenerator(t, testConfig(srv.URL, pagegen.EndpointImages)).
				Generate(context.Background(), &pagegen.Request{Prompt: "x"})

			var pe *pagegen.ProviderError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tt.want, pe.Kind)
			assert.Equal(t, tt.status, pe.StatusCode)
			assert.Contains(t, pe.Error(), "nope")
			assert.Equal(t, int32(1), calls.Load())
		})
	}
}

func TestGenerate_NonJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "<html>queue full</html>")
	}))
	defer srv.Close()

	_, err := newGenerator(t, testConfig(srv.URL, "")).Generate(context.Background(), &pagegen.Request{Prompt: "x"})
	assert.Equal(t, pagegen.KindInvalidResponse, pagegen.KindOf(err))
}

func TestGenerate_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := newGenerator(t, testConfig(url, "")).Generate(context.Background(), &pagegen.Request{Prompt: "x"})
	assert.Equal(t, pagegen.KindNetwork, pagegen.KindOf(err))
}

func TestResolveEndpoint(t *testing.T) {
	assert.Equal(t, pagegen.EndpointChat, resolveEndpoint(testConfig("https://whisk.example.com", "")))
	assert.Equal(t, pagegen.EndpointImages, resolveEndpoint(testConfig("https://whisk.example.com", pagegen.EndpointImages)))
	assert.Equal(t, pagegen.EndpointImages, resolveEndpoint(testConfig("https://api.example.com", "")))
}

func TestPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/models", r.URL.Path)
		if r.Header.Get("Authorization") != "Bearer key-123" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_, _ = io.WriteString(w, `{"data":[]}`)
	}))
	defer srv.Close()

	assert.NoError(t, newGenerator(t, testConfig(srv.URL, "")).Ping(context.Background()))

	bad := testConfig(srv.URL, "")
	bad.APIKey = "other"
	assert.Equal(t, pagegen.KindAuth, pagegen.KindOf(newGenerator(t, bad).Ping(context.Background())))
}
