package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/shopsync/tokenstore"
)

func newTestClient(t *testing.T, handler http.Handler, tokens tokenstore.Store) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := New(Config{
		BaseURL:    srv.URL + "/api",
		HTTPClient: srv.Client(),
		Tokens:     tokens,
	})
	require.NoError(t, err)
	return c
}

func TestRequestJSONRoundTrip(t *testing.T) {
	var gotPath, gotQuery, gotBody string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NotEmpty(t, r.Header.Get("X-Request-Id"))
		w.Write([]byte(`{"id":"1","title":"shirt"}`))
	})
	c := newTestClient(t, handler, nil)

	params := url.Values{}
	params.Set("limit", "10")
	body := map[string]string{"title": "shirt"}
	var out struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	}
	err := c.Request(context.Background(), http.MethodPost, "/products", params, body, &out)
	require.NoError(t, err)

	assert.Equal(t, "/api/products", gotPath)
	assert.Equal(t, "limit=10", gotQuery)
	assert.JSONEq(t, `{"title":"shirt"}`, gotBody)
	assert.Equal(t, "1", out.ID)
	assert.Equal(t, "shirt", out.Title)
}

func TestBearerHeaderFollowsTokenStore(t *testing.T) {
	var gotAuth string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{}`))
	})

	tokens := tokenstore.NewMemory()
	c := newTestClient(t, handler, tokens)
	ctx := context.Background()

	// No token persisted: the request goes out unauthenticated.
	require.NoError(t, c.Request(ctx, http.MethodGet, "/products", nil, nil, nil))
	assert.Empty(t, gotAuth)

	require.NoError(t, tokens.Save("tok-123"))
	require.NoError(t, c.Request(ctx, http.MethodGet, "/products", nil, nil, nil))
	assert.Equal(t, "Bearer tok-123", gotAuth)

	require.NoError(t, tokens.Clear())
	require.NoError(t, c.Request(ctx, http.MethodGet, "/products", nil, nil, nil))
	assert.Empty(t, gotAuth)
}

func TestErrorEnvelopeDecoding(t *testing.T) {
	cases := []struct {
		name     string
		status   int
		body     string
		messages []string
	}{
		{"string message", 401, `{"message":"Unauthorized","statusCode":401}`, []string{"Unauthorized"}},
		{"array message", 400, `{"message":["title must be longer","price must be positive"],"statusCode":400}`, []string{"title must be longer", "price must be positive"}},
		{"no envelope", 500, `oops`, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			}), nil)

			err := c.Request(context.Background(), http.MethodGet, "/x", nil, nil, nil)
			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tc.status, apiErr.Status)
			assert.Equal(t, tc.messages, apiErr.Messages)
		})
	}
}

func TestAuthRejected(t *testing.T) {
	assert.True(t, (&APIError{Status: 401}).AuthRejected())
	assert.True(t, (&APIError{Status: 403}).AuthRejected())
	assert.False(t, (&APIError{Status: 400}).AuthRejected())
	assert.False(t, (&APIError{Status: 500}).AuthRejected())
}

func TestUploadMultipart(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		f, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()

		b, _ := io.ReadAll(f)
		assert.Equal(t, "shirt.png", hdr.Filename)
		assert.Equal(t, "png-bytes", string(b))
		w.Write([]byte(`{"fileName":"abc123.png","secureUrl":"http://x/abc123.png"}`))
	})
	c := newTestClient(t, handler, nil)

	var out struct {
		FileName string `json:"fileName"`
	}
	err := c.Upload(context.Background(), "/files/product", "file", "shirt.png", strings.NewReader("png-bytes"), &out)
	require.NoError(t, err)
	assert.Equal(t, "abc123.png", out.FileName)
}

func TestNewRequiresBaseURL(t *testing.T) {
	_, err := New(Config{})
	assert.True(t, errors.Is(err, ErrNoBaseURL))
}
