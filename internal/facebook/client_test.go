package facebook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"social-publisher/internal/config"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(config.Config{
		GraphBaseURL:      srv.URL,
		GraphVersion:      "v19.0",
		PageID:            "page1",
		AccessToken:       "tok",
		MediaFetchTimeout: 2 * time.Second,
		MediaMaxBytes:     1024,
	})
}

func graphOK(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func graphFail(w http.ResponseWriter, status, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"message": message, "type": "OAuthException", "code": code},
	})
}

func TestCreateTextPost(t *testing.T) {
	var gotPath, gotMessage, gotToken string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, r.ParseForm())
		gotMessage = r.PostFormValue("message")
		gotToken = r.PostFormValue("access_token")
		graphOK(w, map[string]string{"id": "page1_123"})
	}))

	id, err := c.CreateTextPost(context.Background(), "hello world")
	require.NoError(t, err)
	assert.Equal(t, "page1_123", id)
	assert.Equal(t, "/v19.0/page1/feed", gotPath)
	assert.Equal(t, "hello world", gotMessage)
	assert.Equal(t, "tok", gotToken)
}

func TestCreatePhotoPostPrefersPostID(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "/v19.0/page1/photos", r.URL.Path)
		assert.Equal(t, "true", r.PostFormValue("published"))
		assert.Equal(t, "https://cdn.example/a.jpg", r.PostFormValue("url"))
		graphOK(w, map[string]string{"id": "photo9", "post_id": "page1_456"})
	}))

	id, err := c.CreatePhotoPost(context.Background(), "caption", "https://cdn.example/a.jpg")
	require.NoError(t, err)
	assert.Equal(t, "page1_456", id)
}

func TestUploadPhotoByURLUnpublished(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "false", r.PostFormValue("published"))
		graphOK(w, map[string]string{"id": "media7"})
	}))

	id, err := c.UploadPhotoByURL(context.Background(), "https://cdn.example/a.jpg")
	require.NoError(t, err)
	assert.Equal(t, "media7", id)
}

func TestUploadPhotoByURLRejection(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		graphFail(w, http.StatusBadRequest, 100, "Invalid image format or URL could not be fetched")
	}))

	_, err := c.UploadPhotoByURL(context.Background(), "https://cdn.example/broken.jpg")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMediaRejected)
}

func TestOtherGraphErrorsAreNotMediaRejections(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		graphFail(w, http.StatusUnauthorized, 190, "Access token expired")
	}))

	_, err := c.UploadPhotoByURL(context.Background(), "https://cdn.example/a.jpg")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrMediaRejected)
	assert.Contains(t, err.Error(), "Access token expired")
}

func TestUploadPhotoBinaryMultipart(t *testing.T) {
	var gotFilename string
	var gotBody []byte
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "false", r.FormValue("published"))
		file, header, err := r.FormFile("source")
		require.NoError(t, err)
		defer file.Close()
		gotFilename = header.Filename
		buf := make([]byte, header.Size)
		_, _ = file.Read(buf)
		gotBody = buf
		graphOK(w, map[string]string{"id": "media8"})
	}))

	id, err := c.UploadPhotoBinary(context.Background(), "a.jpg", []byte("raw-bytes"))
	require.NoError(t, err)
	assert.Equal(t, "media8", id)
	assert.Equal(t, "a.jpg", gotFilename)
	assert.Equal(t, "raw-bytes", string(gotBody))
}

func TestCreateFeedPostWithMedia(t *testing.T) {
	var form map[string][]string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		form = r.PostForm
		graphOK(w, map[string]string{"id": "page1_789"})
	}))

	id, err := c.CreateFeedPostWithMedia(context.Background(), "multi", []string{"m1", "m2", "m3"})
	require.NoError(t, err)
	assert.Equal(t, "page1_789", id)
	assert.Equal(t, `{"media_fbid":"m1"}`, form["attached_media[0]"][0])
	assert.Equal(t, `{"media_fbid":"m2"}`, form["attached_media[1]"][0])
	assert.Equal(t, `{"media_fbid":"m3"}`, form["attached_media[2]"][0])
}

func TestDeletePost(t *testing.T) {
	var gotMethod, gotPath string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		graphOK(w, map[string]bool{"success": true})
	}))

	require.NoError(t, c.DeletePost(context.Background(), "page1_123"))
	assert.Equal(t, http.MethodDelete, gotMethod)
	assert.Equal(t, "/v19.0/page1_123", gotPath)
}

func TestResolvePermalink(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "permalink_url", r.URL.Query().Get("fields"))
		graphOK(w, map[string]string{"id": "page1_123", "permalink_url": "https://social.example/page1/posts/123"})
	}))

	link, err := c.ResolvePermalink(context.Background(), "page1_123")
	require.NoError(t, err)
	assert.Equal(t, "https://social.example/page1/posts/123", link)
}

func TestFetchMediaBoundsPayloadSize(t *testing.T) {
	big := strings.Repeat("x", 2048)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(big))
	}))

	// The fetch client points at arbitrary source hosts, so reuse the test
	// server URL directly.
	_, err := c.FetchMedia(context.Background(), c.baseURL+"/huge.jpg")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}

func TestFetchMediaReturnsBody(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write([]byte("image-bytes"))
	}))

	data, err := c.FetchMedia(context.Background(), c.baseURL+"/a.jpg")
	require.NoError(t, err)
	assert.Equal(t, "image-bytes", string(data))
}
