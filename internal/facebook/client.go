// Package facebook is a minimal Graph-style client covering the five calls
// the publish worker depends on: text posts, photo uploads (by URL or binary),
// multi-photo feed posts, deletion, and permalink resolution.
package facebook

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"social-publisher/internal/config"
)

// ErrMediaRejected marks a URL-based photo upload the platform refused because
// it could not fetch the URL or the file is not a valid image. Callers fall
// back to downloading the binary and re-uploading it.
var ErrMediaRejected = errors.New("media rejected by platform")

// Client talks to a Graph-style publishing API for one page.
type Client struct {
	baseURL  string
	version  string
	pageID   string
	token    string
	maxBytes int64

	http  *http.Client
	fetch *http.Client
}

// New builds a client from config. The main HTTP client carries no timeout
// unless one is configured; the media-fetch client tolerates invalid TLS
// certificates on source hosts and is always bounded.
func New(cfg config.Config) *Client {
	fetchTimeout := cfg.MediaFetchTimeout
	if fetchTimeout == 0 {
		fetchTimeout = 30 * time.Second
	}
	maxBytes := cfg.MediaMaxBytes
	if maxBytes == 0 {
		maxBytes = 25 * 1024 * 1024
	}
	return &Client{
		baseURL:  strings.TrimRight(cfg.GraphBaseURL, "/"),
		version:  cfg.GraphVersion,
		pageID:   cfg.PageID,
		token:    cfg.AccessToken,
		maxBytes: maxBytes,
		http:     &http.Client{Timeout: cfg.GraphHTTPTimeout},
		fetch: &http.Client{
			Timeout: fetchTimeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
	}
}

type graphError struct {
	Message      string `json:"message"`
	Type         string `json:"type"`
	Code         int    `json:"code"`
	ErrorSubcode int    `json:"error_subcode"`
}

type graphResponse struct {
	ID           string      `json:"id"`
	PostID       string      `json:"post_id"`
	PermalinkURL string      `json:"permalink_url"`
	Success      bool        `json:"success"`
	Error        *graphError `json:"error"`
}

func (c *Client) objectURL(path string) string {
	return fmt.Sprintf("%s/%s/%s", c.baseURL, c.version, path)
}

// CreateTextPost publishes a plain text post to the page feed.
func (c *Client) CreateTextPost(ctx context.Context, message string) (string, error) {
	form := url.Values{"message": {message}}
	res, err := c.postForm(ctx, c.objectURL(c.pageID+"/feed"), form)
	if err != nil {
		return "", err
	}
	return res.ID, nil
}

// CreatePhotoPost publishes a single photo with the message as its caption.
func (c *Client) CreatePhotoPost(ctx context.Context, caption, imageURL string) (string, error) {
	form := url.Values{
		"url":       {imageURL},
		"caption":   {caption},
		"published": {"true"},
	}
	res, err := c.postForm(ctx, c.objectURL(c.pageID+"/photos"), form)
	if err != nil {
		return "", err
	}
	if res.PostID != "" {
		return res.PostID, nil
	}
	return res.ID, nil
}

// UploadPhotoByURL asks the platform to fetch the image server-side as an
// unpublished media object. A rejection of the URL or the file itself is
// reported as ErrMediaRejected; everything else is a plain failure.
func (c *Client) UploadPhotoByURL(ctx context.Context, imageURL string) (string, error) {
	form := url.Values{
		"url":       {imageURL},
		"published": {"false"},
	}
	res, err := c.postForm(ctx, c.objectURL(c.pageID+"/photos"), form)
	if err != nil {
		return "", err
	}
	return res.ID, nil
}

// UploadPhotoBinary uploads raw image bytes as an unpublished media object.
func (c *Client) UploadPhotoBinary(ctx context.Context, filename string, data []byte) (string, error) {
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	if err := mw.WriteField("published", "false"); err != nil {
		return "", fmt.Errorf("write field: %w", err)
	}
	if err := mw.WriteField("access_token", c.token); err != nil {
		return "", fmt.Errorf("write field: %w", err)
	}
	part, err := mw.CreateFormFile("source", filename)
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("write image bytes: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("close multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.objectURL(c.pageID+"/photos"), body)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	res, err := c.do(req)
	if err != nil {
		return "", err
	}
	return res.ID, nil
}

// CreateFeedPostWithMedia publishes one feed post referencing previously
// uploaded unpublished media objects.
func (c *Client) CreateFeedPostWithMedia(ctx context.Context, message string, mediaIDs []string) (string, error) {
	form := url.Values{"message": {message}}
	for i, id := range mediaIDs {
		form.Set(fmt.Sprintf("attached_media[%d]", i), fmt.Sprintf(`{"media_fbid":"%s"}`, id))
	}
	res, err := c.postForm(ctx, c.objectURL(c.pageID+"/feed"), form)
	if err != nil {
		return "", err
	}
	return res.ID, nil
}

// DeletePost removes a previously published object by id.
func (c *Client) DeletePost(ctx context.Context, postID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.objectURL(postID)+"?access_token="+url.QueryEscape(c.token), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	_, err = c.do(req)
	return err
}

// ResolvePermalink looks up the shareable URL for a published object.
func (c *Client) ResolvePermalink(ctx context.Context, postID string) (string, error) {
	u := fmt.Sprintf("%s?fields=permalink_url&access_token=%s", c.objectURL(postID), url.QueryEscape(c.token))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	res, err := c.do(req)
	if err != nil {
		return "", err
	}
	return res.PermalinkURL, nil
}

// FetchMedia downloads an image binary from a source host, tolerating
// invalid TLS certificates and bounding the payload size.
func (c *Client) FetchMedia(ctx context.Context, imageURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.fetch.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch media: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("fetch media: status %d", resp.StatusCode)
	}

	limited := io.LimitReader(resp.Body, c.maxBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("read media: %w", err)
	}
	if int64(len(body)) > c.maxBytes {
		return nil, fmt.Errorf("media too large (>%d bytes)", c.maxBytes)
	}
	return body, nil
}

func (c *Client) postForm(ctx context.Context, endpoint string, form url.Values) (graphResponse, error) {
	form.Set("access_token", c.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return graphResponse{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req)
}

func (c *Client) do(req *http.Request) (graphResponse, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return graphResponse{}, fmt.Errorf("graph request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return graphResponse{}, fmt.Errorf("read graph response: %w", err)
	}

	var parsed graphResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		if resp.StatusCode >= http.StatusBadRequest {
			return graphResponse{}, fmt.Errorf("graph error: status %d", resp.StatusCode)
		}
		return graphResponse{}, fmt.Errorf("decode graph response: %w", err)
	}

	if parsed.Error != nil {
		if isMediaRejection(*parsed.Error) {
			return graphResponse{}, fmt.Errorf("%w: %s", ErrMediaRejected, parsed.Error.Message)
		}
		return graphResponse{}, fmt.Errorf("graph error %d (%s): %s", parsed.Error.Code, parsed.Error.Type, parsed.Error.Message)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return graphResponse{}, fmt.Errorf("graph error: status %d", resp.StatusCode)
	}
	return parsed, nil
}

// isMediaRejection classifies the structured errors the platform returns when
// it cannot retrieve a URL or the retrieved file is not a usable image.
func isMediaRejection(e graphError) bool {
	if e.Code == 100 {
		return true
	}
	msg := strings.ToLower(e.Message)
	return strings.Contains(msg, "invalid image") || strings.Contains(msg, "fetch")
}
