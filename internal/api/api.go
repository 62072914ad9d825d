package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/golang/glog"
)

var ErrUnauthorized = errors.New("unauthorized")

// Error is a non-2xx response. Message is the server's human readable detail.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%d %s", e.Status, e.Message)
}

func (e *Error) Unwrap() error {
	if e.Status == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	return nil
}

type LoginResult struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	UserID       string `json:"user_id"`
	Username     string `json:"username"`
}

type RegisterResult struct {
	Status  string `json:"status"`
	UserID  string `json:"user_id"`
	Message string `json:"message"`
}

type UploadResult struct {
	Status   string `json:"status"`
	FileURL  string `json:"file_url"`
	FileName string `json:"file_name"`
	FileSize int64  `json:"file_size"`
}

// Client talks to the HTTP side channel: login, registration, token refresh
// and file upload.
type Client struct {
	baseURL    string
	httpClient *http.Client
	// transferClient has no total timeout, transfers are bounded by ctx
	transferClient *http.Client

	// OnProgress reports upload progress, 0.0 - 1.0
	OnProgress func(float64)
}

// NewClient limits login, registration and refresh to timeout. Uploads and
// downloads only wait at most timeout for the response headers.
func NewClient(baseURL string, timeout time.Duration) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = timeout
	return &Client{
		baseURL:        strings.TrimSuffix(baseURL, "/"),
		httpClient:     &http.Client{Timeout: timeout},
		transferClient: &http.Client{Transport: transport},
	}
}

func (c *Client) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	var result LoginResult
	err := c.postJSON(ctx, "/api/login", map[string]string{
		"username": username,
		"password": password,
	}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) Register(ctx context.Context, username, email, password string) (*RegisterResult, error) {
	var result RegisterResult
	err := c.postJSON(ctx, "/api/register", map[string]string{
		"username": username,
		"email":    email,
		"password": password,
	}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Refresh exchanges a refresh token for a new access token.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (string, error) {
	var result struct {
		AccessToken string `json:"access_token"`
	}
	err := c.postJSON(ctx, "/api/refresh", map[string]string{
		"refresh_token": refreshToken,
	}, &result)
	if err != nil {
		return "", err
	}
	if result.AccessToken == "" {
		return "", errors.New("refresh response has no access token")
	}
	return result.AccessToken, nil
}

// Upload posts one file as multipart form data.
func (c *Client) Upload(
	ctx context.Context,
	accessToken string,
	conversationID string,
	fileName string,
	content []byte,
	text string,
) (*UploadResult, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", fileName)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(content); err != nil {
		return nil, err
	}
	if err := w.WriteField("conversation_id", conversationID); err != nil {
		return nil, err
	}
	if text != "" {
		if err := w.WriteField("text", text); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	total := int64(body.Len())
	bodyReader := bytes.NewReader(body.Bytes())
	progressReader := &progressReader{
		Reader: bodyReader,
		onRead: func(n int) {
			current, _ := bodyReader.Seek(0, io.SeekCurrent)
			if c.OnProgress != nil && 0 < total {
				c.OnProgress(float64(current) / float64(total))
			}
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/upload", progressReader)
	if err != nil {
		return nil, err
	}
	req.ContentLength = total
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+accessToken)

	var result UploadResult
	if err := c.doWith(c.transferClient, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Download fetches a file previously returned by Upload. Relative urls
// resolve against the API base.
func (c *Client) Download(ctx context.Context, accessToken string, fileURL string) ([]byte, error) {
	target := fileURL
	if strings.HasPrefix(fileURL, "/") {
		target = c.baseURL + fileURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}

	resp, err := c.transferClient.Do(req)
	if err != nil {
		glog.Infof("[api]download error = %s\n", err)
		return nil, fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || 300 <= resp.StatusCode {
		body, _ := io.ReadAll(resp.Body)
		return nil, &Error{Status: resp.StatusCode, Message: detail(body)}
	}

	total := resp.ContentLength
	var out bytes.Buffer
	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if 0 < n {
			out.Write(buf[:n])
			if c.OnProgress != nil && 0 < total {
				c.OnProgress(float64(out.Len()) / float64(total))
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("download: %w", err)
		}
	}
	return out.Bytes(), nil
}

func (c *Client) postJSON(ctx context.Context, path string, body any, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	return c.doWith(c.httpClient, req, out)
}

func (c *Client) doWith(client *http.Client, req *http.Request, out any) error {
	resp, err := client.Do(req)
	if err != nil {
		glog.Infof("[api]%s error = %s\n", req.URL.Path, err)
		return fmt.Errorf("%s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: read body: %w", req.URL.Path, err)
	}

	if resp.StatusCode < 200 || 300 <= resp.StatusCode {
		apiErr := &Error{Status: resp.StatusCode, Message: detail(body)}
		glog.Infof("[api]%s status = %s\n", req.URL.Path, apiErr)
		return apiErr
	}
	glog.V(2).Infof("[api]%s %d\n", req.URL.Path, resp.StatusCode)

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", req.URL.Path, err)
	}
	return nil
}

// detail extracts the error message from `{"detail": "..."}`, falling back
// to the raw body.
func detail(body []byte) string {
	var errBody struct {
		Detail  json.RawMessage `json:"detail"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(body, &errBody); err == nil {
		var s string
		if json.Unmarshal(errBody.Detail, &s) == nil && s != "" {
			return s
		}
		if errBody.Message != "" {
			return errBody.Message
		}
		if 0 < len(errBody.Detail) {
			return string(errBody.Detail)
		}
	}
	return strings.TrimSpace(string(body))
}

// progressReader reports each read so the caller can compute progress.
type progressReader struct {
	io.Reader
	onRead func(int)
}

func (r *progressReader) Read(p []byte) (int, error) {
	n, err := r.Reader.Read(p)
	r.onRead(n)
	return n, err
}
