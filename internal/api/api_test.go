package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	gojwt "github.com/golang-jwt/jwt/v5"
)

func newTestAPI(t *testing.T) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/login", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		json.NewDecoder(r.Body).Decode(&req)
		if req["password"] != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"detail":"Incorrect username or password"}`))
			return
		}
		json.NewEncoder(w).Encode(map[string]string{
			"access_token":  "a1",
			"refresh_token": "r1",
			"token_type":    "bearer",
			"user_id":       "alice@example.com",
			"username":      req["username"],
		})
	})
	mux.HandleFunc("/api/register", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"detail":"Email already exists"}`))
	})
	mux.HandleFunc("/api/refresh", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		json.NewDecoder(r.Body).Decode(&req)
		if req["refresh_token"] != "r1" {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"detail":"Invalid or expired refresh token"}`))
			return
		}
		w.Write([]byte(`{"access_token":"a2","token_type":"bearer"}`))
	})
	mux.HandleFunc("/api/upload", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer a1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		content, _ := io.ReadAll(file)
		json.NewEncoder(w).Encode(map[string]any{
			"status":    "ok",
			"file_url":  "http://files/" + r.FormValue("conversation_id") + "/" + header.Filename,
			"file_name": header.Filename,
			"file_size": len(content),
		})
	})
	mux.HandleFunc("/uploads/notes.txt", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer a1" {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"detail":"File not found"}`))
			return
		}
		w.Write([]byte("hello world"))
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestLogin(t *testing.T) {
	server := newTestAPI(t)
	client := NewClient(server.URL+"/", 5*time.Second)

	result, err := client.Login(context.Background(), "alice", "secret")
	assert.Equal(t, err, nil)
	assert.Equal(t, result.AccessToken, "a1")
	assert.Equal(t, result.RefreshToken, "r1")
	assert.Equal(t, result.UserID, "alice@example.com")

	_, err = client.Login(context.Background(), "alice", "wrong")
	var apiErr *Error
	assert.Equal(t, errors.As(err, &apiErr), true)
	assert.Equal(t, apiErr.Message, "Incorrect username or password")
	assert.Equal(t, errors.Is(err, ErrUnauthorized), true)
}

func TestRegisterError(t *testing.T) {
	server := newTestAPI(t)
	client := NewClient(server.URL, 5*time.Second)

	_, err := client.Register(context.Background(), "alice", "alice@example.com", "secret")
	var apiErr *Error
	assert.Equal(t, errors.As(err, &apiErr), true)
	assert.Equal(t, apiErr.Status, http.StatusBadRequest)
	assert.Equal(t, apiErr.Message, "Email already exists")
	assert.Equal(t, errors.Is(err, ErrUnauthorized), false)
}

func TestRefresh(t *testing.T) {
	server := newTestAPI(t)
	client := NewClient(server.URL, 5*time.Second)

	token, err := client.Refresh(context.Background(), "r1")
	assert.Equal(t, err, nil)
	assert.Equal(t, token, "a2")

	_, err = client.Refresh(context.Background(), "expired")
	assert.Equal(t, errors.Is(err, ErrUnauthorized), true)
}

func TestUploadReportsProgress(t *testing.T) {
	server := newTestAPI(t)
	client := NewClient(server.URL, 5*time.Second)

	last := 0.0
	client.OnProgress = func(p float64) {
		last = p
	}
	result, err := client.Upload(context.Background(), "a1", "c1", "notes.txt", []byte("hello world"), "")
	assert.Equal(t, err, nil)
	assert.Equal(t, result.FileName, "notes.txt")
	assert.Equal(t, result.FileSize, int64(11))
	assert.Equal(t, result.FileURL, "http://files/c1/notes.txt")
	assert.Equal(t, last, 1.0)
}

func TestDownload(t *testing.T) {
	server := newTestAPI(t)
	client := NewClient(server.URL, 5*time.Second)

	last := 0.0
	client.OnProgress = func(p float64) {
		last = p
	}
	content, err := client.Download(context.Background(), "a1", "/uploads/notes.txt")
	assert.Equal(t, err, nil)
	assert.Equal(t, string(content), "hello world")
	assert.Equal(t, last, 1.0)

	_, err = client.Download(context.Background(), "", server.URL+"/uploads/notes.txt")
	var apiErr *Error
	assert.Equal(t, errors.As(err, &apiErr), true)
	assert.Equal(t, apiErr.Status, http.StatusNotFound)
	assert.Equal(t, apiErr.Message, "File not found")
}

func TestDetailFallback(t *testing.T) {
	assert.Equal(t, detail([]byte(`{"detail":"x"}`)), "x")
	assert.Equal(t, detail([]byte(`{"message":"y"}`)), "y")
	assert.Equal(t, detail([]byte(`Internal Server Error`)), "Internal Server Error")
}

func TestParseClaimsUnverified(t *testing.T) {
	exp := time.Now().Add(30 * time.Minute).Truncate(time.Second)
	token, err := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"sub":  "alice@example.com",
		"exp":  exp.Unix(),
		"type": "access",
	}).SignedString([]byte("some-key"))
	assert.Equal(t, err, nil)

	claims, err := ParseClaimsUnverified(token)
	assert.Equal(t, err, nil)
	assert.Equal(t, claims.Subject, "alice@example.com")
	assert.Equal(t, claims.ExpiresAt.Equal(exp), true)
	assert.Equal(t, claims.Expired(time.Now(), time.Minute), false)
	assert.Equal(t, claims.Expired(time.Now().Add(time.Hour), 0), true)

	_, err = ParseClaimsUnverified("not-a-token")
	assert.NotEqual(t, err, nil)
}

// trickle writes body a byte at a time, flushing between writes.
func trickle(w http.ResponseWriter, body []byte, delay time.Duration) {
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	for _, b := range body {
		w.Write([]byte{b})
		w.(http.Flusher).Flush()
		time.Sleep(delay)
	}
}

func TestSlowTransfersOutliveRequestTimeout(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/uploads/slow.bin", func(w http.ResponseWriter, r *http.Request) {
		trickle(w, []byte("slow"), 150*time.Millisecond)
	})
	mux.HandleFunc("/api/upload", func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		trickle(w, []byte(`{"status":"ok","file_url":"/uploads/slow.bin","file_name":"slow.bin","file_size":4}`), 10*time.Millisecond)
	})
	mux.HandleFunc("/api/login", func(w http.ResponseWriter, r *http.Request) {
		trickle(w, []byte(`{"access_token":"a1"}`), 50*time.Millisecond)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	client := NewClient(server.URL, 300*time.Millisecond)

	content, err := client.Download(context.Background(), "a1", "/uploads/slow.bin")
	assert.Equal(t, err, nil)
	assert.Equal(t, string(content), "slow")

	result, err := client.Upload(context.Background(), "a1", "c1", "slow.bin", []byte("slow"), "")
	assert.Equal(t, err, nil)
	assert.Equal(t, result.FileURL, "/uploads/slow.bin")

	// a cancelled transfer still stops
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err = client.Download(ctx, "a1", "/uploads/slow.bin")
	assert.NotEqual(t, err, nil)

	// the short timeout still bounds the auth calls
	_, err = client.Login(context.Background(), "alice", "secret")
	assert.NotEqual(t, err, nil)
}
