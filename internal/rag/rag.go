package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/aljazari-lab/kebbicall/internal/util"
)

// ErrUnavailable is returned when no book answering backend is
// configured.
var ErrUnavailable = errors.New("book answering is not configured")

// BookAnswerer answers a student question from the subject's book.
type BookAnswerer interface {
	Answer(ctx context.Context, q Query) (string, error)
}

type Query struct {
	Stage    string `json:"stage"`
	Section  string `json:"section"`
	Subject  string `json:"subject"`
	Question string `json:"question"`
	Lang     string `json:"lang,omitempty"`
}

// Remote asks an external retrieval service over HTTP. The service
// owns the embeddings and the book index; the relay only forwards the
// question.
type Remote struct {
	baseURL string
	httpc   *http.Client
}

func NewRemote(baseURL string) *Remote {
	return &Remote{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: util.DefaultFetchTimeout * 6},
	}
}

type remoteResponse struct {
	Answer string `json:"answer"`
	Error  string `json:"error,omitempty"`
}

func (r *Remote) Answer(ctx context.Context, q Query) (string, error) {
	if r.baseURL == "" {
		return "", ErrUnavailable
	}

	b, err := json.Marshal(q)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/answer", bytes.NewReader(b))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("book query: %w", err)
	}
	defer resp.Body.Close()

	var out remoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("book reply: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		if out.Error != "" {
			return "", fmt.Errorf("book query failed: %s", out.Error)
		}
		return "", fmt.Errorf("book query failed: HTTP %d", resp.StatusCode)
	}
	return strings.TrimSpace(out.Answer), nil
}

// None is the BookAnswerer used when no backend is configured.
type None struct{}

func (None) Answer(context.Context, Query) (string, error) {
	return "", ErrUnavailable
}
