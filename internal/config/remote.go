package config

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gojek/heimdall/v7/httpclient"
)

type (
	// RemoteSource fetches pointcut snapshots from a central collector. It
	// does not retry, the poll loop calling it is the retry.
	RemoteSource struct {
		http *httpclient.Client
		url  string
	}

	remotePointcuts struct {
		Pointcuts []PointcutConfig `json:"pointcuts"`
	}

	remoteError struct {
		Message string `json:"message"`
	}
)

func NewRemoteSource(url string, timeout time.Duration) (*RemoteSource, error) {
	if url == "" {
		return nil, errors.New("remote config url must be set")
	}
	return &RemoteSource{
		url:  url,
		http: httpclient.NewClient(httpclient.WithHTTPTimeout(timeout)),
	}, nil
}

func (s *RemoteSource) Pointcuts(ctx context.Context) ([]PointcutConfig, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("accept", "application/json")
	resp, err := s.http.Do(req)
	if err != nil {
		// heimdall reports 5xx responses as errors alongside the response
		if resp != nil {
			_ = resp.Body.Close()
		}
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode <= 599 {
		var errResponse remoteError
		_ = json.NewDecoder(resp.Body).Decode(&errResponse)
		return nil, fmt.Errorf(
			"error while trying to fetch pointcuts. http status: %d, message: %s",
			resp.StatusCode,
			errResponse.Message,
		)
	}

	var r remotePointcuts
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return nil, err
	}
	if err := ValidatePointcuts(r.Pointcuts); err != nil {
		return nil, err
	}
	return r.Pointcuts, nil
}
