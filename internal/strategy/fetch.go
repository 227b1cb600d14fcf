package strategy

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"
)

// Fetcher is the network collaborator. A non-nil error means no response
// arrived; HTTP error statuses are returned as responses.
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*Response, error)
}

type FetcherFunc func(ctx context.Context, req *http.Request) (*Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, req *http.Request) (*Response, error) {
	return f(ctx, req)
}

// HTTPFetcher fetches absolute URLs with a plain HTTP client.
type HTTPFetcher struct {
	Client *http.Client
}

func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{Client: &http.Client{Timeout: timeout}}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, req *http.Request) (*Response, error) {
	out := req.Clone(ctx)
	out.RequestURI = ""
	out.Host = ""
	out.Header.Del("Host")
	out.Header.Set("Accept-Encoding", "identity")

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(out)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	h := resp.Header.Clone()
	h.Del("Content-Length")
	return &Response{
		Status: resp.StatusCode,
		Header: h,
		Body:   body,
	}, nil
}

// cacheable reports whether a network response may be stored: 2xx and not
// marked no-store or no-cache.
func cacheable(resp *Response) bool {
	if resp.Status < 200 || resp.Status >= 300 {
		return false
	}
	cc := strings.ToLower(resp.Header.Get("Cache-Control"))
	return !strings.Contains(cc, "no-store") && !strings.Contains(cc, "no-cache")
}

// copyHeaders copies src into dst, skipping Host.
func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}
