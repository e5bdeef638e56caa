package fota

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/ecowatt/gateway/internal/retry"
)

// Fetcher retrieves firmware bytes starting at offset, over HTTPS with a
// Range header, per §4.9 step 4.
type Fetcher interface {
	FetchRange(ctx context.Context, url string, offset int64) (io.ReadCloser, error)
}

// HTTPFetcher is the production Fetcher, using a caller-supplied
// *http.Client so the TLS pinned-root-CA configuration is built by the
// caller (cmd/ecowatt's pinnedRootCAClient).
type HTTPFetcher struct {
	Client *http.Client
}

func (f *HTTPFetcher) FetchRange(ctx context.Context, url string, offset int64) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, retry.New(retry.HttpFailed, "build range request", err)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, retry.New(retry.HttpTimeout, "fetch firmware", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		resp.Body.Close()
		return nil, retry.New(retry.HttpFailed, fmt.Sprintf("fetch firmware http status %d", resp.StatusCode), &HTTPError{Code: resp.StatusCode})
	}
	return resp.Body, nil
}

// HTTPError carries the HTTP status code of a failed fetch, for the
// HttpError(code) failure reason of §4.9.
type HTTPError struct {
	Code int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("fota: http error %d", e.Code)
}
