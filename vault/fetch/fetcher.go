// Package fetch downloads a URL to a path with progress reporting, and
// answers a URL's Last-Modified header. The Last-Modified negotiation is
// grounded on the ETag/If-Modified-Since idiom
// in mgoltzsche-ctnr's pkg/fs/source/sourceurl.go, generalized into a
// standalone fetcher rather than copied wholesale (that package derives
// cache-validation headers for a content-addressed filesystem source; this
// one only needs the timestamp itself).
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/cochaviz/vmvault/vault"
)

// HTTPFetcher downloads over plain HTTP(S). It implements vault.Fetcher.
type HTTPFetcher struct {
	Client *http.Client
}

var _ vault.Fetcher = (*HTTPFetcher)(nil)

// New returns an HTTPFetcher using a plain http.Client with no timeout:
// downloads are long-running by design and should be bounded by the
// caller's context instead.
func New() *HTTPFetcher {
	return &HTTPFetcher{Client: &http.Client{}}
}

func (f *HTTPFetcher) client() *http.Client {
	if f.Client != nil {
		return f.Client
	}
	return http.DefaultClient
}

// DownloadTo streams url's body to destination, invoking monitor(phase, pct)
// as bytes arrive. expectedSize <= 0 means unknown; in that case the
// response's Content-Length is used if present, else progress stays
// indeterminate. A non-2xx response or a monitor abort is reported as
// vault.DownloadFailed.
func (f *HTTPFetcher) DownloadTo(ctx context.Context, url, destination string, expectedSize int64, phase vault.Phase, monitor vault.Monitor) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return downloadErr(err, "build request for %s", url)
	}

	resp, err := f.client().Do(req)
	if err != nil {
		return downloadErr(err, "fetch %s", url)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return downloadErr(nil, "fetch %s: unexpected status %s", url, resp.Status)
	}

	total := expectedSize
	if total <= 0 && resp.ContentLength > 0 {
		total = resp.ContentLength
	}

	out, err := os.OpenFile(destination, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return downloadErr(err, "create %s", destination)
	}
	defer out.Close()

	pr := &progressReader{r: resp.Body, total: total, phase: phase, monitor: monitor}
	if _, err := io.Copy(out, pr); err != nil {
		return downloadErr(err, "write %s", destination)
	}
	if pr.aborted {
		return downloadErr(nil, "download of %s aborted by monitor", url)
	}
	return nil
}

// LastModified issues a plain HEAD (falling back to a ranged GET for
// servers that reject HEAD) and returns the raw Last-Modified header value
// verbatim — it is stored and compared as an opaque string, never parsed
// as a timestamp. ok is false when the server reports no such header.
func (f *HTTPFetcher) LastModified(ctx context.Context, url string) (string, bool, error) {
	raw, err := f.lastModifiedVia(ctx, http.MethodHead, url, "")
	if err == nil {
		return raw, raw != "", nil
	}
	// Some servers reject HEAD outright; retry with a minimal ranged GET
	// before giving up.
	raw, err = f.lastModifiedVia(ctx, http.MethodGet, url, "bytes=0-0")
	if err != nil {
		return "", false, err
	}
	return raw, raw != "", nil
}

func (f *HTTPFetcher) lastModifiedVia(ctx context.Context, method, url, rangeHeader string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return "", downloadErr(err, "build %s request for %s", method, url)
	}
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}

	resp, err := f.client().Do(req)
	if err != nil {
		return "", downloadErr(err, "%s %s", method, url)
	}
	defer resp.Body.Close()

	okStatus := resp.StatusCode >= 200 && resp.StatusCode < 300 || resp.StatusCode == http.StatusPartialContent
	if !okStatus {
		return "", downloadErr(nil, "%s %s: unexpected status %s", method, url, resp.Status)
	}

	return resp.Header.Get("Last-Modified"), nil
}

type progressReader struct {
	r       io.Reader
	total   int64
	read    int64
	phase   vault.Phase
	monitor vault.Monitor
	aborted bool
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
	if n > 0 {
		p.read += int64(n)
		if p.monitor != nil {
			if !p.monitor(p.phase, pctOf(p.read, p.total)) {
				p.aborted = true
				return n, io.EOF
			}
		}
	}
	return n, err
}

func pctOf(read, total int64) int {
	if total <= 0 {
		return -1
	}
	pct := int(read * 100 / total)
	if pct > 100 {
		pct = 100
	}
	return pct
}

func downloadErr(cause error, format string, args ...any) error {
	return &vault.Error{Kind: vault.DownloadFailed, Message: fmt.Sprintf(format, args...), Cause: cause}
}
