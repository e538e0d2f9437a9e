// Package fetch retrieves remote guide documents as byte streams,
// transparently decompressing gzip payloads. It is pure transport: nothing
// is persisted here.
package fetch

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
)

// ErrTimeout reports that no response arrived within the configured window.
var ErrTimeout = errors.New("fetch timed out")

const defaultTimeout = 120 * time.Second // guide documents can be large

// Fetcher downloads guide documents over HTTP with bounded timeouts and
// retries for transient failures.
type Fetcher struct {
	client  *http.Client
	retries uint
}

// New creates a Fetcher. A non-positive timeout falls back to the default;
// retries is clamped to at least one attempt.
func New(timeout time.Duration, retries int) *Fetcher {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if retries < 1 {
		retries = 1
	}
	return &Fetcher{
		client:  &http.Client{Timeout: timeout},
		retries: uint(retries),
	}
}

// Open fetches rawURL and returns a stream of the decompressed document.
// Gzip content is detected by URL extension, response headers, and the gzip
// magic bytes on the payload itself; when the signals claim gzip but the
// payload does not decompress, the payload is returned as-is.
func (f *Fetcher) Open(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	resp, err := retry.DoWithData(func() (*http.Response, error) {
		return f.get(ctx, rawURL)
	},
		retry.Attempts(f.retries),
		retry.Context(ctx),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("fetch %s: %w", rawURL, ErrTimeout)
		}
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	return wrapBody(rawURL, resp)
}

func (f *Fetcher) get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, retry.Unrecoverable(err)
	}
	// Requesting gzip ourselves disables the transport's transparent
	// decompression, so detection below sees the raw payload.
	req.Header.Set("Accept-Encoding", "gzip")
	req.Header.Set("Accept", "*/*")
	req.Header.Set("User-Agent", "guidecache/1.0")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		err := fmt.Errorf("status %d", resp.StatusCode)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, err
		}
		return nil, retry.Unrecoverable(err)
	}
	return resp, nil
}

// wrapBody applies gzip detection and decompression to a response body.
func wrapBody(rawURL string, resp *http.Response) (io.ReadCloser, error) {
	br := bufio.NewReaderSize(resp.Body, 32*1024)

	head, _ := br.Peek(2)
	magic := len(head) == 2 && head[0] == 0x1f && head[1] == 0x8b

	if !magic {
		if looksGzipped(rawURL, resp) {
			log.Printf("[fetch] %s advertises gzip but payload is plain, serving as-is", rawURL)
		}
		return &stream{r: br, c: resp.Body}, nil
	}

	hc := &headerCapture{r: br}
	gz, err := gzip.NewReader(hc)
	if err != nil {
		// Replay whatever the gzip reader consumed and fall back to plain.
		log.Printf("[fetch] %s gzip header rejected (%v), falling back to plain payload", rawURL, err)
		plain := io.MultiReader(bytes.NewReader(hc.buf.Bytes()), br)
		return &stream{r: plain, c: resp.Body}, nil
	}
	hc.done = true
	return &stream{r: gz, c: resp.Body, gz: gz}, nil
}

// looksGzipped reports whether any out-of-band signal (URL extension or
// response headers) claims gzip content. The payload magic bytes override
// this either way.
func looksGzipped(rawURL string, resp *http.Response) bool {
	if u, err := url.Parse(rawURL); err == nil && strings.HasSuffix(strings.ToLower(u.Path), ".gz") {
		return true
	}
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		return true
	}
	ct := strings.ToLower(resp.Header.Get("Content-Type"))
	return strings.Contains(ct, "gzip")
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

// headerCapture buffers bytes read through it until done is set, so a
// failed gzip header probe can be replayed as plain text.
type headerCapture struct {
	r    io.Reader
	buf  bytes.Buffer
	done bool
}

func (h *headerCapture) Read(p []byte) (int, error) {
	n, err := h.r.Read(p)
	if !h.done && n > 0 {
		h.buf.Write(p[:n])
	}
	return n, err
}

// stream couples a decoded reader with the underlying response body.
type stream struct {
	r  io.Reader
	c  io.Closer
	gz *gzip.Reader
}

func (s *stream) Read(p []byte) (int, error) { return s.r.Read(p) }

func (s *stream) Close() error {
	if s.gz != nil {
		_ = s.gz.Close()
	}
	return s.c.Close()
}
