package ics

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	appLog "icsync/internal/log"
	"icsync/internal/model"
)

const (
	defaultFetchTimeout = 30 * time.Second
	defaultMaxHops      = 10
	maxBodyBytes        = 32 << 20
)

// Request describes a single fetch.
type Request struct {
	URL        string
	Credential *model.Credential
	Validators model.Validators
	// TrustedFingerprints are accepted for this fetch only, on top of the
	// fetcher-wide list.
	TrustedFingerprints []string
}

// FetcherOptions configures a Fetcher. Zero values pick defaults.
type FetcherOptions struct {
	Timeout   time.Duration
	UserAgent string
	// MaxHops bounds transient (302/303/307) redirects followed per fetch.
	MaxHops int
	// TrustedFingerprints are SHA-256 certificate fingerprints always accepted.
	TrustedFingerprints []string
	// RootCAs overrides the system pool.
	RootCAs *x509.CertPool
	// ReadFile reads content:// feeds; os.ReadFile when nil.
	ReadFile func(name string) ([]byte, error)
}

// Fetcher downloads feeds with conditional GET and maps every result to an
// Outcome. It never writes to storage.
type Fetcher struct {
	opts FetcherOptions

	mu      sync.RWMutex
	trusted []string
}

// NewFetcher creates a new feed Fetcher.
func NewFetcher(opts FetcherOptions) *Fetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultFetchTimeout
	}
	if opts.MaxHops <= 0 {
		opts.MaxHops = defaultMaxHops
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "icsync"
	}
	if opts.ReadFile == nil {
		opts.ReadFile = os.ReadFile
	}
	return &Fetcher{opts: opts, trusted: append([]string(nil), opts.TrustedFingerprints...)}
}

// SetTrustedFingerprints replaces the fetcher-wide trusted certificate list.
// Fetches already in flight keep the list they started with.
func (f *Fetcher) SetTrustedFingerprints(fps []string) {
	f.mu.Lock()
	f.trusted = append([]string(nil), fps...)
	f.mu.Unlock()
}

// Fetch performs one fetch of req.URL and returns exactly one Outcome.
//
// A cancelled parent context yields a KindNetwork failure wrapping
// ctx.Err(); callers distinguish cancellation by checking their context.
func (f *Fetcher) Fetch(ctx context.Context, req Request) Outcome {
	u, err := url.Parse(req.URL)
	if err != nil {
		return failure(KindMalformedURI, "cannot parse address", err)
	}

	switch u.Scheme {
	case SchemeContent:
		return f.fetchContent(u)
	case SchemeHTTP, SchemeHTTPS:
		if u.Host == "" {
			return failure(KindMalformedURI, "address has no host", nil)
		}
		return f.fetchHTTP(ctx, u, req)
	default:
		return failure(KindMalformedURI, "unsupported scheme "+u.Scheme, nil)
	}
}

func (f *Fetcher) fetchContent(u *url.URL) Outcome {
	body, err := f.opts.ReadFile(u.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return failure(KindNetwork, "file not found", err)
		}
		return failure(KindNetwork, "cannot read file", err)
	}
	appLog.Debug("content feed read", "url", RedactURL(u.String()), "bytes", len(body))

	return Success{
		Body:            body,
		DisplayNameHint: path.Base(u.Path),
	}
}

func (f *Fetcher) fetchHTTP(ctx context.Context, u *url.URL, req Request) Outcome {
	ctx, cancel := context.WithTimeout(ctx, f.opts.Timeout)
	defer cancel()

	client, transport := f.client(u.Hostname(), req.TrustedFingerprints)
	defer transport.CloseIdleConnections()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return failure(KindMalformedURI, "cannot build request", err)
	}
	httpReq.Header.Set("User-Agent", f.opts.UserAgent)
	httpReq.Header.Set("Accept", "text/calendar, */*;q=0.9")

	if req.Validators.ETag != "" {
		httpReq.Header.Set("If-None-Match", req.Validators.ETag)
	}
	if req.Validators.LastModified != "" {
		httpReq.Header.Set("If-Modified-Since", req.Validators.LastModified)
	}

	if req.Credential != nil {
		httpReq.SetBasicAuth(req.Credential.Username, req.Credential.Password)
		if u.Scheme == SchemeHTTP {
			appLog.Warn("sending credentials over insecure transport", "url", RedactURL(u.String()))
		}
	}

	appLog.Debug("ics fetch start", "url", RedactURL(u.String()), "conditional", !req.Validators.Empty())

	resp, err := client.Do(httpReq)
	if err != nil {
		return networkFailure(ctx, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		appLog.Debug("ics fetch not modified", "url", RedactURL(u.String()))
		return Unchanged{}

	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
		if err != nil {
			return networkFailure(ctx, err)
		}
		if len(body) > maxBodyBytes {
			return &Failure{Kind: KindHTTP, Status: resp.StatusCode, Detail: "feed exceeds size limit"}
		}
		appLog.Debug("ics fetch success", "url", RedactURL(u.String()), "status", resp.StatusCode, "bytes", len(body))
		return Success{
			Body:        body,
			ContentType: resp.Header.Get("Content-Type"),
			Validators: model.Validators{
				ETag:         resp.Header.Get("ETag"),
				LastModified: resp.Header.Get("Last-Modified"),
			},
			DisplayNameHint: dispositionFilename(resp.Header.Get("Content-Disposition")),
		}

	case resp.StatusCode == http.StatusMovedPermanently || resp.StatusCode == http.StatusPermanentRedirect:
		loc := resp.Header.Get("Location")
		if loc == "" {
			return &Failure{Kind: KindHTTP, Status: resp.StatusCode, Detail: "redirect without Location"}
		}
		target, err := resp.Request.URL.Parse(loc)
		if err != nil {
			return &Failure{Kind: KindHTTP, Status: resp.StatusCode, Detail: "invalid redirect Location", Err: err}
		}
		return Redirected{Location: target.String(), Status: resp.StatusCode}

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &Failure{Kind: KindUnauthorized, Status: resp.StatusCode}

	default:
		return &Failure{Kind: KindHTTP, Status: resp.StatusCode, Detail: http.StatusText(resp.StatusCode)}
	}
}

// client builds a per-fetch client so that per-request trusted
// fingerprints take effect on fresh connections.
func (f *Fetcher) client(host string, extraTrusted []string) (*http.Client, *http.Transport) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	f.mu.RLock()
	trusted := fingerprintSet(f.trusted, extraTrusted)
	f.mu.RUnlock()
	transport.TLSClientConfig = tlsConfig(f.opts.RootCAs, trusted, host)

	maxHops := f.opts.MaxHops
	return &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if req.Response != nil {
				switch req.Response.StatusCode {
				case http.StatusMovedPermanently, http.StatusPermanentRedirect:
					return http.ErrUseLastResponse
				}
			}
			if len(via) > maxHops {
				return fmt.Errorf("stopped after %d redirects", maxHops)
			}
			return nil
		},
	}, transport
}

func networkFailure(ctx context.Context, err error) *Failure {
	if f, ok := certificateFailure(err); ok {
		return f
	}
	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
		return failure(KindNetwork, "request timed out", err)
	}
	if errors.Is(err, context.Canceled) {
		return failure(KindNetwork, "request cancelled", err)
	}
	var uerr *url.Error
	if errors.As(err, &uerr) && strings.HasPrefix(uerr.Err.Error(), "stopped after") {
		return failure(KindHTTP, uerr.Err.Error(), err)
	}
	return failure(KindNetwork, rootCause(err).Error(), err)
}

func dispositionFilename(header string) string {
	if header == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(header)
	if err != nil {
		return ""
	}
	name := path.Base(params["filename"])
	if name == "." || name == "/" {
		return ""
	}
	return name
}
