// Package collyfetcher implements the Webmention source fetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"syscall"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/indieweb-endpoint/internal/indieweb"
	"github.com/JakeFAU/indieweb-endpoint/internal/policy/hostblock"
)

// Config controls collector behavior.
type Config struct {
	UserAgent    string
	Timeout      time.Duration
	MaxRedirects int
	MaxBodyBytes int
	// AllowHost vets every redirect hop. Returning an error stops the fetch
	// with ErrBlockedHost.
	AllowHost func(rawURL string) error
	// AllowPrivate lets the default transport connect to loopback and
	// private addresses. Without it every dial is checked after DNS
	// resolution and non-public peers fail with ErrBlockedHost.
	AllowPrivate bool
	// Transport overrides the default pooled transport.
	Transport http.RoundTripper
}

// Fetcher implements indieweb.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher. The shared collector holds the transport, timeout
// and redirect policy; each fetch runs on a clone with its own callbacks.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = 5
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "indieweb-endpoint (webmention verifier)"
	}

	c := colly.NewCollector(
		colly.AllowURLRevisit(),
		colly.ParseHTTPErrorResponse(),
		colly.MaxBodySize(cfg.MaxBodyBytes),
		colly.UserAgent(cfg.UserAgent),
	)
	transport := cfg.Transport
	if transport == nil {
		transport = newHTTPTransport(cfg.AllowPrivate)
	}
	c.WithTransport(transport)
	c.SetRequestTimeout(cfg.Timeout)

	f := &Fetcher{cfg: cfg, baseCollector: c}
	c.SetRedirectHandler(f.checkRedirect)
	return f
}

func (f *Fetcher) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) > f.cfg.MaxRedirects {
		return fmt.Errorf("%w: stopped after %d", indieweb.ErrTooManyRedirects, f.cfg.MaxRedirects)
	}
	if f.cfg.AllowHost != nil {
		if err := f.cfg.AllowHost(req.URL.String()); err != nil {
			return fmt.Errorf("%w: redirect to %s: %v", indieweb.ErrBlockedHost, req.URL.Host, err)
		}
	}
	return nil
}

// Fetch retrieves request.URL. HTTP error statuses are returned alongside an
// error wrapping ErrUnreachable (5xx, 429) or ErrSourceGone (other 4xx).
func (f *Fetcher) Fetch(ctx context.Context, request indieweb.FetchRequest) (indieweb.FetchResponse, error) {
	var (
		result   indieweb.FetchResponse
		fetchErr error
	)
	start := time.Now()
	collector := f.baseCollector.Clone()
	collector.Context = ctx
	f.configureCollectorHooks(collector, request, start, &result, &fetchErr)

	if err := f.runCollector(ctx, collector, request.URL, &fetchErr); err != nil {
		return indieweb.FetchResponse{}, err
	}
	if err := classifyStatus(result.StatusCode); err != nil {
		return result, err
	}
	return result, nil
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request indieweb.FetchRequest,
	start time.Time,
	result *indieweb.FetchResponse,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		copyHeaders(request.Headers, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		headers := http.Header{}
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		*result = indieweb.FetchResponse{
			URL:         r.Request.URL.String(),
			StatusCode:  r.StatusCode,
			Headers:     headers,
			Body:        append([]byte(nil), r.Body...),
			ContentType: headers.Get("Content-Type"),
			Duration:    time.Since(start),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", indieweb.ErrUnreachable, ctx.Err())
	case err := <-done:
		if err == nil {
			err = *fetchErr
		}
		if err != nil {
			return classifyTransportError(err)
		}
		return nil
	}
}

func classifyTransportError(err error) error {
	switch {
	case errors.Is(err, indieweb.ErrTooManyRedirects), errors.Is(err, indieweb.ErrBlockedHost):
		return err
	default:
		return fmt.Errorf("%w: %w", indieweb.ErrUnreachable, err)
	}
}

func classifyStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests || code >= 500:
		return fmt.Errorf("%w: status %d", indieweb.ErrUnreachable, code)
	default:
		return fmt.Errorf("%w: status %d", indieweb.ErrSourceGone, code)
	}
}

func copyHeaders(headers http.Header, r *colly.Request) {
	for key, values := range headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func newHTTPTransport(allowPrivate bool) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	proxy := http.ProxyFromEnvironment
	if !allowPrivate {
		dialer.Control = publicOnly
		// A proxy would resolve the source itself and bypass the dial check.
		proxy = nil
	}
	return &http.Transport{
		Proxy:                 proxy,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: 10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
	}
}

// publicOnly runs after name resolution, so it sees the address actually
// dialed for every redirect hop and DNS answer.
func publicOnly(_, address string, _ syscall.RawConn) error {
	addrPort, err := netip.ParseAddrPort(address)
	if err != nil {
		return fmt.Errorf("%w: unparseable dial address %q", indieweb.ErrBlockedHost, address)
	}
	if hostblock.IsPrivateAddr(addrPort.Addr()) {
		return fmt.Errorf("%w: %s is not a public address", indieweb.ErrBlockedHost, addrPort.Addr())
	}
	return nil
}
