// Package httpclient provides a shared HTTP client pool. Clients with the
// same options reuse one http.Client instance, so the transport connection
// pool is shared instead of re-dialing per request.
package httpclient

import (
	"fmt"
	"net/http"
	"sync"
	"time"
)

const (
	defaultMaxIdleConns        = 100
	defaultMaxIdleConnsPerHost = 10
	// Keep idle timeout below typical upstream LB idle timeouts.
	defaultIdleConnTimeout = 90 * time.Second
)

// Options define the build parameters of a shared HTTP client.
type Options struct {
	Timeout               time.Duration
	ResponseHeaderTimeout time.Duration

	// Optional pool parameters; zero values use the defaults above.
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	MaxConnsPerHost     int
}

// sharedClients caches http.Client instances keyed by their options.
var sharedClients sync.Map

// GetClient returns the shared HTTP client for the given options.
func GetClient(opts Options) *http.Client {
	key := buildClientKey(opts)
	if cached, ok := sharedClients.Load(key); ok {
		if client, ok := cached.(*http.Client); ok {
			return client
		}
	}

	client := buildClient(opts)
	actual, _ := sharedClients.LoadOrStore(key, client)
	if c, ok := actual.(*http.Client); ok {
		return c
	}
	return client
}

// CloseIdleConnections releases idle connections of every pooled client.
// Called on shutdown; in-flight requests are unaffected.
func CloseIdleConnections() {
	sharedClients.Range(func(_, value any) bool {
		if client, ok := value.(*http.Client); ok {
			client.CloseIdleConnections()
		}
		return true
	})
}

func buildClient(opts Options) *http.Client {
	return &http.Client{
		Transport: buildTransport(opts),
		Timeout:   opts.Timeout,
	}
}

func buildTransport(opts Options) *http.Transport {
	maxIdleConns := opts.MaxIdleConns
	if maxIdleConns <= 0 {
		maxIdleConns = defaultMaxIdleConns
	}
	maxIdleConnsPerHost := opts.MaxIdleConnsPerHost
	if maxIdleConnsPerHost <= 0 {
		maxIdleConnsPerHost = defaultMaxIdleConnsPerHost
	}

	return &http.Transport{
		MaxIdleConns:          maxIdleConns,
		MaxIdleConnsPerHost:   maxIdleConnsPerHost,
		MaxConnsPerHost:       opts.MaxConnsPerHost,
		IdleConnTimeout:       defaultIdleConnTimeout,
		ResponseHeaderTimeout: opts.ResponseHeaderTimeout,
	}
}

func buildClientKey(opts Options) string {
	return fmt.Sprintf("%s|%s|%d|%d|%d",
		opts.Timeout.String(),
		opts.ResponseHeaderTimeout.String(),
		opts.MaxIdleConns,
		opts.MaxIdleConnsPerHost,
		opts.MaxConnsPerHost,
	)
}
