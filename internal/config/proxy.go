package config

import (
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ProxyFunc returns an http.Transport proxy hook that reads the proxy
// settings on every request, so SetProxy applies to existing clients.
func (s *Store) ProxyFunc() func(*http.Request) (*url.URL, error) {
	return func(req *http.Request) (*url.URL, error) {
		p := s.Proxy()
		raw := p.HTTP
		if req.URL != nil && req.URL.Scheme == "https" && p.HTTPS != "" {
			raw = p.HTTPS
		}
		if raw == "" {
			raw = p.HTTPS
		}
		return parseProxy(raw)
	}
}

func parseProxy(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	return url.Parse(raw)
}

// HTTPClient returns a client routed through the configured proxy.
func (s *Store) HTTPClient(timeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = s.ProxyFunc()
	return &http.Client{Transport: transport, Timeout: timeout}
}
