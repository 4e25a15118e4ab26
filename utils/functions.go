package utils

import (
	"fmt"
	"net"
	"net/http"
	u "net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

// DetermineSource maps a manifest URL to the fetcher scheme that serves it.
func DetermineSource(url string) string {
	if strings.HasPrefix(url, "s3://") {
		return "s3"
	}
	return "http"
}

// CreateHTTPClient builds the shared client for a bundle run. The overall
// client timeout stays zero because weight shards take minutes to stream;
// stalls are bounded by the dial and response-header timeouts instead.
func CreateHTTPClient(cfg HTTPClientConfig) *http.Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.KATimeout == 0 {
		cfg.KATimeout = 90 * time.Second
	}
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   cfg.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ResponseHeaderTimeout: cfg.Timeout,
		IdleConnTimeout:       cfg.KATimeout,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   100, // for connection reuse across shards
		DisableCompression:    true,
		MaxConnsPerHost:       0,
	}
	if cfg.ProxyURL != "" {
		proxyURLParsed, err := u.Parse(cfg.ProxyURL)
		if err != nil {
			log.Error().Err(err).Str("proxy", cfg.ProxyURL).Msg("Invalid proxy URL, proceeding without proxy")
		} else {
			transport.Proxy = http.ProxyURL(proxyURLParsed)
			log.Debug().Str("proxy", cfg.ProxyURL).Msg("Using proxy for connections")
		}
	}
	var rt http.RoundTripper = transport
	if cfg.Token != "" {
		rt = &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token, TokenType: "Bearer"}),
			Base:   transport,
		}
	}
	return &http.Client{Transport: rt}
}

// ApplyHeaders stamps the configured user agent and custom headers onto an
// outgoing request. The bearer token rides on the transport, not here.
func ApplyHeaders(req *http.Request, cfg HTTPClientConfig) {
	if cfg.UserAgent != "" {
		req.Header.Set("User-Agent", cfg.UserAgent)
	}
	for key, value := range cfg.Headers {
		req.Header.Set(key, value)
	}
}

// ParseHeaderArgs turns repeated "Key: Value" flag values into a header map.
func ParseHeaderArgs(headers []string) map[string]string {
	parsed := make(map[string]string)
	for _, h := range headers {
		key, value, found := strings.Cut(h, ":")
		if !found || strings.TrimSpace(key) == "" {
			log.Warn().Str("header", h).Msg("Ignoring malformed header argument")
			continue
		}
		parsed[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return parsed
}

func FormatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
