package engine

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/proxy"

	"github.com/surge-downloader/partdl/internal/engine/types"
	"github.com/surge-downloader/partdl/internal/utils"
)

// NewHTTPClient returns a client tuned for many parallel range requests to
// the same host. Proxy and TLS behavior follow runtime.
func NewHTTPClient(runtime *types.RuntimeConfig) *http.Client {
	conns := runtime.GetMaxConnections()

	transport := &http.Transport{
		MaxIdleConns:          types.DefaultMaxIdleConns,
		MaxIdleConnsPerHost:   conns + 2,
		IdleConnTimeout:       types.DefaultIdleConnTimeout,
		TLSHandshakeTimeout:   types.DefaultTLSHandshakeTimeout,
		ResponseHeaderTimeout: types.DefaultResponseHeaderTimeout,
		ExpectContinueTimeout: types.DefaultExpectContinueTimeout,

		// Part files are stored verbatim; a transparently gunzipped body
		// would not match the advertised range length.
		DisableCompression: true,
		// One TCP connection per worker; HTTP/2 would multiplex them.
		ForceAttemptHTTP2: false,
		TLSNextProto:      make(map[string]func(authority string, c *tls.Conn) http.RoundTripper),

		DialContext: (&net.Dialer{
			Timeout:   types.DialTimeout,
			KeepAlive: types.KeepAliveDuration,
		}).DialContext,
	}

	configureProxy(transport, runtime)

	if runtime != nil && runtime.SkipTLSVerification {
		utils.Debug("http client: TLS verification disabled")
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &http.Client{Transport: transport}
}

func configureProxy(transport *http.Transport, runtime *types.RuntimeConfig) {
	transport.Proxy = http.ProxyFromEnvironment
	if runtime == nil || runtime.ProxyURL == "" {
		return
	}

	parsed, err := url.Parse(runtime.ProxyURL)
	if err != nil {
		utils.Debug("http client: invalid proxy URL %s: %v", runtime.ProxyURL, err)
		return
	}

	if !strings.HasPrefix(parsed.Scheme, "socks5") {
		transport.Proxy = http.ProxyURL(parsed)
		return
	}

	var auth *proxy.Auth
	if parsed.User != nil {
		pass, _ := parsed.User.Password()
		auth = &proxy.Auth{User: parsed.User.Username(), Password: pass}
	}
	dialer, err := proxy.SOCKS5("tcp", parsed.Host, auth, proxy.Direct)
	if err != nil {
		utils.Debug("http client: failed to create SOCKS5 dialer: %v", err)
		return
	}

	utils.Debug("http client: using SOCKS5 proxy %s", parsed.Host)
	transport.Proxy = nil
	if cd, ok := dialer.(proxy.ContextDialer); ok {
		transport.DialContext = cd.DialContext
	} else {
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialer.Dial(network, addr)
		}
	}
}
