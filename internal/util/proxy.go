package util

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/router-for-me/copilotctl/internal/config"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

// SetProxy configures httpClient to route through cfg.ProxyURL. Supported schemes are
// http, https and socks5. An empty or unparsable proxy URL leaves the client untouched.
func SetProxy(cfg *config.SDKConfig, httpClient *http.Client) *http.Client {
	if cfg == nil || httpClient == nil {
		return httpClient
	}
	raw := strings.TrimSpace(cfg.ProxyURL)
	if raw == "" {
		return httpClient
	}
	proxyURL, err := url.Parse(raw)
	if err != nil {
		log.Errorf("invalid proxy-url %q: %v", raw, err)
		return httpClient
	}

	var transport *http.Transport
	switch proxyURL.Scheme {
	case "socks5", "socks5h":
		var auth *proxy.Auth
		if proxyURL.User != nil {
			password, _ := proxyURL.User.Password()
			auth = &proxy.Auth{User: proxyURL.User.Username(), Password: password}
		}
		dialer, errSOCKS := proxy.SOCKS5("tcp", proxyURL.Host, auth, proxy.Direct)
		if errSOCKS != nil {
			log.Errorf("failed to create SOCKS5 dialer: %v", errSOCKS)
			return httpClient
		}
		transport = &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				if cd, ok := dialer.(proxy.ContextDialer); ok {
					return cd.DialContext(ctx, network, addr)
				}
				return dialer.Dial(network, addr)
			},
		}
	case "http", "https":
		transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	default:
		log.Errorf("unsupported proxy scheme %q", proxyURL.Scheme)
		return httpClient
	}

	httpClient.Transport = transport
	return httpClient
}
