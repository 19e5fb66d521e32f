package edc

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/net/http/httpproxy"
)

// ProxyMode selects how outbound EDC traffic reaches the network.
type ProxyMode string

const (
	ProxyDirect ProxyMode = "direct" // never use a proxy
	ProxySystem ProxyMode = "system" // HTTP(S)_PROXY / NO_PROXY from the environment
	ProxyApp    ProxyMode = "app"    // proxy configured for this service
)

// ProxySettings describes the application proxy.
type ProxySettings struct {
	Mode     ProxyMode
	Host     string
	Port     int
	NoProxy  string // comma separated host exclusions, NO_PROXY syntax
	Username string // optional basic auth
	Password string
}

// ParseProxyMode maps a configuration value to a mode. Unknown values mean
// the system default.
func ParseProxyMode(s string) ProxyMode {
	switch ProxyMode(s) {
	case ProxyDirect, ProxyApp:
		return ProxyMode(s)
	default:
		return ProxySystem
	}
}

// ProxyFunc returns the proxy selection function for an http.Transport.
func (p ProxySettings) ProxyFunc() func(*http.Request) (*url.URL, error) {
	switch p.Mode {
	case ProxyDirect:
		return nil
	case ProxyApp:
		if p.Host == "" {
			return nil
		}
		proxyURL := &url.URL{Scheme: "http", Host: net.JoinHostPort(p.Host, strconv.Itoa(p.Port))}
		if p.Username != "" {
			proxyURL.User = url.UserPassword(p.Username, p.Password)
		}
		cfg := httpproxy.Config{
			HTTPProxy:  proxyURL.String(),
			HTTPSProxy: proxyURL.String(),
			NoProxy:    p.NoProxy,
		}
		fn := cfg.ProxyFunc()
		return func(r *http.Request) (*url.URL, error) {
			return fn(r.URL)
		}
	default:
		return http.ProxyFromEnvironment
	}
}

// NewHTTPClient builds the client used for EDC calls.
func NewHTTPClient(p ProxySettings, insecureTLS bool, timeout time.Duration) *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.Proxy = p.ProxyFunc()
	if insecureTLS {
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // operator opt-in
	}
	return &http.Client{Transport: tr, Timeout: timeout}
}

func (p ProxySettings) String() string {
	if p.Mode != ProxyApp {
		return string(p.Mode)
	}
	return fmt.Sprintf("app(%s:%d, no_proxy=%q)", p.Host, p.Port, p.NoProxy)
}
