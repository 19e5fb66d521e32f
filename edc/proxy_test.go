package edc

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProxyMode(t *testing.T) {
	assert.Equal(t, ProxyDirect, ParseProxyMode("direct"))
	assert.Equal(t, ProxyApp, ParseProxyMode("app"))
	assert.Equal(t, ProxySystem, ParseProxyMode(""))
	assert.Equal(t, ProxySystem, ParseProxyMode("whatever"))
}

func TestDirectModeHasNoProxy(t *testing.T) {
	assert.Nil(t, ProxySettings{Mode: ProxyDirect}.ProxyFunc())
}

func TestAppProxyHonoursNoProxy(t *testing.T) {
	p := ProxySettings{
		Mode:     ProxyApp,
		Host:     "proxy.example.org",
		Port:     3128,
		NoProxy:  "edc.uniklinikum.example",
		Username: "svc",
		Password: "pw",
	}
	fn := p.ProxyFunc()
	require.NotNil(t, fn)

	req, _ := http.NewRequest(http.MethodGet, "https://edc.uniklinikum.example/OpenClinica/", nil)
	u, err := fn(req)
	require.NoError(t, err)
	assert.Nil(t, u)

	req, _ = http.NewRequest(http.MethodGet, "https://partner.example.com/OpenClinica/", nil)
	u, err = fn(req)
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, "proxy.example.org:3128", u.Host)
	pw, _ := u.User.Password()
	assert.Equal(t, "svc", u.User.Username())
	assert.Equal(t, "pw", pw)
}

func TestNewHTTPClientUsesProxy(t *testing.T) {
	c := NewHTTPClient(ProxySettings{Mode: ProxyDirect}, true, 0)
	tr, ok := c.Transport.(*http.Transport)
	require.True(t, ok)
	assert.Nil(t, tr.Proxy)
	assert.True(t, tr.TLSClientConfig.InsecureSkipVerify)
}
