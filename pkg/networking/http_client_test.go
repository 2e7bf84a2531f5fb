package networking

import (
	"crypto/tls"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHttpClientBuilder(t *testing.T) {
	t.Parallel()

	builder := NewHttpClientBuilder()

	assert.Equal(t, HttpTimeout, builder.clientTimeout)
	assert.Equal(t, 10*time.Second, builder.tlsHandshakeTimeout)
	assert.Equal(t, 10*time.Second, builder.responseHeaderTimeout)
	assert.Empty(t, builder.caCertPath)
	assert.False(t, builder.allowPrivate)
	assert.False(t, builder.allowPlainHTTP)
}

func TestHttpClientBuilder_FluentOptions(t *testing.T) {
	t.Parallel()

	builder := NewHttpClientBuilder()

	assert.Same(t, builder, builder.WithTimeout(5*time.Second))
	assert.Same(t, builder, builder.WithCABundle("/path/to/ca.crt"))
	assert.Same(t, builder, builder.WithPrivateIPs(true))
	assert.Same(t, builder, builder.WithPlainHTTP(true))

	assert.Equal(t, 5*time.Second, builder.clientTimeout)
	assert.Equal(t, "/path/to/ca.crt", builder.caCertPath)
	assert.True(t, builder.allowPrivate)
	assert.True(t, builder.allowPlainHTTP)
}

func TestHttpClientBuilder_Build(t *testing.T) {
	t.Parallel()

	t.Run("basic client", func(t *testing.T) {
		t.Parallel()

		client, err := NewHttpClientBuilder().Build()
		require.NoError(t, err)

		assert.Equal(t, HttpTimeout, client.Timeout)
		transport := client.Transport.(*ValidatingTransport)
		httpTransport := transport.Transport.(*http.Transport)
		assert.Equal(t, uint16(tls.VersionTLS12), httpTransport.TLSClientConfig.MinVersion)
		assert.NotNil(t, httpTransport.DialContext)
		assert.False(t, transport.AllowPlainHTTP)
	})

	t.Run("private IPs allowed leaves dialer unguarded", func(t *testing.T) {
		t.Parallel()

		client, err := NewHttpClientBuilder().WithPrivateIPs(true).Build()
		require.NoError(t, err)

		transport := client.Transport.(*ValidatingTransport)
		httpTransport := transport.Transport.(*http.Transport)
		assert.Nil(t, httpTransport.DialContext)
	})

	t.Run("missing CA certificate file", func(t *testing.T) {
		t.Parallel()

		client, err := NewHttpClientBuilder().WithCABundle("/nonexistent/ca.crt").Build()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "failed to read CA certificate bundle")
		assert.Nil(t, client)
	})

	t.Run("invalid CA certificate file", func(t *testing.T) {
		t.Parallel()

		tmpFile := filepath.Join(t.TempDir(), "invalid-ca.crt")
		require.NoError(t, os.WriteFile(tmpFile, []byte("invalid cert data"), 0644))

		client, err := NewHttpClientBuilder().WithCABundle(tmpFile).Build()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "failed to parse CA certificate bundle")
		assert.Nil(t, client)
	})
}

func TestValidatingTransport_RoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		url            string
		allowPlainHTTP bool
		expectError    bool
		errorContains  string
	}{
		{
			name:        "valid HTTPS URL",
			url:         "https://provider.example.com/oauth/token",
			expectError: false,
		},
		{
			name:          "HTTP URL rejected by default",
			url:           "http://provider.example.com/oauth/token",
			expectError:   true,
			errorContains: "is not HTTPS scheme",
		},
		{
			name:           "HTTP URL allowed for development",
			url:            "http://localhost:8085/oauth/token",
			allowPlainHTTP: true,
			expectError:    false,
		},
		{
			name:          "malformed URL",
			url:           "not-a-url",
			expectError:   true,
			errorContains: "is not HTTPS scheme",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			mockTransport := &mockRoundTripper{
				response: &http.Response{
					StatusCode: 200,
					Body:       io.NopCloser(strings.NewReader("OK")),
				},
			}

			transport := &ValidatingTransport{
				Transport:      mockTransport,
				AllowPlainHTTP: tt.allowPlainHTTP,
			}

			req, err := http.NewRequest(http.MethodGet, tt.url, nil)
			require.NoError(t, err)

			resp, err := transport.RoundTrip(req)

			if tt.expectError {
				assert.Error(t, err)
				if tt.errorContains != "" {
					assert.Contains(t, err.Error(), tt.errorContains)
				}
				assert.Nil(t, resp)
				assert.False(t, mockTransport.called)
			} else {
				assert.NoError(t, err)
				assert.NotNil(t, resp)
				assert.True(t, mockTransport.called)
			}
		})
	}
}

func TestAddressReferencesPrivateIp(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		address   string
		expectErr bool
	}{
		{name: "public address", address: "93.184.216.34:443", expectErr: false},
		{name: "loopback", address: "127.0.0.1:8080", expectErr: true},
		{name: "RFC1918 10/8", address: "10.1.2.3:443", expectErr: true},
		{name: "RFC1918 192.168/16", address: "192.168.1.1:443", expectErr: true},
		{name: "link local", address: "169.254.0.10:443", expectErr: true},
		{name: "IPv6 loopback", address: "[::1]:443", expectErr: true},
		{name: "missing port", address: "10.1.2.3", expectErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := AddressReferencesPrivateIp(tt.address)
			if tt.expectErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

// mockRoundTripper is a simple mock implementation of http.RoundTripper for testing
type mockRoundTripper struct {
	response *http.Response
	err      error
	called   bool
}

func (m *mockRoundTripper) RoundTrip(_ *http.Request) (*http.Response, error) {
	m.called = true
	if m.err != nil {
		return nil, m.err
	}
	return m.response, nil
}
