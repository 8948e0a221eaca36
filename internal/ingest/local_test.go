package ingest

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsLocalURL(t *testing.T) {
	tests := []struct {
		url   string
		local bool
	}{
		{"https://localhost/x.com", true},
		{"http://localhost:3000/", true},
		{"http://127.0.0.1:8080/page", true},
		{"http://10.1.2.3/", true},
		{"http://172.20.0.5/", true},
		{"http://192.168.1.10/", true},
		{"http://169.254.10.1/", true},
		{"http://[::1]:3000/", true},
		{"http://[fd12:3456::1]/", true},
		{"http://0.0.0.0/", true},
		{"https://myapp.local/", true},
		{"https://api.internal/", true},
		{"https://app.localhost/", true},
		{"localhost:3000/about", true},
		{"https://example.com/about", false},
		{"https://localhost.example.com/", false},
		{"https://172.32.0.1/", false},
		{"https://8.8.8.8/", false},
		{"https://x.com/localhost", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			assert.Equal(t, tt.local, IsLocalURL(tt.url))
		})
	}
}

func TestIsPrivateIP(t *testing.T) {
	assert.True(t, IsPrivateIP(net.ParseIP("192.168.0.1")))
	assert.True(t, IsPrivateIP(net.ParseIP("::1")))
	assert.True(t, IsPrivateIP(net.ParseIP("fe80::1")))
	assert.False(t, IsPrivateIP(net.ParseIP("203.0.113.9")))
	assert.False(t, IsPrivateIP(net.ParseIP("2001:db8::1")))
	assert.False(t, IsPrivateIP(nil))
}
