package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrustedNetworks(t *testing.T) {
	nets, err := ParseTrustedNetworks([]string{"203.0.113.0/24", "198.51.100.7"})
	require.NoError(t, err)

	tests := []struct {
		ip      string
		trusted bool
	}{
		{"10.1.2.3", true},
		{"192.168.0.5", true},
		{"127.0.0.1", true},
		{"::1", true},
		{"203.0.113.44", true},
		{"198.51.100.7", true},
		{"198.51.100.8", false},
		{"8.8.8.8", false},
		{"not-an-ip", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.trusted, nets.Contains(tt.ip), tt.ip)
	}

	_, err = ParseTrustedNetworks([]string{"300.0.0.0/8"})
	assert.Error(t, err)
}
