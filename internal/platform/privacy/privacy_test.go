package privacy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAnonymizeIP(t *testing.T) {
	tests := map[string]struct {
		input string
		want  string
	}{
		"ipv4":                 {"192.168.1.47", "192.168.1.0"},
		"ipv4 network address": {"10.0.0.0", "10.0.0.0"},
		"ipv4 loopback":        {"127.0.0.1", "127.0.0.0"},
		"ipv4-mapped ipv6":     {"::ffff:172.16.50.255", "172.16.50.0"},
		"ipv6 full":            {"2001:db8:85a3:0000:0000:8a2e:0370:7334", "2001:db8:85a3::"},
		"ipv6 compressed":      {"2001:db8:85a3::8a2e:370:7334", "2001:db8:85a3::"},
		"ipv6 loopback":        {"::1", "::"},
		"empty":                {"", "unknown"},
		"unknown":              {"unknown", "unknown"},
		"garbage":              {"not-an-ip", "invalid"},
		"partial ipv4":         {"192.168.1", "invalid"},
		"host and port":        {"192.168.1.1:8080", "invalid"},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, AnonymizeIP(tc.input))
		})
	}
}

func TestAnonymizeIPGroupsByNetwork(t *testing.T) {
	for _, ip := range []string{"192.168.1.1", "192.168.1.100", "192.168.1.255"} {
		assert.Equal(t, "192.168.1.0", AnonymizeIP(ip))
	}
	assert.NotEqual(t, AnonymizeIP("192.168.1.47"), AnonymizeIP("192.168.2.47"))
}

func TestDeviceLabel(t *testing.T) {
	assert.Equal(t, "unknown", DeviceLabel(""))
	assert.Equal(t, "unknown", DeviceLabel("   "))

	label := DeviceLabel("Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	assert.Contains(t, label, "Chrome")
	assert.Contains(t, label, "Windows")
	assert.NotContains(t, label, "120.0")
}
