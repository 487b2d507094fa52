// Package privacy masks personal data before it reaches operational logs.
// The audit trail keeps full values; only logs are masked.
package privacy

import (
	"net/netip"
	"strings"

	"github.com/mssola/useragent"
)

// AnonymizeIP keeps the /24 of an IPv4 address and the /48 of an IPv6
// address. It returns "unknown" for empty input and "invalid" when ip does
// not parse.
func AnonymizeIP(ip string) string {
	if ip == "" || ip == "unknown" {
		return "unknown"
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return "invalid"
	}
	addr = addr.Unmap()

	bits := 48
	if addr.Is4() {
		bits = 24
	}
	prefix, err := addr.Prefix(bits)
	if err != nil {
		return "invalid"
	}
	return prefix.Addr().String()
}

// DeviceLabel reduces a User-Agent header to "Browser on OS".
func DeviceLabel(userAgent string) string {
	if strings.TrimSpace(userAgent) == "" {
		return "unknown"
	}
	ua := useragent.New(userAgent)
	browser, _ := ua.Browser()
	os := ua.OS()
	if ua.Mobile() && ua.Platform() != "" {
		os = ua.Platform()
	}
	if browser == "" {
		browser = "unknown browser"
	}
	if os == "" {
		os = "unknown os"
	}
	return browser + " on " + os
}
