package service

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/portdaddy/portdaddy/internal/domain"
)

// blockedCIDRs are the address ranges an outbound webhook URL may never
// resolve to: loopback, link-local, private, CGN, and multicast, for both
// IPv4 and IPv4-mapped IPv6.
var blockedCIDRs = func() []*net.IPNet {
	cidrs := []string{
		"127.0.0.0/8",
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"169.254.0.0/16",
		"100.64.0.0/10",
		"224.0.0.0/4",
		"::1/128",
		"fe80::/10",
		"fc00::/7",
		"ff00::/8",
	}
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(err)
		}
		out = append(out, n)
	}
	return out
}()

// blockedHost rejects host names that name the local machine or an
// internal zone regardless of what they resolve to.
func blockedHost(host string) bool {
	h := strings.ToLower(strings.TrimSuffix(host, "."))
	if h == "localhost" || h == "metadata.google.internal" {
		return true
	}
	for _, suffix := range []string{".local", ".localhost", ".internal"} {
		if strings.HasSuffix(h, suffix) {
			return true
		}
	}
	return false
}

func blockedIP(ip net.IP) bool {
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	for _, n := range blockedCIDRs {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// CheckWebhookURL validates a webhook target URL against the SSRF filter:
// the host name must not be a local/internal name, and every address it
// resolves to must be outside the blocked ranges (including the cloud
// metadata address, which falls inside link-local). Resolution happens at
// every call, never cached, closing the DNS-rebinding window between
// registration and delivery.
func CheckWebhookURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid webhook url %q: %w", raw, domain.ErrValidation)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported webhook scheme %q: %w", u.Scheme, domain.ErrValidation)
	}

	host := u.Hostname()
	if blockedHost(host) {
		return fmt.Errorf("host %q: %w", host, domain.ErrSSRFBlocked)
	}

	if ip := net.ParseIP(host); ip != nil {
		if blockedIP(ip) {
			return fmt.Errorf("address %s: %w", ip, domain.ErrSSRFBlocked)
		}
		return nil
	}

	addrs, err := net.LookupIP(host)
	if err != nil {
		return fmt.Errorf("resolve %q: %v: %w", host, err, domain.ErrValidation)
	}
	for _, ip := range addrs {
		if blockedIP(ip) {
			return fmt.Errorf("host %q resolves to %s: %w", host, ip, domain.ErrSSRFBlocked)
		}
	}
	return nil
}
