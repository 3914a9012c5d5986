package service

import (
	"errors"
	"testing"

	"github.com/portdaddy/portdaddy/internal/domain"
)

func TestCheckWebhookURL(t *testing.T) {
	tests := []struct {
		name string
		url  string
		want error
	}{
		{"loopback ipv4", "http://127.0.0.1:9000/hook", domain.ErrSSRFBlocked},
		{"loopback high", "http://127.8.8.8/hook", domain.ErrSSRFBlocked},
		{"loopback ipv6", "http://[::1]:8080/hook", domain.ErrSSRFBlocked},
		{"private 10", "http://10.1.2.3/hook", domain.ErrSSRFBlocked},
		{"private 172", "http://172.16.0.9/hook", domain.ErrSSRFBlocked},
		{"private 192", "https://192.168.1.10/hook", domain.ErrSSRFBlocked},
		{"link local", "http://169.254.10.10/hook", domain.ErrSSRFBlocked},
		{"cloud metadata", "http://169.254.169.254/latest/meta-data", domain.ErrSSRFBlocked},
		{"cgn", "http://100.64.0.1/hook", domain.ErrSSRFBlocked},
		{"multicast", "http://224.0.0.1/hook", domain.ErrSSRFBlocked},
		{"v4-mapped v6 loopback", "http://[::ffff:127.0.0.1]/hook", domain.ErrSSRFBlocked},
		{"localhost name", "http://localhost:3000/hook", domain.ErrSSRFBlocked},
		{"dot local", "http://printer.local/hook", domain.ErrSSRFBlocked},
		{"dot localhost", "http://api.localhost/hook", domain.ErrSSRFBlocked},
		{"dot internal", "http://vault.corp.internal/hook", domain.ErrSSRFBlocked},
		{"bad scheme", "ftp://example.com/hook", domain.ErrValidation},
		{"not a url", "://nope", domain.ErrValidation},
		{"public ip", "https://8.8.8.8/hook", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckWebhookURL(tt.url)
			if tt.want == nil {
				if err != nil {
					t.Fatalf("got %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
		})
	}
}
