package netutil

import (
	"testing"
)

func TestParseHost(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"example.com:80", "example.com"},
		{"example.com:443", "example.com"},
		{"example.com", "example.com"},
		{"192.168.1.1:8080", "192.168.1.1"},
		{"[::1]:80", "::1"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := ParseHost(tt.input)
			if result != tt.expected {
				t.Errorf("ParseHost(%s) = %s, expected %s", tt.input, result, tt.expected)
			}
		})
	}
}

func TestNormalizeHost(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"example.com:80", "example.com"},
		{"Example.Com:443", "example.com"},
		{"example.com", "example.com"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := NormalizeHost(tt.input)
			if result != tt.expected {
				t.Errorf("NormalizeHost(%s) = %s, expected %s", tt.input, result, tt.expected)
			}
		})
	}
}

func TestIsRoutableAddr(t *testing.T) {
	tests := []struct {
		addr     string
		expected bool
	}{
		{"192.168.1.5/24", true},
		{"2001:db8::5/64", true},
		{"127.0.0.1/8", false},
		{"::1/128", false},
		{"fe80::1%eth0", false},
		{"fe80::1/64", false},
		{"0.0.0.0", false},
		{"garbage", false},
	}

	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			if got := IsRoutableAddr(tt.addr); got != tt.expected {
				t.Errorf("IsRoutableAddr(%s) = %v, expected %v", tt.addr, got, tt.expected)
			}
		})
	}
}

func TestAddressFingerprint(t *testing.T) {
	a := AddressFingerprint(map[string][]string{
		"wlan0": {"192.168.1.5/24", "fe80::1/64"},
		"lo":    {"127.0.0.1/8"},
		"eth0":  {"10.0.0.2/8"},
	})
	b := AddressFingerprint(map[string][]string{
		"eth0":  {"10.0.0.2/16"},
		"wlan0": {"192.168.1.5/24"},
	})
	if a != b {
		t.Errorf("expected equal fingerprints, got %q and %q", a, b)
	}
	if a != "eth0=10.0.0.2,wlan0=192.168.1.5" {
		t.Errorf("unexpected fingerprint %q", a)
	}

	c := AddressFingerprint(map[string][]string{
		"eth0":  {"10.0.0.3/8"},
		"wlan0": {"192.168.1.5/24"},
	})
	if a == c {
		t.Error("address change must change the fingerprint")
	}
	if AddressFingerprint(nil) != "" {
		t.Error("expected empty fingerprint")
	}
}
