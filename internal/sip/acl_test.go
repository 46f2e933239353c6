package sip

import (
	"net/netip"
	"testing"
)

func TestNewPeerACL(t *testing.T) {
	tests := []struct {
		name    string
		entries []string
		want    int
		wantErr bool
	}{
		{name: "empty", entries: nil, want: 0},
		{name: "blank entries", entries: []string{"", "  "}, want: 0},
		{name: "single ip", entries: []string{"192.168.1.1"}, want: 1},
		{name: "mixed", entries: []string{"192.168.1.1", "10.0.0.0/24", " 203.0.113.50 "}, want: 3},
		{name: "ipv6", entries: []string{"::1", "2001:db8::/32"}, want: 2},
		{name: "invalid ip", entries: []string{"not-an-ip"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acl, err := NewPeerACL(tt.entries)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if acl.Len() != tt.want {
				t.Errorf("got %d prefixes, want %d", acl.Len(), tt.want)
			}
		})
	}
}

func TestParseCIDROrIP(t *testing.T) {
	tests := []struct {
		input   string
		want    netip.Prefix
		wantErr bool
	}{
		{input: "192.168.1.1", want: netip.MustParsePrefix("192.168.1.1/32")},
		{input: "10.0.0.0/8", want: netip.MustParsePrefix("10.0.0.0/8")},
		{input: "10.1.2.3/8", want: netip.MustParsePrefix("10.0.0.0/8")},
		{input: "::1", want: netip.MustParsePrefix("::1/128")},
		{input: "2001:db8::/32", want: netip.MustParsePrefix("2001:db8::/32")},
		{input: "garbage", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := parseCIDROrIP(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPeerACLAllowed(t *testing.T) {
	acl, err := NewPeerACL([]string{"10.0.0.0/24", "203.0.113.50", "2001:db8::/32"})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		source string
		want   bool
	}{
		{"10.0.0.7:5060", true},
		{"10.0.0.7", true},
		{"10.0.1.7:5060", false},
		{"203.0.113.50:5080", true},
		{"203.0.113.51:5080", false},
		{"[2001:db8::1]:5060", true},
		{"[::ffff:10.0.0.9]:5060", true},
		{"[2001:db9::1]:5060", false},
		{"not-an-address", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.source, func(t *testing.T) {
			if got := acl.Allowed(tt.source); got != tt.want {
				t.Errorf("Allowed(%q) = %v, want %v", tt.source, got, tt.want)
			}
		})
	}
}

func TestEmptyACLAllowsAll(t *testing.T) {
	acl, err := NewPeerACL(nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, src := range []string{"10.0.0.1:5060", "[::1]:5060", "garbage"} {
		if !acl.Allowed(src) {
			t.Errorf("Allowed(%q) = false on empty acl", src)
		}
	}
}

func TestInviteFromDisallowedPeer(t *testing.T) {
	p, _, _ := newTestPhone(t)
	acl, err := NewPeerACL([]string{"198.51.100.0/24"})
	if err != nil {
		t.Fatal(err)
	}
	p.acl = acl

	tx := newFakeTx()
	p.onInvite(newCallerRequest("INVITE", "acl-1", 1, callerOffer), tx)
	tx.await(t, 403)
	if p.CallCount() != 0 {
		t.Errorf("CallCount = %d", p.CallCount())
	}
}
