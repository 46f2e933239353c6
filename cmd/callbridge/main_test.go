package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/flowpbx/callbridge/internal/database"
)

func TestHashPassword(t *testing.T) {
	tests := []struct {
		name  string
		args  []string
		stdin string
	}{
		{"argument", []string{"s3cret"}, ""},
		{"stdin", nil, "s3cret\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			if err := hashPassword(tt.args, strings.NewReader(tt.stdin), &out); err != nil {
				t.Fatalf("hashPassword: %v", err)
			}
			hash := strings.TrimSpace(out.String())
			ok, err := database.CheckPassword("s3cret", hash)
			if err != nil || !ok {
				t.Fatalf("CheckPassword(%q) = %v, %v", hash, ok, err)
			}
		})
	}
}

func TestHashPasswordEmpty(t *testing.T) {
	var out bytes.Buffer
	if err := hashPassword(nil, strings.NewReader(""), &out); err == nil {
		t.Fatal("expected usage error for empty password")
	}
}
