package util

import (
	"strings"
	"testing"
)

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr string
	}{
		{name: "explicit port kept", input: "http://localhost:8086", want: "http://localhost:8086"},
		{name: "http default port", input: "http://source.example.com", want: "http://source.example.com:80"},
		{name: "https default port", input: "https://source.example.com", want: "https://source.example.com:443"},
		{name: "trailing slash stripped", input: "http://localhost:8086/", want: "http://localhost:8086"},
		{name: "empty", input: "", wantErr: "url is required"},
		{name: "bad scheme", input: "ftp://host:21", wantErr: "scheme must be http or https"},
		{name: "missing host", input: "http://", wantErr: "missing host"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeURL(tt.input)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("NormalizeURL(%q) error = %v, want containing %q", tt.input, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("NormalizeURL(%q) unexpected error: %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("NormalizeURL(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestEscapeStringBasic(t *testing.T) {
	if got := EscapeString(`it's`); got != `it\'s` {
		t.Errorf("EscapeString = %q", got)
	}
	if got := EscapeString(`a\b`); got != `a\\b` {
		t.Errorf("EscapeString backslash = %q", got)
	}
}

func TestQuoteIdentBasic(t *testing.T) {
	if got := QuoteIdent(`cpu usage`); got != `"cpu usage"` {
		t.Errorf("QuoteIdent = %q", got)
	}
	if got := QuoteIdent(`a"b`); got != `"a\"b"` {
		t.Errorf("QuoteIdent escape = %q", got)
	}
}
