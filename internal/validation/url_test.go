package validation

import (
	"strings"
	"testing"
)

func TestValidateAndNormalize(t *testing.T) {
	v := NewFeedURLValidator()

	tests := []struct {
		name     string
		input    string
		expected string
		errorMsg string
	}{
		{name: "empty", input: "   ", errorMsg: "URL cannot be empty"},
		{name: "bare host gets https", input: "blog.golang.org/feed.atom", expected: "https://blog.golang.org/feed.atom"},
		{name: "http kept", input: "http://github.com/feed", expected: "http://github.com/feed"},
		{name: "too long", input: "https://github.com/" + strings.Repeat("a", 3000), errorMsg: "URL too long"},
		{name: "markup", input: "https://github.com/<script>", errorMsg: "invalid characters"},
		{name: "other scheme", input: "ftp://github.com/feed", errorMsg: "http or https"},
		{name: "localhost", input: "http://localhost:8080/rss", errorMsg: "localhost URLs are not permitted"},
		{name: "loopback ip", input: "https://127.0.0.1/feed", errorMsg: "localhost URLs are not permitted"},
		{name: "private ip", input: "https://192.168.1.1/feed", errorMsg: "private IP addresses are not permitted"},
		{name: "unspecified", input: "https://0.0.0.0/feed", errorMsg: "unroutable"},
		{name: "no host", input: "https:///feed", errorMsg: "valid hostname"},
		{name: "traversal", input: "https://github.com/a/../../etc", errorMsg: "directory traversal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := v.ValidateAndNormalize(tt.input)
			if tt.errorMsg != "" {
				if err == nil || !strings.Contains(err.Error(), tt.errorMsg) {
					t.Fatalf("ValidateAndNormalize(%q) error = %v, want containing %q", tt.input, err, tt.errorMsg)
				}
				return
			}
			if err != nil {
				t.Fatalf("ValidateAndNormalize(%q) unexpected error: %v", tt.input, err)
			}
			if got != tt.expected {
				t.Errorf("ValidateAndNormalize(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestPermissiveAllowsLocalFeeds(t *testing.T) {
	v := NewPermissiveFeedURLValidator()
	for _, input := range []string{
		"http://127.0.0.1:43521/feed.xml",
		"http://localhost/rss",
		"http://10.0.0.5/atom",
		"http://[::1]:8080/feed",
	} {
		if _, err := v.ValidateAndNormalize(input); err != nil {
			t.Errorf("permissive validator rejected %q: %v", input, err)
		}
	}
}

func TestHostOf(t *testing.T) {
	if got := HostOf("https://Blog.Example.org:8443/feed"); got != "blog.example.org" {
		t.Errorf("HostOf() = %q", got)
	}
	if got := HostOf("::not a url"); got != "" {
		t.Errorf("HostOf(invalid) = %q, want empty", got)
	}
}
