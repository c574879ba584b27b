package validation

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// FeedURLValidator checks remote feed and site URLs before they are stored.
type FeedURLValidator struct {
	// AllowLocalhost permits loopback hosts
	AllowLocalhost bool
	// AllowPrivateIPs permits RFC 1918 and link-local addresses
	AllowPrivateIPs bool
	MaxLength       int
}

// NewFeedURLValidator creates a validator with secure defaults
func NewFeedURLValidator() *FeedURLValidator {
	return &FeedURLValidator{
		MaxLength: 2048,
	}
}

// NewPermissiveFeedURLValidator allows local hosts, for self-hosted feeds and tests
func NewPermissiveFeedURLValidator() *FeedURLValidator {
	return &FeedURLValidator{
		AllowLocalhost:  true,
		AllowPrivateIPs: true,
		MaxLength:       2048,
	}
}

// ValidateAndNormalize validates a URL and returns its normalized form.
// A bare host such as "blog.example.org/rss" gets an https:// scheme.
func (v *FeedURLValidator) ValidateAndNormalize(input string) (string, error) {
	input = strings.TrimSpace(input)

	if input == "" {
		return "", fmt.Errorf("URL cannot be empty")
	}
	if len(input) > v.MaxLength {
		return "", fmt.Errorf("URL too long (max %d characters)", v.MaxLength)
	}
	if strings.ContainsAny(input, "<>\"'`") {
		return "", fmt.Errorf("URL contains invalid characters")
	}

	if !strings.Contains(input, "://") {
		input = "https://" + input
	}

	parsedURL, err := url.Parse(input)
	if err != nil {
		return "", fmt.Errorf("invalid URL format: %w", err)
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return "", fmt.Errorf("URL must use http or https protocol")
	}
	if parsedURL.Host == "" {
		return "", fmt.Errorf("URL must have a valid hostname")
	}

	if err := v.validateHost(parsedURL.Host); err != nil {
		return "", err
	}
	if strings.Contains(parsedURL.Path, "..") {
		return "", fmt.Errorf("directory traversal patterns not allowed in URL path")
	}

	return parsedURL.String(), nil
}

func (v *FeedURLValidator) validateHost(host string) error {
	hostname := host
	if strings.Contains(host, ":") && !strings.HasSuffix(host, "]") {
		var err error
		hostname, _, err = net.SplitHostPort(host)
		if err != nil {
			return fmt.Errorf("invalid host format: %w", err)
		}
	}
	hostname = strings.Trim(hostname, "[]")

	if !v.AllowLocalhost && isLocalhost(hostname) {
		return fmt.Errorf("localhost URLs are not permitted")
	}
	if !v.AllowPrivateIPs {
		if ip := net.ParseIP(hostname); ip != nil && isPrivateIP(ip) {
			return fmt.Errorf("private IP addresses are not permitted")
		}
	}
	if isUnroutable(hostname) {
		return fmt.Errorf("unroutable hostname %q", hostname)
	}
	return nil
}

func isLocalhost(hostname string) bool {
	hostname = strings.ToLower(hostname)
	if hostname == "localhost" || strings.HasSuffix(hostname, ".localhost") {
		return true
	}
	ip := net.ParseIP(hostname)
	return ip != nil && ip.IsLoopback()
}

func isPrivateIP(ip net.IP) bool {
	return ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast()
}

func isUnroutable(hostname string) bool {
	ip := net.ParseIP(hostname)
	return ip != nil && (ip.IsUnspecified() || ip.Equal(net.IPv4bcast) || ip.IsMulticast())
}

// HostOf returns the lowercase host (without port) of a URL, or "" if it
// cannot be parsed.
func HostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
