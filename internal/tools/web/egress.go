// Package web provides the web_search and web_fetch tools and the
// egress policy gate shared with the browser tool.
package web

import (
	"net"
	"net/url"
	"strings"

	"github.com/msgcode/msgcode/pkg/models"
)

// PolicyModeLocalOnly confines network tools to local destinations;
// PolicyModeEgressAllowed lifts the restriction.
const (
	PolicyModeLocalOnly     = "local-only"
	PolicyModeEgressAllowed = "egress-allowed"
)

// CheckEgress enforces the workspace policy mode on an outbound URL.
// Under local-only, only loopback and private-range hosts pass.
func CheckEgress(policyMode, rawURL string) error {
	if policyMode == PolicyModeEgressAllowed {
		return nil
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return models.NewCodedError(models.CodePolicyEgressBlocked, "invalid url: %s", rawURL)
	}
	host := u.Hostname()
	if isLocalHost(host) {
		return nil
	}
	return models.NewCodedError(models.CodePolicyEgressBlocked, "egress blocked by local-only policy: %s", host)
}

func isLocalHost(host string) bool {
	lower := strings.ToLower(host)
	if lower == "localhost" || strings.HasSuffix(lower, ".localhost") || strings.HasSuffix(lower, ".local") {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified()
}
