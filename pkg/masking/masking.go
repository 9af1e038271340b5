// Package masking redacts credentials, hosts and IPs before they reach log
// output. All functions are pure and treat an empty input as "None".
package masking

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	ipRe      = regexp.MustCompile(`^(\d{1,3})\.(\d{1,3})\.(\d{1,3})\.(\d{1,3})$`)
	urlIPRe   = regexp.MustCompile(`^(https?://)?(\d{1,3})\.(\d{1,3})\.(\d{1,3})\.(\d{1,3})(:\d+)?(.*)$`)
	proxyRe   = regexp.MustCompile(`^(https?://)(?:([^:]+):([^@]+)@)?([^:]+):(\d+)(.*)$`)
	serverRe  = regexp.MustCompile(`^(\d{1,3})\.(\d{1,3})\.(\d{1,3})\.(\d{1,3})(:\d+)?$`)
	anyIPRe   = regexp.MustCompile(`(\d{1,3})\.(\d{1,3})\.(\d{1,3})\.(\d{1,3})`)
	serverURL = regexp.MustCompile(`^(https?://)(\d{1,3})\.(\d{1,3})\.(\d{1,3})\.(\d{1,3})(:\d+)?(.*)$`)
)

// Full replaces the whole value with asterisks.
func Full(value string) string {
	if value == "" {
		return "None"
	}
	return "********"
}

// Partial keeps showStart leading and showEnd trailing characters visible and
// stars the middle, always masking at least minMasked characters.
func Partial(value string, showStart, showEnd, minMasked int) string {
	if value == "" {
		return "None"
	}

	length := len(value)
	if length <= 2 {
		return strings.Repeat("*", length)
	}
	if length == 3 {
		return value[:1] + "*" + value[length-1:]
	}

	charsToMask := length - showStart - showEnd
	start, end, mask := showStart, showEnd, charsToMask
	if charsToMask < minMasked {
		actualMasked := minMasked
		if actualMasked > length-2 {
			actualMasked = length - 2
		}
		totalVisible := length - actualMasked
		start = showStart
		if v := max(1, totalVisible-1); start > v {
			start = v
		}
		end = max(1, totalVisible-start)
		mask = length - start - end
	}

	return value[:start] + strings.Repeat("*", mask) + value[length-end:]
}

// Email masks the local part and domain separately, preserving the "@".
func Email(email string) string {
	if email == "" {
		return "None"
	}
	if !strings.Contains(email, "@") {
		return Partial(email, 2, 2, 2)
	}

	at := strings.LastIndex(email, "@")
	local, domain := email[:at], email[at+1:]
	return Partial(local, 2, 2, 2) + "@" + Partial(domain, 2, 3, 2)
}

// IPAddress turns "192.168.1.100" into "192.xxx.xxx.100", also when the IP is
// embedded in a URL with scheme, port or path.
func IPAddress(host string) string {
	if host == "" {
		return "None"
	}

	if m := ipRe.FindStringSubmatch(host); m != nil {
		return fmt.Sprintf("%s.xxx.xxx.%s", m[1], m[4])
	}
	if m := urlIPRe.FindStringSubmatch(host); m != nil {
		return fmt.Sprintf("%s%s.xxx.xxx.%s%s%s", m[1], m[2], m[5], m[6], m[7])
	}
	return Partial(host, 2, 3, 2)
}

// ProxyURL hides credentials and the host of a proxy URL while keeping the
// scheme and port readable for diagnostics.
func ProxyURL(proxyURL string) string {
	if proxyURL == "" {
		return "None"
	}

	m := proxyRe.FindStringSubmatch(proxyURL)
	if m == nil {
		return Partial(proxyURL, 10, 5, 2)
	}

	protocol, user, host, port, suffix := m[1], m[2], m[4], m[5], m[6]
	maskedHost := IPAddress(host)
	if user != "" {
		return fmt.Sprintf("%s***:***@%s:%s%s", protocol, maskedHost, port, suffix)
	}
	return fmt.Sprintf("%s%s:%s%s", protocol, maskedHost, port, suffix)
}

// Username masks an account name keeping a couple of characters at each end.
func Username(username string, showStart, showEnd int) string {
	return Partial(username, showStart, showEnd, 2)
}

// Server masks a server address that may be a bare IP, an IP URL or a domain.
func Server(server string) string {
	if server == "" {
		return "None"
	}

	if m := serverRe.FindStringSubmatch(server); m != nil {
		return fmt.Sprintf("%s.xxx.xxx.%s%s", m[1], m[4], m[5])
	}
	if m := serverURL.FindStringSubmatch(server); m != nil {
		return fmt.Sprintf("%s%s.xxx.xxx.%s%s%s", m[1], m[2], m[5], m[6], m[7])
	}

	if idx := strings.Index(server, "."); idx > 0 {
		head := server[:idx]
		domain := server[idx+1:]
		if len(head) > 3 {
			head = head[:3]
		}
		tail := domain
		if len(domain) > 4 {
			tail = domain[len(domain)-4:]
		}
		return fmt.Sprintf("%s.***.%s", head, tail)
	}

	return Partial(server, 3, 3, 2)
}

// ProxyURLLoose masks every IPv4 it finds and strips userinfo; used for log
// lines where the input may not be a well-formed URL.
func ProxyURLLoose(rawURL string) string {
	if rawURL == "" {
		return "None"
	}

	result := rawURL
	if at := strings.Index(result, "@"); at >= 0 {
		if protoEnd := strings.Index(result, "://"); protoEnd >= 0 && protoEnd+3 < at {
			result = result[:protoEnd+3] + result[at+1:]
		}
	}

	return anyIPRe.ReplaceAllStringFunc(result, func(ip string) string {
		m := anyIPRe.FindStringSubmatch(ip)
		return fmt.Sprintf("%s.xxx.xxx.%s", m[1], m[4])
	})
}
