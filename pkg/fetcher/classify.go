package fetcher

import "strings"

// minContentBytes is the size below which a page body is treated as a
// placeholder rather than real listing content.
const minContentBytes = 10000

// pageClass is the verdict for one fetched body.
type pageClass int

const (
	classValid pageClass = iota
	classValidEmpty
	classChallenge
	classAgeModal
	classUnknown
)

// isBypassFailure detects the helper service's own failure page: a tiny body
// that mentions failure.
func isBypassFailure(content string) bool {
	return len(content) < 1000 && strings.Contains(strings.ToLower(content), "fail")
}

// isChallenge detects the bot-verification interstitial.
func isChallenge(content string) bool {
	return strings.Contains(content, "Security Verification") &&
		strings.Contains(strings.ToLower(content), "turnstile")
}

// classify decides what kind of page a body represents. Valid markers win
// over the age modal: a page with real content and a leftover modal div is
// still a valid page.
func classify(content string) pageClass {
	if isChallenge(content) {
		return classChallenge
	}

	hasValid := strings.Contains(content, "movie-list") || strings.Contains(content, "video-detail")
	hasEmpty := strings.Contains(content, "empty-message")

	if hasValid {
		return classValid
	}
	if hasEmpty {
		return classValidEmpty
	}
	if strings.Contains(content, "modal is-active over18-modal") {
		return classAgeModal
	}
	return classUnknown
}

// isDetailURL reports whether the URL points at a single video detail page,
// which is allowed to be smaller than the listing threshold.
func isDetailURL(targetURL string) bool {
	return strings.Contains(targetURL, "/v/")
}
