package cache

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/KeremKalyoncu/medresolve/internal/types"
)

// contentPattern extracts a stable upstream content id from a URL
type contentPattern struct {
	re     *regexp.Regexp
	prefix string              // Distinguishes id namespaces within a platform
	canon  func(string) string // Folds alternate id forms into one
}

var contentPatterns = map[types.Platform][]contentPattern{
	types.PlatformTwitter: {
		{re: regexp.MustCompile(`(?i)(?:twitter\.com|x\.com)/(?:[^/?#]+/)*status(?:es)?/(\d+)`)},
	},
	types.PlatformInstagram: {
		{re: regexp.MustCompile(`(?i)instagram\.com/stories/[^/?#]+/(\d+)`), prefix: "story:"},
		{re: regexp.MustCompile(`(?i)instagram\.com/(?:[^/?#]+/)?(?:p|reel|reels|tv)/([A-Za-z0-9_-]+)`)},
	},
	types.PlatformTikTok: {
		{re: regexp.MustCompile(`(?i)tiktok\.com/@[^/?#]+/(?:video|photo)/(\d+)`)},
		{re: regexp.MustCompile(`(?i)tiktok\.com/(?:embed/v2|embed|v)/(\d+)`)},
	},
	types.PlatformFacebook: {
		{re: regexp.MustCompile(`(?i)facebook\.com/(?:[^/?#]+/)*(?:videos|reel|reels)/(\d+)`)},
		{re: regexp.MustCompile(`(?i)facebook\.com/[^/?#]+/posts/(pfbid[A-Za-z0-9]+|\d+)`)},
		{re: regexp.MustCompile(`(?i)facebook\.com/.*[?&](?:v|story_fbid|fbid)=(\d+)`)},
		{re: regexp.MustCompile(`(?i)facebook\.com/share/(?:[rvp]/)?([A-Za-z0-9]+)`), prefix: "share:"},
	},
	types.PlatformWeibo: {
		{re: regexp.MustCompile(`(?i)weibo\.(?:com|cn)/(?:\d+|detail|status)/([A-Za-z0-9]+)`), canon: weiboMID},
	},
}

// Key derives the canonical cache key for a URL. URLs naming the same upstream
// content by id share a key regardless of host alias or tracking parameters.
func Key(platform types.Platform, rawURL string) string {
	for _, p := range contentPatterns[platform] {
		if id, ok := p.match(rawURL); ok {
			return string(platform) + ":" + p.prefix + id
		}
	}
	return string(platform) + ":" + fallbackKey(rawURL)
}

// ContentID returns the id matched by the platform patterns, if any
func ContentID(platform types.Platform, rawURL string) (string, bool) {
	for _, p := range contentPatterns[platform] {
		if id, ok := p.match(rawURL); ok {
			return id, true
		}
	}
	return "", false
}

func (p contentPattern) match(rawURL string) (string, bool) {
	m := p.re.FindStringSubmatch(rawURL)
	if m == nil {
		return "", false
	}
	if p.canon != nil {
		return p.canon(m[1]), true
	}
	return m[1], true
}

const base62Alphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// weiboMID turns the base62 bid of a weibo.com link into the numeric mid
// m.weibo.cn uses. The bid is read in 4-character groups from the right;
// every group but the leftmost decodes to 7 zero-padded digits. Numeric ids
// are already mids.
func weiboMID(id string) string {
	if strings.Trim(id, "0123456789") == "" {
		return id
	}

	var b strings.Builder
	head := len(id) % 4
	if head == 0 {
		head = 4
	}
	for start, end := 0, head; start < len(id); start, end = end, end+4 {
		n := int64(0)
		for _, c := range id[start:end] {
			n = n*62 + int64(strings.IndexRune(base62Alphabet, c))
		}
		group := strconv.FormatInt(n, 10)
		if start > 0 {
			group = strings.Repeat("0", 7-len(group)) + group
		}
		b.WriteString(group)
	}
	return b.String()
}

func fallbackKey(rawURL string) string {
	s := strings.ToLower(strings.TrimSpace(rawURL))
	if i := strings.IndexAny(s, "?#"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimRight(s, "/")
}
