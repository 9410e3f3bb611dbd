package extractor

import (
	"fmt"
	"html"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/KeremKalyoncu/medresolve/internal/types"
)

var escapeReplacer = strings.NewReplacer(
	`\/`, `/`,
	`\u0026`, `&`,
	`\u003d`, `=`,
	`\u003D`, `=`,
	`\u0025`, `%`,
	`\u002F`, `/`,
	`\u002f`, `/`,
)

// DecodeEscapedURL undoes the JSON and HTML escaping URLs pick up when they
// are scraped out of inline scripts
func DecodeEscapedURL(s string) string {
	s = strings.TrimSpace(s)
	// Nested JSON strings escape their escapes
	for strings.Contains(s, `\\`) {
		s = strings.ReplaceAll(s, `\\`, `\`)
	}
	s = escapeReplacer.Replace(s)
	return html.UnescapeString(s)
}

// Assets served from the same CDNs as media but never the post's content
var nonContentMarkers = []string{
	"/rsrc.php",
	"static.xx.fbcdn.net",
	"abs.twimg.com",
	"/profile_images/",
	"/emoji/",
	"/emoticons/",
	"favicon",
	"sprite",
	"/s150x150/",
	"/avatar",
	"tiktokcdn.com/obj/tiktok-web/",
	"h5.sinaimg.cn/upload/",
}

// IsNonContentAsset reports whether a URL points at an avatar, icon or other
// page chrome rather than post media
func IsNonContentAsset(u string) bool {
	if u == "" || strings.HasPrefix(u, "data:") {
		return true
	}
	lower := strings.ToLower(u)
	for _, m := range nonContentMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

var (
	pLabelRe     = regexp.MustCompile(`(?i)(\d{3,4})p`)
	dimensionsRe = regexp.MustCompile(`(\d{2,5})x(\d{2,5})`)
)

// ParseResolution returns the vertical resolution a quality label or media
// URL names, or 0 when it names none. WxH pairs use the short side.
func ParseResolution(s string) int {
	if m := pLabelRe.FindStringSubmatch(s); m != nil {
		n, _ := strconv.Atoi(m[1])
		return n
	}
	if m := dimensionsRe.FindStringSubmatch(s); m != nil {
		w, _ := strconv.Atoi(m[1])
		h, _ := strconv.Atoi(m[2])
		return int(math.Min(float64(w), float64(h)))
	}
	upper := strings.ToUpper(s)
	switch {
	case strings.Contains(upper, "4K"):
		return 2160
	case strings.Contains(upper, "FHD"), strings.Contains(upper, "FULL HD"):
		return 1080
	case strings.Contains(upper, "HD"):
		return 720
	case strings.Contains(upper, "SD"):
		return 480
	}
	return 0
}

// QualityLabel renders a vertical resolution the way formats are labelled
func QualityLabel(height int) string {
	switch {
	case height >= 720:
		return fmt.Sprintf("HD %dp", height)
	case height > 0:
		return fmt.Sprintf("SD %dp", height)
	default:
		return "Original"
	}
}

// VideoQuality labels a video from its dimensions, falling back to the URL
func VideoQuality(width, height int, url string) string {
	if width > 0 && height > 0 {
		return QualityLabel(int(math.Min(float64(width), float64(height))))
	}
	if h := ParseResolution(url); h > 0 {
		return QualityLabel(h)
	}
	return "Original"
}

// Finalize filters, dedupes and orders result formats in place. Duplicates are
// dropped first by URL, then by (quality, type, item). Formats are grouped by
// item, groups ordered by numeric index; within a group videos come first,
// highest resolution first.
func Finalize(r *types.ExtractionResult) {
	seenURL := make(map[string]bool, len(r.Formats))
	seenKey := make(map[string]bool, len(r.Formats))
	out := make([]types.MediaFormat, 0, len(r.Formats))

	for _, f := range r.Formats {
		f.URL = DecodeEscapedURL(f.URL)
		f.Thumbnail = DecodeEscapedURL(f.Thumbnail)
		if IsNonContentAsset(f.URL) {
			continue
		}
		if seenURL[f.URL] {
			continue
		}
		seenURL[f.URL] = true

		key := f.Quality + "|" + string(f.Type) + "|" + f.ItemID
		if seenKey[key] {
			continue
		}
		seenKey[key] = true
		out = append(out, f)
	}

	firstSeen := make(map[string]int)
	for i, f := range out {
		if _, ok := firstSeen[f.ItemID]; !ok {
			firstSeen[f.ItemID] = i
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		gi, gj := groupOrder(out[i].ItemID, firstSeen), groupOrder(out[j].ItemID, firstSeen)
		if gi != gj {
			return gi < gj
		}
		ti, tj := typeRank(out[i].Type), typeRank(out[j].Type)
		if ti != tj {
			return ti < tj
		}
		if out[i].Type == types.MediaVideo {
			return ParseResolution(out[i].Quality) > ParseResolution(out[j].Quality)
		}
		return false
	})

	r.Formats = out
	if r.Thumbnail == "" {
		for _, f := range out {
			if f.Thumbnail != "" {
				r.Thumbnail = f.Thumbnail
				break
			}
			if f.Type == types.MediaImage {
				r.Thumbnail = f.URL
				break
			}
		}
	}
}

// groupOrder puts items without an id first, numeric ids by value, anything
// else after them in order of appearance
func groupOrder(item string, firstSeen map[string]int) int {
	if item == "" {
		return -1
	}
	if n, err := strconv.Atoi(item); err == nil && n >= 0 {
		return n
	}
	return 1<<30 + firstSeen[item]
}

func typeRank(t types.MediaType) int {
	switch t {
	case types.MediaVideo:
		return 0
	case types.MediaImage:
		return 1
	default:
		return 2
	}
}
