package extractor

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/KeremKalyoncu/medresolve/internal/types"
)

// meta returns the first non-empty content among og/twitter meta tags
func meta(doc *goquery.Document, names ...string) string {
	for _, n := range names {
		sel := doc.Find(`meta[property="` + n + `"], meta[name="` + n + `"]`).First()
		if v, ok := sel.Attr("content"); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// scanAll returns every first submatch of re in body, unescaped, in order
func scanAll(re *regexp.Regexp, body []byte) []string {
	var out []string
	for _, m := range re.FindAllSubmatch(body, -1) {
		if len(m) > 1 && len(m[1]) > 0 {
			out = append(out, DecodeEscapedURL(string(m[1])))
		}
	}
	return out
}

// scanFirst returns the first submatch of re in body
func scanFirst(re *regexp.Regexp, body []byte) string {
	if m := re.FindSubmatch(body); m != nil && len(m) > 1 {
		return DecodeEscapedURL(string(m[1]))
	}
	return ""
}

// cookieValue extracts one value from a raw Cookie header
func cookieValue(cookie, name string) string {
	for _, part := range strings.Split(cookie, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if ok && k == name {
			return v
		}
	}
	return ""
}

// itemID numbers carousel entries; single-media posts carry no item id
func itemID(i, total int) string {
	if total <= 1 {
		return ""
	}
	return strconv.Itoa(i)
}

func boolPtr(b bool) *bool {
	return &b
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// truncate shortens post text used as a title
func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

// pageResult builds a result from og/twitter meta tags alone
func pageResult(doc *goquery.Document, pageURL string) *types.ExtractionResult {
	res := &types.ExtractionResult{
		URL:         pageURL,
		Title:       meta(doc, "og:title", "twitter:title"),
		Description: meta(doc, "og:description", "twitter:description", "description"),
		Thumbnail:   meta(doc, "og:image", "twitter:image"),
	}

	video := meta(doc, "og:video:secure_url", "og:video:url", "og:video", "twitter:player:stream")
	if video != "" {
		w, _ := strconv.Atoi(meta(doc, "og:video:width"))
		h, _ := strconv.Atoi(meta(doc, "og:video:height"))
		res.Formats = append(res.Formats, types.MediaFormat{
			Quality:   VideoQuality(w, h, video),
			Type:      types.MediaVideo,
			URL:       video,
			Thumbnail: res.Thumbnail,
		})
	}
	if video == "" && res.Thumbnail != "" {
		res.Formats = append(res.Formats, types.MediaFormat{
			Quality: "Original",
			Type:    types.MediaImage,
			URL:     res.Thumbnail,
		})
	}
	return res
}
