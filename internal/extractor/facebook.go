package extractor

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/KeremKalyoncu/medresolve/internal/types"
)

var (
	fbHDRe        = regexp.MustCompile(`(?:hd_src|browser_native_hd_url|playable_url_quality_hd)\\*"\s*:\s*\\*"(.+?)\\*"`)
	fbSDRe        = regexp.MustCompile(`(?:sd_src|browser_native_sd_url|playable_url)\\*"\s*:\s*\\*"(.+?)\\*"`)
	fbAgeGateRe   = regexp.MustCompile(`(?i)"(?:should_show_age_gate|is_age_restricted)"\s*:\s*true`)
	fbLoginFormRe = regexp.MustCompile(`id="login_form"|"loginForm"`)
)

type facebook struct {
	f  *Fetcher
	ep Endpoints
}

func newFacebook(f *Fetcher, ep Endpoints) *facebook {
	return &facebook{f: f, ep: ep}
}

func (fb *facebook) ID() types.Platform { return types.PlatformFacebook }

func (fb *facebook) Match(host string) bool {
	return hostIs(host, "facebook.com", "fb.watch", "fb.com")
}

func (fb *facebook) Normalize(u *url.URL) string {
	if strings.EqualFold(u.Hostname(), "fb.watch") {
		return canonical(u, "fb.watch")
	}
	return canonical(u, "www.facebook.com", "v", "story_fbid", "fbid", "id")
}

func (fb *facebook) IsShortLink(u *url.URL) bool {
	return strings.EqualFold(u.Hostname(), "fb.watch") || strings.HasPrefix(u.Path, "/share/")
}

func (fb *facebook) RequiresCredential(string) bool { return false }

func (fb *facebook) Strategies() []Strategy {
	return []Strategy{
		{Name: "video_plugin", Mode: CredentialNone, Run: fb.plugin},
		{Name: "page_cookie", Mode: CredentialRequired, Run: fb.page},
		{Name: "page", Mode: CredentialNone, Run: fb.page},
	}
}

func (fb *facebook) DeviceType() string { return types.DeviceDesktop }

func (fb *facebook) plugin(ctx context.Context, in Input) (*types.ExtractionResult, error) {
	if !strings.Contains(in.URL, "/videos/") && !strings.Contains(in.URL, "/reel") && !strings.Contains(in.URL, "v=") {
		return nil, fmt.Errorf("%w: not a video url", ErrNoMedia)
	}

	q := url.Values{"href": {in.URL}, "show_text": {"0"}, "width": {"560"}}
	doc, body, err := fb.f.GetHTML(ctx, Request{
		Platform:    types.PlatformFacebook,
		URL:         fb.ep.FacebookWeb + "/plugins/video.php?" + q.Encode(),
		Fingerprint: in.Fingerprint,
	})
	if err != nil {
		return nil, err
	}
	return parseFacebookPage(doc, body, in.URL)
}

func (fb *facebook) page(ctx context.Context, in Input) (*types.ExtractionResult, error) {
	u, err := url.Parse(in.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	target := fb.ep.FacebookWeb + u.Path
	if u.RawQuery != "" {
		target += "?" + u.RawQuery
	}

	doc, body, err := fb.f.GetHTML(ctx, Request{
		Platform:    types.PlatformFacebook,
		URL:         target,
		Fingerprint: in.Fingerprint,
		Cookie:      in.Cookie(),
	})
	if err != nil {
		return nil, err
	}
	return parseFacebookPage(doc, body, in.URL)
}

// parseFacebookPage reads meta tags and the inline video sources of a page
func parseFacebookPage(doc *goquery.Document, body []byte, pageURL string) (*types.ExtractionResult, error) {
	res := pageResult(doc, pageURL)
	res.Formats = nil

	thumb := res.Thumbnail
	if hd := scanFirst(fbHDRe, body); hd != "" {
		res.Formats = append(res.Formats, types.MediaFormat{Quality: "HD", Type: types.MediaVideo, URL: hd, Thumbnail: thumb})
	}
	if sd := scanFirst(fbSDRe, body); sd != "" {
		res.Formats = append(res.Formats, types.MediaFormat{Quality: "SD", Type: types.MediaVideo, URL: sd, Thumbnail: thumb})
	}
	if len(res.Formats) == 0 {
		if v := meta(doc, "og:video:secure_url", "og:video:url", "og:video"); v != "" {
			res.Formats = append(res.Formats, types.MediaFormat{Quality: VideoQuality(0, 0, v), Type: types.MediaVideo, URL: v, Thumbnail: thumb})
		}
	}
	if len(res.Formats) == 0 && thumb != "" && isFacebookPhoto(pageURL) {
		res.Formats = append(res.Formats, types.MediaFormat{Quality: "Original", Type: types.MediaImage, URL: thumb})
	}

	if len(res.Formats) > 0 {
		return res, nil
	}
	if fbAgeGateRe.Match(body) {
		return nil, fmt.Errorf("%w: age gate", ErrAgeRestricted)
	}
	if fbLoginFormRe.Match(body) || bytes.Contains(body, []byte("You must log in")) {
		return nil, fmt.Errorf("%w: login wall", ErrAccessRestricted)
	}
	return nil, fmt.Errorf("%w: no video sources on page", ErrNoMedia)
}

func isFacebookPhoto(u string) bool {
	return strings.Contains(u, "/photo") || strings.Contains(u, "fbid=") || strings.Contains(u, "/posts/")
}

// Probe checks that the session cookie is logged in
func (fb *facebook) Probe(ctx context.Context, cred *types.Credential) error {
	if cookieValue(cred.Secret, "c_user") == "" {
		return fmt.Errorf("%w: credential has no c_user cookie", ErrAccessRestricted)
	}
	_, body, err := fb.f.GetHTML(ctx, Request{
		Platform: types.PlatformFacebook,
		URL:      fb.ep.FacebookWeb + "/settings",
		Cookie:   cred.Secret,
	})
	if err != nil {
		return err
	}
	if fbLoginFormRe.Match(body) {
		return fmt.Errorf("%w: session not logged in", ErrAccessRestricted)
	}
	return nil
}
