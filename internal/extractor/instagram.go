package extractor

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/KeremKalyoncu/medresolve/internal/cache"
	"github.com/KeremKalyoncu/medresolve/internal/types"
)

const (
	instagramAppID   = "936619743392459"
	instagramPostDoc = "8845758582119845"
)

var (
	igVideoURLRe   = regexp.MustCompile(`video_url\\*"\s*:\s*\\*"(.+?)\\*"`)
	igDisplayURLRe = regexp.MustCompile(`display_url\\*"\s*:\s*\\*"(.+?)\\*"`)
)

type instagram struct {
	f  *Fetcher
	ep Endpoints
}

func newInstagram(f *Fetcher, ep Endpoints) *instagram {
	return &instagram{f: f, ep: ep}
}

func (g *instagram) ID() types.Platform { return types.PlatformInstagram }

func (g *instagram) Match(host string) bool {
	return hostIs(host, "instagram.com", "instagr.am", "ddinstagram.com")
}

func (g *instagram) Normalize(u *url.URL) string {
	return canonical(u, "www.instagram.com")
}

func (g *instagram) IsShortLink(*url.URL) bool { return false }

// RequiresCredential is true for stories, which are never public
func (g *instagram) RequiresCredential(normalized string) bool {
	return strings.Contains(normalized, "/stories/")
}

func (g *instagram) DeviceType() string { return types.DeviceDesktop }

func (g *instagram) Strategies() []Strategy {
	return []Strategy{
		{Name: "public_graphql", Mode: CredentialNone, Run: g.publicGraphQL},
		{Name: "private_api", Mode: CredentialRequired, Run: g.privateAPI},
		{Name: "embed", Mode: CredentialNone, Run: g.embed},
		{Name: "page", Mode: CredentialOptional, Run: g.page},
	}
}

func (g *instagram) shortcode(raw string) (string, error) {
	if g.RequiresCredential(raw) {
		return "", fmt.Errorf("%w: stories have no public shortcode", ErrAccessRestricted)
	}
	code, ok := cache.ContentID(types.PlatformInstagram, raw)
	if !ok {
		return "", fmt.Errorf("%w: no shortcode in %s", ErrNotFound, raw)
	}
	return code, nil
}

// mediaID decodes a shortcode into the numeric media id
func mediaID(shortcode string) string {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"
	// Private post shortcodes carry a suffix beyond the id
	if len(shortcode) > 11 {
		shortcode = shortcode[:11]
	}
	id := new(big.Int)
	base := big.NewInt(64)
	for _, c := range shortcode {
		idx := strings.IndexRune(alphabet, c)
		if idx < 0 {
			return ""
		}
		id.Mul(id, base)
		id.Add(id, big.NewInt(int64(idx)))
	}
	return id.String()
}

type igNode struct {
	Typename   string `json:"__typename"`
	Shortcode  string `json:"shortcode"`
	IsVideo    bool   `json:"is_video"`
	VideoURL   string `json:"video_url"`
	DisplayURL string `json:"display_url"`
	Dimensions struct {
		Width  int `json:"width"`
		Height int `json:"height"`
	} `json:"dimensions"`
	VideoViewCount int64 `json:"video_view_count"`
	Owner          struct {
		Username string `json:"username"`
	} `json:"owner"`
	EdgeMediaToCaption struct {
		Edges []struct {
			Node struct {
				Text string `json:"text"`
			} `json:"node"`
		} `json:"edges"`
	} `json:"edge_media_to_caption"`
	EdgeSidecarToChildren struct {
		Edges []struct {
			Node igNode `json:"node"`
		} `json:"edges"`
	} `json:"edge_sidecar_to_children"`
	EdgeMediaPreviewLike struct {
		Count int64 `json:"count"`
	} `json:"edge_media_preview_like"`
	EdgeMediaToComment struct {
		Count int64 `json:"count"`
	} `json:"edge_media_to_parent_comment"`
}

func (n igNode) formats(item string) []types.MediaFormat {
	if n.IsVideo && n.VideoURL != "" {
		return []types.MediaFormat{{
			Quality:   VideoQuality(n.Dimensions.Width, n.Dimensions.Height, n.VideoURL),
			Type:      types.MediaVideo,
			URL:       n.VideoURL,
			Thumbnail: n.DisplayURL,
			ItemID:    item,
		}}
	}
	if n.DisplayURL == "" {
		return nil
	}
	return []types.MediaFormat{{
		Quality: "Original",
		Type:    types.MediaImage,
		URL:     n.DisplayURL,
		ItemID:  item,
	}}
}

func (g *instagram) publicGraphQL(ctx context.Context, in Input) (*types.ExtractionResult, error) {
	code, err := g.shortcode(in.URL)
	if err != nil {
		return nil, err
	}

	variables, _ := json.Marshal(map[string]any{
		"shortcode":               code,
		"fetch_tagged_user_count": nil,
		"hoisted_comment_id":      nil,
		"hoisted_reply_id":        nil,
	})
	form := url.Values{"doc_id": {instagramPostDoc}, "variables": {string(variables)}}

	var resp struct {
		Data struct {
			Media *igNode `json:"xdt_shortcode_media"`
		} `json:"data"`
		Status string `json:"status"`
	}
	err = g.f.GetJSON(ctx, Request{
		Platform:    types.PlatformInstagram,
		Method:      http.MethodPost,
		URL:         g.ep.InstagramWeb + "/graphql/query",
		Body:        []byte(form.Encode()),
		ContentType: "application/x-www-form-urlencoded",
		Fingerprint: in.Fingerprint,
		Headers: map[string]string{
			"X-IG-App-ID":        instagramAppID,
			"X-FB-Friendly-Name": "PolarisPostActionLoadPostQueryQuery",
			"X-Requested-With":   "XMLHttpRequest",
			"X-ASBD-ID":          "129477",
			"Sec-Fetch-Site":     "same-origin",
			"Referer":            g.ep.InstagramWeb + "/p/" + code + "/",
		},
	}, &resp)
	if err != nil {
		return nil, err
	}

	m := resp.Data.Media
	if m == nil {
		// Private, deleted or behind the login wall
		return nil, fmt.Errorf("%w: media not visible anonymously", ErrAccessRestricted)
	}

	res := &types.ExtractionResult{
		Author: m.Owner.Username,
		Engagement: &types.Engagement{
			Views:    m.VideoViewCount,
			Likes:    m.EdgeMediaPreviewLike.Count,
			Comments: m.EdgeMediaToComment.Count,
		},
		Thumbnail: m.DisplayURL,
	}
	if len(m.EdgeMediaToCaption.Edges) > 0 {
		res.Description = m.EdgeMediaToCaption.Edges[0].Node.Text
		res.Title = truncate(res.Description, 100)
	}

	children := m.EdgeSidecarToChildren.Edges
	if len(children) == 0 {
		res.Formats = m.formats("")
		return res, nil
	}
	for i, c := range children {
		res.Formats = append(res.Formats, c.Node.formats(itemID(i, len(children)))...)
	}
	return res, nil
}

type igCandidate struct {
	URL    string `json:"url"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

type igItem struct {
	MediaType      int `json:"media_type"`
	ImageVersions2 struct {
		Candidates []igCandidate `json:"candidates"`
	} `json:"image_versions2"`
	VideoVersions []igCandidate `json:"video_versions"`
	CarouselMedia []igItem      `json:"carousel_media"`
	User          struct {
		Username string `json:"username"`
	} `json:"user"`
	Caption *struct {
		Text string `json:"text"`
	} `json:"caption"`
	LikeCount    int64 `json:"like_count"`
	CommentCount int64 `json:"comment_count"`
	PlayCount    int64 `json:"play_count"`
}

func (it igItem) formats(item string) []types.MediaFormat {
	var thumb string
	if len(it.ImageVersions2.Candidates) > 0 {
		thumb = it.ImageVersions2.Candidates[0].URL
	}

	var out []types.MediaFormat
	for _, v := range it.VideoVersions {
		out = append(out, types.MediaFormat{
			Quality:   VideoQuality(v.Width, v.Height, v.URL),
			Type:      types.MediaVideo,
			URL:       v.URL,
			Thumbnail: thumb,
			ItemID:    item,
		})
	}
	if len(out) == 0 && thumb != "" {
		out = append(out, types.MediaFormat{
			Quality: "Original",
			Type:    types.MediaImage,
			URL:     thumb,
			ItemID:  item,
		})
	}
	return out
}

func (g *instagram) privateAPI(ctx context.Context, in Input) (*types.ExtractionResult, error) {
	var id string
	if g.RequiresCredential(in.URL) {
		storyID, ok := cache.ContentID(types.PlatformInstagram, in.URL)
		if !ok {
			return nil, fmt.Errorf("%w: no story id in %s", ErrNotFound, in.URL)
		}
		id = storyID
	} else {
		code, err := g.shortcode(in.URL)
		if err != nil {
			return nil, err
		}
		id = mediaID(code)
	}
	if id == "" {
		return nil, fmt.Errorf("%w: bad media id", ErrNotFound)
	}

	var resp struct {
		Items  []igItem `json:"items"`
		Status string   `json:"status"`
	}
	err := g.f.GetJSON(ctx, Request{
		Platform:    types.PlatformInstagram,
		URL:         g.ep.InstagramAPI + "/api/v1/media/" + id + "/info/",
		Fingerprint: in.Fingerprint,
		Cookie:      in.Cookie(),
		Headers:     map[string]string{"X-IG-App-ID": instagramAppID},
	}, &resp)
	if err != nil {
		return nil, err
	}
	if len(resp.Items) == 0 {
		return nil, fmt.Errorf("%w: no items", ErrNoMedia)
	}

	it := resp.Items[0]
	res := &types.ExtractionResult{
		Author: it.User.Username,
		Engagement: &types.Engagement{
			Views:    it.PlayCount,
			Likes:    it.LikeCount,
			Comments: it.CommentCount,
		},
	}
	if it.Caption != nil {
		res.Description = it.Caption.Text
		res.Title = truncate(it.Caption.Text, 100)
	}
	if len(it.CarouselMedia) == 0 {
		res.Formats = it.formats("")
		return res, nil
	}
	for i, c := range it.CarouselMedia {
		res.Formats = append(res.Formats, c.formats(itemID(i, len(it.CarouselMedia)))...)
	}
	return res, nil
}

func (g *instagram) embed(ctx context.Context, in Input) (*types.ExtractionResult, error) {
	code, err := g.shortcode(in.URL)
	if err != nil {
		return nil, err
	}
	doc, body, err := g.f.GetHTML(ctx, Request{
		Platform:    types.PlatformInstagram,
		URL:         g.ep.InstagramWeb + "/p/" + code + "/embed/captioned/",
		Fingerprint: in.Fingerprint,
	})
	if err != nil {
		return nil, err
	}

	res := &types.ExtractionResult{
		Author:      strings.TrimSpace(doc.Find(".UsernameText").First().Text()),
		Description: strings.TrimSpace(doc.Find(".Caption").First().Contents().Not(".CaptionUsername").Text()),
	}
	res.Title = truncate(res.Description, 100)

	videos := scanAll(igVideoURLRe, body)
	images := scanAll(igDisplayURLRe, body)
	doc.Find("img.EmbeddedMediaImage").Each(func(_ int, s *goquery.Selection) {
		if src, ok := s.Attr("src"); ok {
			images = append(images, src)
		}
	})

	return withScannedMedia(res, videos, images), nil
}

func (g *instagram) page(ctx context.Context, in Input) (*types.ExtractionResult, error) {
	code, err := g.shortcode(in.URL)
	if err != nil {
		return nil, err
	}
	doc, body, err := g.f.GetHTML(ctx, Request{
		Platform:    types.PlatformInstagram,
		URL:         g.ep.InstagramWeb + "/p/" + code + "/",
		Fingerprint: in.Fingerprint,
		Cookie:      in.Cookie(),
	})
	if err != nil {
		return nil, err
	}

	res := pageResult(doc, in.URL)
	if videos := scanAll(igVideoURLRe, body); len(videos) > 0 {
		res = withScannedMedia(res, videos, nil)
	}
	return res, nil
}

// withScannedMedia adds regex-scanned URLs as formats; the first video wins
// the thumbnail from the first image
func withScannedMedia(res *types.ExtractionResult, videos, images []string) *types.ExtractionResult {
	thumb := ""
	if len(images) > 0 {
		thumb = images[0]
	}
	for _, v := range videos {
		res.Formats = append(res.Formats, types.MediaFormat{
			Quality:   VideoQuality(0, 0, v),
			Type:      types.MediaVideo,
			URL:       v,
			Thumbnail: thumb,
		})
	}
	if len(videos) == 0 {
		for _, img := range images {
			res.Formats = append(res.Formats, types.MediaFormat{
				Quality: "Original",
				Type:    types.MediaImage,
				URL:     img,
			})
		}
	}
	if res.Thumbnail == "" {
		res.Thumbnail = thumb
	}
	return res
}

// Probe checks the session against the current user endpoint
func (g *instagram) Probe(ctx context.Context, cred *types.Credential) error {
	var resp struct {
		User struct {
			Username string `json:"username"`
		} `json:"user"`
	}
	err := g.f.GetJSON(ctx, Request{
		Platform: types.PlatformInstagram,
		URL:      g.ep.InstagramAPI + "/api/v1/accounts/current_user/?edit=true",
		Cookie:   cred.Secret,
		Headers:  map[string]string{"X-IG-App-ID": instagramAppID},
	}, &resp)
	if err != nil {
		return err
	}
	if resp.User.Username == "" {
		return fmt.Errorf("%w: session not logged in", ErrAccessRestricted)
	}
	return nil
}
