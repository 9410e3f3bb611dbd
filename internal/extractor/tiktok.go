package extractor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/KeremKalyoncu/medresolve/internal/cache"
	"github.com/KeremKalyoncu/medresolve/internal/types"
)

const tiktokAppUA = "com.zhiliaoapp.musically/2023501030 (Linux; U; Android 13; en_US; Pixel 7; Build/TQ3A.230805.001; Cronet/58.0.2991.0)"

var (
	ttPlayAddrRe = regexp.MustCompile(`playAddr\\*"\s*:\s*\\*"(.+?)\\*"`)
	ttCoverRe    = regexp.MustCompile(`cover\\*"\s*:\s*\\*"(.+?)\\*"`)
)

type tiktok struct {
	f  *Fetcher
	ep Endpoints
}

func newTikTok(f *Fetcher, ep Endpoints) *tiktok {
	return &tiktok{f: f, ep: ep}
}

func (t *tiktok) ID() types.Platform { return types.PlatformTikTok }

func (t *tiktok) Match(host string) bool {
	return hostIs(host, "tiktok.com")
}

func (t *tiktok) Normalize(u *url.URL) string {
	if t.IsShortLink(u) {
		return canonical(u, strings.ToLower(u.Hostname()))
	}
	return canonical(u, "www.tiktok.com")
}

func (t *tiktok) IsShortLink(u *url.URL) bool {
	host := strings.ToLower(u.Hostname())
	return host == "vm.tiktok.com" || host == "vt.tiktok.com" || strings.HasPrefix(u.Path, "/t/")
}

func (t *tiktok) RequiresCredential(string) bool { return false }

func (t *tiktok) Strategies() []Strategy {
	return []Strategy{
		{Name: "mobile_api", Mode: CredentialNone, Run: t.mobileAPI},
		{Name: "web_page", Mode: CredentialNone, Run: t.webPage},
		{Name: "web_page_cookie", Mode: CredentialRequired, Run: t.webPage},
		{Name: "embed", Mode: CredentialNone, Run: t.embed},
	}
}

// The feed strategy sends its own app User-Agent; the rest are web pages
func (t *tiktok) DeviceType() string { return types.DeviceDesktop }

func (t *tiktok) videoID(raw string) (string, error) {
	id, ok := cache.ContentID(types.PlatformTikTok, raw)
	if !ok {
		return "", fmt.Errorf("%w: no video id in %s", ErrNotFound, raw)
	}
	return id, nil
}

type tiktokURLs struct {
	URLList []string `json:"url_list"`
	Width   int      `json:"width"`
	Height  int      `json:"height"`
}

func (u tiktokURLs) first() string {
	if len(u.URLList) == 0 {
		return ""
	}
	return u.URLList[0]
}

type aweme struct {
	AwemeID string `json:"aweme_id"`
	Desc    string `json:"desc"`
	Author  struct {
		UniqueID string `json:"unique_id"`
		Nickname string `json:"nickname"`
	} `json:"author"`
	Video struct {
		PlayAddr tiktokURLs `json:"play_addr"`
		Cover    tiktokURLs `json:"cover"`
		BitRate  []struct {
			GearName string     `json:"gear_name"`
			PlayAddr tiktokURLs `json:"play_addr"`
		} `json:"bit_rate"`
	} `json:"video"`
	ImagePostInfo *struct {
		Images []struct {
			DisplayImage tiktokURLs `json:"display_image"`
		} `json:"images"`
	} `json:"image_post_info"`
	Music struct {
		PlayURL tiktokURLs `json:"play_url"`
	} `json:"music"`
	Statistics struct {
		PlayCount    int64 `json:"play_count"`
		DiggCount    int64 `json:"digg_count"`
		CommentCount int64 `json:"comment_count"`
		ShareCount   int64 `json:"share_count"`
		CollectCount int64 `json:"collect_count"`
	} `json:"statistics"`
}

func (t *tiktok) mobileAPI(ctx context.Context, in Input) (*types.ExtractionResult, error) {
	id, err := t.videoID(in.URL)
	if err != nil {
		return nil, err
	}

	q := url.Values{
		"aweme_id":        {id},
		"version_code":    {"350103"},
		"app_name":        {"musical_ly"},
		"device_platform": {"android"},
		"aid":             {"1233"},
		"os_version":      {"13"},
	}
	var resp struct {
		AwemeList []aweme `json:"aweme_list"`
	}
	err = t.f.GetJSON(ctx, Request{
		Platform:    types.PlatformTikTok,
		URL:         t.ep.TikTokAPI + "/aweme/v1/feed/?" + q.Encode(),
		Fingerprint: in.Fingerprint,
		Headers:     map[string]string{"User-Agent": tiktokAppUA},
	}, &resp)
	if err != nil {
		return nil, err
	}

	// The feed answers with a recommendation when the id is gone
	if len(resp.AwemeList) == 0 || resp.AwemeList[0].AwemeID != id {
		return nil, fmt.Errorf("%w: feed did not return %s", ErrNotFound, id)
	}
	a := resp.AwemeList[0]

	res := &types.ExtractionResult{
		Title:       truncate(a.Desc, 100),
		Description: a.Desc,
		Author:      a.Author.UniqueID,
		Thumbnail:   a.Video.Cover.first(),
		Engagement: &types.Engagement{
			Views:     a.Statistics.PlayCount,
			Likes:     a.Statistics.DiggCount,
			Comments:  a.Statistics.CommentCount,
			Shares:    a.Statistics.ShareCount,
			Bookmarks: a.Statistics.CollectCount,
		},
	}

	if a.ImagePostInfo != nil && len(a.ImagePostInfo.Images) > 0 {
		n := len(a.ImagePostInfo.Images)
		for i, img := range a.ImagePostInfo.Images {
			res.Formats = append(res.Formats, types.MediaFormat{
				Quality: "Original",
				Type:    types.MediaImage,
				URL:     img.DisplayImage.first(),
				ItemID:  itemID(i, n),
			})
		}
	} else {
		for _, br := range a.Video.BitRate {
			res.Formats = append(res.Formats, types.MediaFormat{
				Quality:   VideoQuality(br.PlayAddr.Width, br.PlayAddr.Height, br.GearName),
				Type:      types.MediaVideo,
				URL:       br.PlayAddr.first(),
				Thumbnail: res.Thumbnail,
				HasAudio:  boolPtr(true),
			})
		}
		if play := a.Video.PlayAddr.first(); play != "" {
			res.Formats = append(res.Formats, types.MediaFormat{
				Quality:   VideoQuality(a.Video.PlayAddr.Width, a.Video.PlayAddr.Height, play),
				Type:      types.MediaVideo,
				URL:       play,
				Thumbnail: res.Thumbnail,
				HasAudio:  boolPtr(true),
			})
		}
	}

	if music := a.Music.PlayURL.first(); music != "" && len(res.Formats) > 0 {
		res.Formats = append(res.Formats, types.MediaFormat{Quality: "Audio", Type: types.MediaAudio, URL: music})
	}
	return res, nil
}

type tiktokWebItem struct {
	ID     string `json:"id"`
	Desc   string `json:"desc"`
	Author struct {
		UniqueID string `json:"uniqueId"`
	} `json:"author"`
	Video struct {
		PlayAddr    string `json:"playAddr"`
		Cover       string `json:"cover"`
		Width       int    `json:"width"`
		Height      int    `json:"height"`
		BitrateInfo []struct {
			GearName string `json:"GearName"`
			PlayAddr struct {
				URLList []string `json:"UrlList"`
				Width   int      `json:"Width"`
				Height  int      `json:"Height"`
			} `json:"PlayAddr"`
		} `json:"bitrateInfo"`
	} `json:"video"`
	ImagePost *struct {
		Images []struct {
			ImageURL struct {
				URLList []string `json:"urlList"`
			} `json:"imageURL"`
		} `json:"images"`
	} `json:"imagePost"`
	Music struct {
		PlayURL string `json:"playUrl"`
	} `json:"music"`
	Stats struct {
		PlayCount    int64 `json:"playCount"`
		DiggCount    int64 `json:"diggCount"`
		CommentCount int64 `json:"commentCount"`
		ShareCount   int64 `json:"shareCount"`
		CollectCount int64 `json:"collectCount"`
	} `json:"stats"`
	IsContentClassified bool `json:"isContentClassified"`
}

type tiktokRehydration struct {
	DefaultScope struct {
		VideoDetail struct {
			StatusCode int    `json:"statusCode"`
			StatusMsg  string `json:"statusMsg"`
			ItemInfo   struct {
				ItemStruct *tiktokWebItem `json:"itemStruct"`
			} `json:"itemInfo"`
		} `json:"webapp.video-detail"`
	} `json:"__DEFAULT_SCOPE__"`
}

// webPage reads the rehydration JSON of the video page. The cookie variant
// reaches videos the anonymous page withholds.
func (t *tiktok) webPage(ctx context.Context, in Input) (*types.ExtractionResult, error) {
	id, err := t.videoID(in.URL)
	if err != nil {
		return nil, err
	}
	path := "/@i/video/" + id
	if u, err := url.Parse(in.URL); err == nil && (strings.Contains(u.Path, "/video/") || strings.Contains(u.Path, "/photo/")) {
		path = u.Path
	}

	doc, _, err := t.f.GetHTML(ctx, Request{
		Platform:    types.PlatformTikTok,
		URL:         t.ep.TikTokWeb + path,
		Fingerprint: in.Fingerprint,
		Cookie:      in.Cookie(),
	})
	if err != nil {
		return nil, err
	}

	raw := doc.Find("script#__UNIVERSAL_DATA_FOR_REHYDRATION__").First().Text()
	if raw == "" {
		return nil, fmt.Errorf("%w: no rehydration data", ErrNoMedia)
	}
	var data tiktokRehydration
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, fmt.Errorf("%w: rehydration json: %v", ErrUpstream, err)
	}

	detail := data.DefaultScope.VideoDetail
	switch detail.StatusCode {
	case 0:
	case 10204:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, detail.StatusMsg)
	case 10222:
		return nil, fmt.Errorf("%w: private video", ErrAccessRestricted)
	default:
		return nil, fmt.Errorf("%w: status %d %s", ErrUpstream, detail.StatusCode, detail.StatusMsg)
	}

	item := detail.ItemInfo.ItemStruct
	if item == nil {
		return nil, fmt.Errorf("%w: no item", ErrNoMedia)
	}
	if item.IsContentClassified && item.Video.PlayAddr == "" && item.ImagePost == nil {
		return nil, fmt.Errorf("%w: classified content", ErrAgeRestricted)
	}

	res := &types.ExtractionResult{
		Title:       truncate(item.Desc, 100),
		Description: item.Desc,
		Author:      item.Author.UniqueID,
		Thumbnail:   item.Video.Cover,
		Engagement: &types.Engagement{
			Views:     item.Stats.PlayCount,
			Likes:     item.Stats.DiggCount,
			Comments:  item.Stats.CommentCount,
			Shares:    item.Stats.ShareCount,
			Bookmarks: item.Stats.CollectCount,
		},
	}

	if item.ImagePost != nil && len(item.ImagePost.Images) > 0 {
		n := len(item.ImagePost.Images)
		for i, img := range item.ImagePost.Images {
			if len(img.ImageURL.URLList) == 0 {
				continue
			}
			res.Formats = append(res.Formats, types.MediaFormat{
				Quality: "Original",
				Type:    types.MediaImage,
				URL:     img.ImageURL.URLList[0],
				ItemID:  itemID(i, n),
			})
		}
	} else {
		for _, br := range item.Video.BitrateInfo {
			if len(br.PlayAddr.URLList) == 0 {
				continue
			}
			res.Formats = append(res.Formats, types.MediaFormat{
				Quality:   VideoQuality(br.PlayAddr.Width, br.PlayAddr.Height, br.GearName),
				Type:      types.MediaVideo,
				URL:       br.PlayAddr.URLList[0],
				Thumbnail: item.Video.Cover,
				HasAudio:  boolPtr(true),
			})
		}
		if item.Video.PlayAddr != "" {
			res.Formats = append(res.Formats, types.MediaFormat{
				Quality:   VideoQuality(item.Video.Width, item.Video.Height, item.Video.PlayAddr),
				Type:      types.MediaVideo,
				URL:       item.Video.PlayAddr,
				Thumbnail: item.Video.Cover,
				HasAudio:  boolPtr(true),
			})
		}
	}

	if item.Music.PlayURL != "" && len(res.Formats) > 0 {
		res.Formats = append(res.Formats, types.MediaFormat{Quality: "Audio", Type: types.MediaAudio, URL: item.Music.PlayURL})
	}
	return res, nil
}

func (t *tiktok) embed(ctx context.Context, in Input) (*types.ExtractionResult, error) {
	id, err := t.videoID(in.URL)
	if err != nil {
		return nil, err
	}
	doc, body, err := t.f.GetHTML(ctx, Request{
		Platform:    types.PlatformTikTok,
		URL:         t.ep.TikTokWeb + "/embed/v2/" + id,
		Fingerprint: in.Fingerprint,
	})
	if err != nil {
		return nil, err
	}

	res := pageResult(doc, in.URL)
	res.Formats = nil
	var covers []string
	if c := scanFirst(ttCoverRe, body); c != "" {
		covers = append(covers, c)
	}
	return withScannedMedia(res, scanAll(ttPlayAddrRe, body), covers), nil
}

// Probe checks the session against the passport account endpoint
func (t *tiktok) Probe(ctx context.Context, cred *types.Credential) error {
	var resp struct {
		Data struct {
			Username string `json:"username"`
		} `json:"data"`
		Message string `json:"message"`
	}
	err := t.f.GetJSON(ctx, Request{
		Platform: types.PlatformTikTok,
		URL:      t.ep.TikTokWeb + "/passport/web/account/info/",
		Cookie:   cred.Secret,
	}, &resp)
	if err != nil {
		return err
	}
	if resp.Message != "success" || resp.Data.Username == "" {
		return fmt.Errorf("%w: session not logged in", ErrAccessRestricted)
	}
	return nil
}
