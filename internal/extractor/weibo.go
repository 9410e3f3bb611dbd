package extractor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/KeremKalyoncu/medresolve/internal/cache"
	"github.com/KeremKalyoncu/medresolve/internal/types"
)

var weiboRenderDataRe = regexp.MustCompile(`(?s)\$render_data\s*=\s*(\[.*?\])\[0\]`)

var weiboTagRe = regexp.MustCompile(`<[^>]+>`)

type weibo struct {
	f  *Fetcher
	ep Endpoints
}

func newWeibo(f *Fetcher, ep Endpoints) *weibo {
	return &weibo{f: f, ep: ep}
}

func (w *weibo) ID() types.Platform { return types.PlatformWeibo }

func (w *weibo) Match(host string) bool {
	return hostIs(host, "weibo.com", "weibo.cn", "t.cn")
}

func (w *weibo) Normalize(u *url.URL) string {
	host := strings.ToLower(u.Hostname())
	switch {
	case host == "t.cn":
		return canonical(u, "t.cn")
	case hostIs(host, "weibo.cn"):
		return canonical(u, "m.weibo.cn")
	default:
		return canonical(u, "weibo.com")
	}
}

func (w *weibo) IsShortLink(u *url.URL) bool {
	return strings.EqualFold(u.Hostname(), "t.cn")
}

func (w *weibo) RequiresCredential(string) bool { return false }

func (w *weibo) Strategies() []Strategy {
	return []Strategy{
		{Name: "mobile_status", Mode: CredentialNone, Run: w.mobileStatus},
		{Name: "ajax_status", Mode: CredentialRequired, Run: w.ajaxStatus},
		{Name: "detail_page", Mode: CredentialNone, Run: w.detailPage},
	}
}

// Two of the three strategies read m.weibo.cn, the mobile site
func (w *weibo) DeviceType() string { return types.DeviceMobile }

func (w *weibo) statusID(raw string) (string, error) {
	id, ok := cache.ContentID(types.PlatformWeibo, raw)
	if !ok {
		return "", fmt.Errorf("%w: no status id in %s", ErrNotFound, raw)
	}
	return id, nil
}

type weiboPic struct {
	URL   string `json:"url"`
	Large struct {
		URL string `json:"url"`
	} `json:"large"`
	VideoSrc string `json:"videoSrc"`
}

// weiboStatus is the m.weibo.cn shape, shared by the show API and the
// detail page render data
type weiboStatus struct {
	Text string `json:"text"`
	User *struct {
		ScreenName string `json:"screen_name"`
	} `json:"user"`
	Pics     []weiboPic `json:"pics"`
	PageInfo *struct {
		Type    string `json:"type"`
		PagePic struct {
			URL string `json:"url"`
		} `json:"page_pic"`
		URLs      map[string]string `json:"urls"`
		MediaInfo struct {
			StreamURLHD string `json:"stream_url_hd"`
			StreamURL   string `json:"stream_url"`
			MP4HDURL    string `json:"mp4_hd_url"`
			MP4SDURL    string `json:"mp4_sd_url"`
			MP4720PMP4  string `json:"mp4_720p_mp4"`
		} `json:"media_info"`
	} `json:"page_info"`
	AttitudesCount int64 `json:"attitudes_count"`
	CommentsCount  int64 `json:"comments_count"`
	RepostsCount   int64 `json:"reposts_count"`
}

func (s weiboStatus) result() *types.ExtractionResult {
	text := strings.TrimSpace(weiboTagRe.ReplaceAllString(s.Text, ""))
	res := &types.ExtractionResult{
		Title:       truncate(text, 100),
		Description: text,
		Engagement: &types.Engagement{
			Likes:    s.AttitudesCount,
			Comments: s.CommentsCount,
			Shares:   s.RepostsCount,
		},
	}
	if s.User != nil {
		res.Author = s.User.ScreenName
	}

	if pi := s.PageInfo; pi != nil && pi.Type == "video" {
		res.Thumbnail = pi.PagePic.URL
		add := func(quality, u string) {
			if u != "" {
				res.Formats = append(res.Formats, types.MediaFormat{Quality: quality, Type: types.MediaVideo, URL: u, Thumbnail: pi.PagePic.URL})
			}
		}
		for _, key := range sortedKeys(pi.URLs) {
			add(weiboQuality(key), pi.URLs[key])
		}
		add("HD 720p", pi.MediaInfo.MP4720PMP4)
		add("HD", pi.MediaInfo.MP4HDURL)
		add("HD", pi.MediaInfo.StreamURLHD)
		add("SD", pi.MediaInfo.MP4SDURL)
		add("SD", pi.MediaInfo.StreamURL)
	}

	for i, p := range s.Pics {
		item := itemID(i, len(s.Pics))
		if p.VideoSrc != "" {
			res.Formats = append(res.Formats, types.MediaFormat{Quality: "Original", Type: types.MediaVideo, URL: p.VideoSrc, ItemID: item})
		}
		res.Formats = append(res.Formats, types.MediaFormat{
			Quality: "Original",
			Type:    types.MediaImage,
			URL:     firstNonEmpty(p.Large.URL, p.URL),
			ItemID:  item,
		})
	}
	return res
}

// weiboQuality maps keys like mp4_720p_mp4 or hevc_mp4_1080p onto labels
func weiboQuality(key string) string {
	if h := ParseResolution(key); h > 0 {
		return QualityLabel(h)
	}
	if strings.Contains(key, "hd") {
		return "HD"
	}
	return "SD"
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (w *weibo) mobileStatus(ctx context.Context, in Input) (*types.ExtractionResult, error) {
	id, err := w.statusID(in.URL)
	if err != nil {
		return nil, err
	}

	var resp struct {
		OK   int          `json:"ok"`
		Msg  string       `json:"msg"`
		Data *weiboStatus `json:"data"`
	}
	err = w.f.GetJSON(ctx, Request{
		Platform:    types.PlatformWeibo,
		URL:         w.ep.WeiboMobile + "/statuses/show?id=" + url.QueryEscape(id),
		Fingerprint: in.Fingerprint,
		Headers:     map[string]string{"Referer": w.ep.WeiboMobile + "/detail/" + id, "MWeibo-Pwa": "1"},
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.OK != 1 || resp.Data == nil {
		return nil, weiboMsgError(resp.Msg)
	}
	return resp.Data.result(), nil
}

func weiboMsgError(msg string) error {
	switch {
	case strings.Contains(msg, "登录"), strings.Contains(strings.ToLower(msg), "login"):
		return fmt.Errorf("%w: %s", ErrAccessRestricted, msg)
	case strings.Contains(msg, "频繁"):
		return fmt.Errorf("%w: %s", ErrRateLimited, msg)
	default:
		return fmt.Errorf("%w: %s", ErrNotFound, msg)
	}
}

type weiboAjaxStatus struct {
	TextRaw string `json:"text_raw"`
	User    *struct {
		ScreenName string `json:"screen_name"`
	} `json:"user"`
	PicIDs   []string `json:"pic_ids"`
	PicInfos map[string]struct {
		Largest struct {
			URL string `json:"url"`
		} `json:"largest"`
	} `json:"pic_infos"`
	PageInfo *struct {
		ObjectType string `json:"object_type"`
		MediaInfo  struct {
			PlaybackList []struct {
				PlayInfo struct {
					URL         string `json:"url"`
					Width       int    `json:"width"`
					Height      int    `json:"height"`
					QualityDesc string `json:"quality_desc"`
				} `json:"play_info"`
			} `json:"playback_list"`
			MP4HDURL  string `json:"mp4_hd_url"`
			StreamURL string `json:"stream_url"`
		} `json:"media_info"`
		PagePic string `json:"page_pic"`
	} `json:"page_info"`
	AttitudesCount int64  `json:"attitudes_count"`
	CommentsCount  int64  `json:"comments_count"`
	RepostsCount   int64  `json:"reposts_count"`
	OK             *int   `json:"ok"`
	Message        string `json:"message"`
}

func (w *weibo) ajaxStatus(ctx context.Context, in Input) (*types.ExtractionResult, error) {
	id, err := w.statusID(in.URL)
	if err != nil {
		return nil, err
	}

	var s weiboAjaxStatus
	err = w.f.GetJSON(ctx, Request{
		Platform:    types.PlatformWeibo,
		URL:         w.ep.WeiboWeb + "/ajax/statuses/show?id=" + url.QueryEscape(id),
		Fingerprint: in.Fingerprint,
		Cookie:      in.Cookie(),
		Headers:     map[string]string{"X-Requested-With": "XMLHttpRequest"},
	}, &s)
	if err != nil {
		return nil, err
	}
	if s.OK != nil && *s.OK != 1 {
		return nil, weiboMsgError(s.Message)
	}

	res := &types.ExtractionResult{
		Title:       truncate(s.TextRaw, 100),
		Description: s.TextRaw,
		Engagement: &types.Engagement{
			Likes:    s.AttitudesCount,
			Comments: s.CommentsCount,
			Shares:   s.RepostsCount,
		},
	}
	if s.User != nil {
		res.Author = s.User.ScreenName
	}

	if pi := s.PageInfo; pi != nil {
		res.Thumbnail = pi.PagePic
		for _, pb := range pi.MediaInfo.PlaybackList {
			res.Formats = append(res.Formats, types.MediaFormat{
				Quality:   VideoQuality(pb.PlayInfo.Width, pb.PlayInfo.Height, pb.PlayInfo.QualityDesc),
				Type:      types.MediaVideo,
				URL:       pb.PlayInfo.URL,
				Thumbnail: pi.PagePic,
			})
		}
		if pi.MediaInfo.MP4HDURL != "" {
			res.Formats = append(res.Formats, types.MediaFormat{Quality: "HD", Type: types.MediaVideo, URL: pi.MediaInfo.MP4HDURL, Thumbnail: pi.PagePic})
		}
		if pi.MediaInfo.StreamURL != "" {
			res.Formats = append(res.Formats, types.MediaFormat{Quality: "SD", Type: types.MediaVideo, URL: pi.MediaInfo.StreamURL, Thumbnail: pi.PagePic})
		}
	}

	for i, pid := range s.PicIDs {
		info, ok := s.PicInfos[pid]
		if !ok || info.Largest.URL == "" {
			continue
		}
		res.Formats = append(res.Formats, types.MediaFormat{
			Quality: "Original",
			Type:    types.MediaImage,
			URL:     info.Largest.URL,
			ItemID:  itemID(i, len(s.PicIDs)),
		})
	}
	return res, nil
}

func (w *weibo) detailPage(ctx context.Context, in Input) (*types.ExtractionResult, error) {
	id, err := w.statusID(in.URL)
	if err != nil {
		return nil, err
	}
	_, body, err := w.f.GetHTML(ctx, Request{
		Platform:    types.PlatformWeibo,
		URL:         w.ep.WeiboMobile + "/detail/" + id,
		Fingerprint: in.Fingerprint,
	})
	if err != nil {
		return nil, err
	}

	m := weiboRenderDataRe.FindSubmatch(body)
	if m == nil {
		return nil, fmt.Errorf("%w: no render data", ErrNoMedia)
	}
	var data []struct {
		Status *weiboStatus `json:"status"`
	}
	if err := json.Unmarshal(m[1], &data); err != nil {
		return nil, fmt.Errorf("%w: render data json: %v", ErrUpstream, err)
	}
	if len(data) == 0 || data[0].Status == nil {
		return nil, fmt.Errorf("%w: empty render data", ErrNotFound)
	}
	return data[0].Status.result(), nil
}

// Probe checks the session through the web config endpoint
func (w *weibo) Probe(ctx context.Context, cred *types.Credential) error {
	var resp struct {
		OK   int `json:"ok"`
		Data struct {
			Login bool   `json:"login"`
			UID   string `json:"uid"`
		} `json:"data"`
	}
	err := w.f.GetJSON(ctx, Request{
		Platform: types.PlatformWeibo,
		URL:      w.ep.WeiboWeb + "/ajax/config/get_config",
		Cookie:   cred.Secret,
	}, &resp)
	if err != nil {
		return err
	}
	if !resp.Data.Login {
		return fmt.Errorf("%w: session not logged in", ErrAccessRestricted)
	}
	return nil
}
