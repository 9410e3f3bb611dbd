package extractor

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/KeremKalyoncu/medresolve/internal/errors"
	"github.com/KeremKalyoncu/medresolve/internal/fingerprint"
	"github.com/KeremKalyoncu/medresolve/internal/testutil"
	"github.com/KeremKalyoncu/medresolve/internal/types"
)

func newTestRegistry(t *testing.T) (*Registry, *testutil.Upstream) {
	t.Helper()
	up := testutil.NewUpstream(t)
	return NewRegistry(newTestFetcher(t, 100), AllEndpoints(up.URL), nil, testutil.Logger()), up
}

func resolveWith(t *testing.T, reg *Registry, rawURL string, cred *types.Credential) (*types.ExtractionResult, error) {
	t.Helper()
	p, normalized, err := reg.Detect(rawURL)
	require.NoError(t, err)
	return reg.Chain(p).Run(context.Background(), Input{URL: normalized, Credential: cred, Fingerprint: fingerprint.Default})
}

func formatURLs(r *types.ExtractionResult) []string {
	out := make([]string, 0, len(r.Formats))
	for _, f := range r.Formats {
		out = append(out, f.URL)
	}
	return out
}

func TestDetect(t *testing.T) {
	reg, _ := newTestRegistry(t)

	tests := []struct {
		in         string
		platform   types.Platform
		normalized string
	}{
		{"https://mobile.twitter.com/jack/status/20?s=20&t=abc", types.PlatformTwitter, "https://x.com/jack/status/20"},
		{"x.com/jack/status/20/", types.PlatformTwitter, "https://x.com/jack/status/20"},
		{"https://t.co/AbCd", types.PlatformTwitter, "https://t.co/AbCd"},
		{"https://instagr.am/p/CxYz123/?igsh=abc", types.PlatformInstagram, "https://www.instagram.com/p/CxYz123"},
		{"https://www.instagram.com/reel/CxYz123/?utm_source=ig_web", types.PlatformInstagram, "https://www.instagram.com/reel/CxYz123"},
		{"https://vm.tiktok.com/ZMabc/", types.PlatformTikTok, "https://vm.tiktok.com/ZMabc"},
		{"https://m.tiktok.com/@user/video/7301?is_from_webapp=1", types.PlatformTikTok, "https://www.tiktok.com/@user/video/7301"},
		{"https://m.facebook.com/watch/?v=123&ref=share", types.PlatformFacebook, "https://www.facebook.com/watch?v=123"},
		{"https://fb.watch/abc/", types.PlatformFacebook, "https://fb.watch/abc"},
		{"https://weibo.cn/detail/4900?from=page", types.PlatformWeibo, "https://m.weibo.cn/detail/4900"},
	}
	for _, tt := range tests {
		p, normalized, err := reg.Detect(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.platform, p.ID(), tt.in)
		assert.Equal(t, tt.normalized, normalized, tt.in)
	}

	_, _, err := reg.Detect("https://www.youtube.com/watch?v=1")
	assert.Equal(t, apperrors.CodeUnsupportedPlatform, apperrors.GetErrorCode(err))

	for _, bad := range []string{"", "not a url", "ftp://x.com/jack/status/1", "https://localhost/x"} {
		_, _, err := reg.Detect(bad)
		assert.Equal(t, apperrors.CodeInvalidURL, apperrors.GetErrorCode(err), bad)
	}
}

func TestShortLinkDetection(t *testing.T) {
	reg, _ := newTestRegistry(t)
	for _, raw := range []string{"https://t.co/x1", "https://vt.tiktok.com/ZS1/", "https://www.tiktok.com/t/ZT1/", "https://fb.watch/v1/", "https://www.facebook.com/share/r/abc/", "https://t.cn/A6x"} {
		p, normalized, err := reg.Detect(raw)
		require.NoError(t, err, raw)
		u, _ := parseURL(normalized)
		assert.True(t, p.IsShortLink(u), raw)
	}

	p, normalized, err := reg.Detect("https://x.com/jack/status/20")
	require.NoError(t, err)
	expanded, err := reg.Expand(context.Background(), p, normalized, fingerprint.Default)
	require.NoError(t, err)
	assert.Equal(t, normalized, expanded, "non-short links are not fetched")
}

func TestTwitterSyndication(t *testing.T) {
	reg, up := newTestRegistry(t)
	up.Respond("/tweet-result", http.StatusOK, "application/json", `{
		"__typename":"Tweet","id_str":"1790","text":"hello world",
		"user":{"screen_name":"jack","name":"Jack"},
		"favorite_count":10,"conversation_count":2,
		"mediaDetails":[{"type":"video","media_url_https":"https://pbs.twimg.com/ext_tw_video_thumb/1/pu/img/t.jpg",
			"video_info":{"variants":[
				{"content_type":"application/x-mpegURL","url":"https://video.twimg.com/ext_tw_video/1/pu/pl/list.m3u8"},
				{"content_type":"video/mp4","bitrate":256000,"url":"https://video.twimg.com/ext_tw_video/1/pu/vid/avc1/480x270/low.mp4"},
				{"content_type":"video/mp4","bitrate":2176000,"url":"https://video.twimg.com/ext_tw_video/1/pu/vid/avc1/1280x720/high.mp4"}]}}]}`)

	res, err := resolveWith(t, reg, "https://twitter.com/jack/status/1790?s=20", nil)
	require.NoError(t, err)
	assert.Equal(t, "syndication", res.Strategy)
	assert.Equal(t, "jack", res.Author)
	assert.Equal(t, int64(10), res.Engagement.Likes)
	require.Len(t, res.Formats, 2)
	assert.Equal(t, "HD 720p", res.Formats[0].Quality)
	assert.Equal(t, "SD 270p", res.Formats[1].Quality)
	assert.Equal(t, "https://pbs.twimg.com/ext_tw_video_thumb/1/pu/img/t.jpg", res.Thumbnail)
	assert.Zero(t, up.Hits("/1.1/guest/activate.json"))
}

func TestTwitterFallsBackToGuestGraphQL(t *testing.T) {
	reg, up := newTestRegistry(t)
	up.Respond("/1.1/guest/activate.json", http.StatusOK, "application/json", `{"guest_token":"g1"}`)
	up.Handle("/graphql/"+tweetResultQueryID+"/TweetResultByRestId", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Guest-Token") != "g1" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":{"tweetResult":{"result":{"__typename":"Tweet",
			"core":{"user_results":{"result":{"legacy":{"screen_name":"jack"}}}},
			"views":{"count":"99"},
			"legacy":{"full_text":"two pics","favorite_count":5,"extended_entities":{"media":[
				{"type":"photo","media_url_https":"https://pbs.twimg.com/media/A.jpg"},
				{"type":"photo","media_url_https":"https://pbs.twimg.com/media/B.jpg"}]}}}}}}`))
	})

	res, err := resolveWith(t, reg, "https://x.com/jack/status/1790", nil)
	require.NoError(t, err)
	assert.Equal(t, "guest_graphql", res.Strategy)
	assert.Equal(t, []string{"https://pbs.twimg.com/media/A.jpg?name=orig", "https://pbs.twimg.com/media/B.jpg?name=orig"}, formatURLs(res))
	assert.Equal(t, "0", res.Formats[0].ItemID)
	assert.Equal(t, "1", res.Formats[1].ItemID)
	assert.Equal(t, int64(99), res.Engagement.Views)
	assert.Equal(t, 1, up.Hits("/tweet-result"))
}

func TestTwitterAgeRestricted(t *testing.T) {
	reg, up := newTestRegistry(t)
	up.Respond("/tweet-result", http.StatusOK, "application/json",
		`{"__typename":"TweetTombstone","tombstone":{"text":{"text":"Age-restricted adult content."}}}`)
	up.Respond("/1.1/guest/activate.json", http.StatusOK, "application/json", `{"guest_token":"g1"}`)
	up.Respond("/graphql/"+tweetResultQueryID+"/TweetResultByRestId", http.StatusOK, "application/json",
		`{"data":{"tweetResult":{"result":{"__typename":"TweetUnavailable","reason":"NsfwLoggedOut"}}}}`)

	_, err := resolveWith(t, reg, "https://x.com/jack/status/1790", nil)
	var failure *Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, apperrors.CodeAgeRestricted, failure.AppError().Code)
	assert.True(t, strings.Contains(failure.Error(), "auth_graphql"))
}

func TestTwitterProbe(t *testing.T) {
	reg, up := newTestRegistry(t)
	up.Handle("/1.1/account/settings.json", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Csrf-Token") != "tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"screen_name":"jack"}`))
	})
	probers := reg.Probers()
	require.Len(t, probers, 5)

	assert.NoError(t, probers[types.PlatformTwitter].Probe(context.Background(), &types.Credential{Secret: "auth_token=a; ct0=tok"}))
	assert.ErrorIs(t, probers[types.PlatformTwitter].Probe(context.Background(), &types.Credential{Secret: "auth_token=a; ct0=old"}), ErrAccessRestricted)
	assert.ErrorIs(t, probers[types.PlatformTwitter].Probe(context.Background(), &types.Credential{Secret: "auth_token=a"}), ErrAccessRestricted)
}

func TestInstagramCarouselFromPublicGraphQL(t *testing.T) {
	reg, up := newTestRegistry(t)
	up.Handle("/graphql/query", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if !strings.Contains(r.PostForm.Get("variables"), "CxYz123") {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Write([]byte(`{"data":{"xdt_shortcode_media":{"__typename":"XDTGraphSidecar",
			"display_url":"https://scontent.cdninstagram.com/c.jpg","owner":{"username":"nasa"},
			"edge_media_to_caption":{"edges":[{"node":{"text":"Space"}}]},
			"edge_sidecar_to_children":{"edges":[
				{"node":{"is_video":true,"video_url":"https://scontent.cdninstagram.com/v0.mp4","display_url":"https://scontent.cdninstagram.com/t0.jpg","dimensions":{"width":1080,"height":1920}}},
				{"node":{"is_video":false,"display_url":"https://scontent.cdninstagram.com/i1.jpg"}}]}}}}`))
	})

	res, err := resolveWith(t, reg, "https://www.instagram.com/p/CxYz123/?igsh=abc", nil)
	require.NoError(t, err)
	assert.Equal(t, "public_graphql", res.Strategy)
	assert.Equal(t, "nasa", res.Author)
	assert.Equal(t, "Space", res.Description)
	assert.Equal(t, []string{"https://scontent.cdninstagram.com/v0.mp4", "https://scontent.cdninstagram.com/i1.jpg"}, formatURLs(res))
	assert.Equal(t, "HD 1080p", res.Formats[0].Quality)
}

func TestInstagramStoryNeedsCredential(t *testing.T) {
	reg, up := newTestRegistry(t)
	up.Handle("/api/v1/media/3141592653/info/", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Cookie") != "sessionid=s1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"status":"ok","items":[{"media_type":2,"user":{"username":"nasa"},
			"image_versions2":{"candidates":[{"url":"https://scontent.cdninstagram.com/s.jpg","width":1080,"height":1920}]},
			"video_versions":[
				{"url":"https://scontent.cdninstagram.com/s480.mp4","width":480,"height":854},
				{"url":"https://scontent.cdninstagram.com/s720.mp4","width":720,"height":1280}]}]}`))
	})

	p, normalized, err := reg.Detect("https://instagram.com/stories/nasa/3141592653/")
	require.NoError(t, err)
	assert.True(t, p.RequiresCredential(normalized))

	res, err := resolveWith(t, reg, normalized, &types.Credential{ID: "c1", Secret: "sessionid=s1"})
	require.NoError(t, err)
	assert.Equal(t, "private_api", res.Strategy)
	assert.True(t, res.UsedCookie)
	assert.Equal(t, []string{"https://scontent.cdninstagram.com/s720.mp4", "https://scontent.cdninstagram.com/s480.mp4"}, formatURLs(res))
	assert.Zero(t, up.Hits("/graphql/query"), "stories never hit the public endpoint")
}

func TestMediaID(t *testing.T) {
	assert.Equal(t, "0", mediaID("A"))
	assert.Equal(t, "1", mediaID("B"))
	assert.Equal(t, "64", mediaID("BA"))
	assert.Equal(t, "", mediaID("B!"))
}

func TestTikTokFallsBackToRehydration(t *testing.T) {
	reg, up := newTestRegistry(t)
	up.Respond("/aweme/v1/feed/", http.StatusOK, "application/json", `{"aweme_list":[{"aweme_id":"999"}]}`)
	up.Respond("/@user/video/7301", http.StatusOK, "text/html", `<html><body>
<script id="__UNIVERSAL_DATA_FOR_REHYDRATION__" type="application/json">{"__DEFAULT_SCOPE__":{"webapp.video-detail":{"statusCode":0,"itemInfo":{"itemStruct":{
"id":"7301","desc":"dance","author":{"uniqueId":"user"},
"video":{"playAddr":"https://v16-webapp.tiktok.com/play.mp4","cover":"https://p16-sign.tiktokcdn-us.com/cover.jpg","width":576,"height":1024},
"music":{"playUrl":"https://sf16.tiktokcdn.com/music.mp3"},
"stats":{"playCount":1000,"diggCount":50}}}}}}</script></body></html>`)

	res, err := resolveWith(t, reg, "https://www.tiktok.com/@user/video/7301?is_from_webapp=1", nil)
	require.NoError(t, err)
	assert.Equal(t, "web_page", res.Strategy)
	assert.Equal(t, "user", res.Author)
	assert.Equal(t, int64(1000), res.Engagement.Views)
	require.Len(t, res.Formats, 2)
	assert.Equal(t, types.MediaVideo, res.Formats[0].Type)
	assert.Equal(t, "SD 576p", res.Formats[0].Quality)
	assert.Equal(t, types.MediaAudio, res.Formats[1].Type)
	assert.Equal(t, 1, up.Hits("/aweme/v1/feed/"))
}

func TestTikTokPrivateVideo(t *testing.T) {
	reg, up := newTestRegistry(t)
	up.Respond("/aweme/v1/feed/", http.StatusOK, "application/json", `{"aweme_list":[]}`)
	up.Respond("/@user/video/7301", http.StatusOK, "text/html",
		`<html><script id="__UNIVERSAL_DATA_FOR_REHYDRATION__">{"__DEFAULT_SCOPE__":{"webapp.video-detail":{"statusCode":10222}}}</script></html>`)

	_, err := resolveWith(t, reg, "https://www.tiktok.com/@user/video/7301", nil)
	assert.ErrorIs(t, err, ErrAccessRestricted)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFacebookPageSources(t *testing.T) {
	reg, up := newTestRegistry(t)
	up.Respond("/watch", http.StatusOK, "text/html", `<html><head>
<meta property="og:title" content="Clip">
<meta property="og:image" content="https://scontent.xx.fbcdn.net/thumb.jpg">
</head><body><script>{"playable_url":"https:\/\/video.xx.fbcdn.net\/v\/sd.mp4?a=1","playable_url_quality_hd":"https:\/\/video.xx.fbcdn.net\/v\/hd.mp4?a=1"}</script></body></html>`)

	res, err := resolveWith(t, reg, "https://m.facebook.com/watch/?v=123&ref=share", nil)
	require.NoError(t, err)
	assert.Equal(t, "page", res.Strategy)
	assert.Equal(t, "Clip", res.Title)
	assert.Equal(t, []string{"https://video.xx.fbcdn.net/v/hd.mp4?a=1", "https://video.xx.fbcdn.net/v/sd.mp4?a=1"}, formatURLs(res))
	assert.Equal(t, 1, up.Hits("/plugins/video.php"))
}

func TestFacebookLoginWall(t *testing.T) {
	reg, up := newTestRegistry(t)
	up.Respond("/groups/1/posts/2", http.StatusOK, "text/html", `<html><body><form id="login_form"></form></body></html>`)

	_, err := resolveWith(t, reg, "https://www.facebook.com/groups/1/posts/2/", nil)
	assert.ErrorIs(t, err, ErrAccessRestricted)
}

func TestWeiboMobileStatus(t *testing.T) {
	reg, up := newTestRegistry(t)
	up.Handle("/statuses/show", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("id") != "116979233012373" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte(`{"ok":1,"data":{"text":"<a href=\"/n/x\">@x</a> hello","user":{"screen_name":"sina"},"attitudes_count":3,
			"page_info":{"type":"video","page_pic":{"url":"https://wx1.sinaimg.cn/large/cover.jpg"},
				"urls":{"mp4_720p_mp4":"https://f.video.weibocdn.com/720.mp4","mp4_ld_mp4":"https://f.video.weibocdn.com/ld.mp4"},
				"media_info":{"stream_url":"https://f.video.weibocdn.com/ld.mp4"}}}}`))
	})

	res, err := resolveWith(t, reg, "https://weibo.com/1234567/N5abcDEF", nil)
	require.NoError(t, err)
	assert.Equal(t, "mobile_status", res.Strategy)
	assert.Equal(t, "sina", res.Author)
	assert.Equal(t, "@x hello", res.Description)
	assert.Equal(t, []string{"https://f.video.weibocdn.com/720.mp4", "https://f.video.weibocdn.com/ld.mp4"}, formatURLs(res))
	assert.Equal(t, "https://wx1.sinaimg.cn/large/cover.jpg", res.Thumbnail)
}

func TestWeiboDetailPageRenderData(t *testing.T) {
	reg, up := newTestRegistry(t)
	up.Respond("/statuses/show", http.StatusOK, "application/json", `{"ok":0,"msg":"not found"}`)
	up.Respond("/detail/4900", http.StatusOK, "text/html", `<html><script>
var $render_data = [{"status":{"text":"pics","user":{"screen_name":"sina"},"pics":[
	{"url":"https://wx1.sinaimg.cn/orj360/a.jpg","large":{"url":"https://wx1.sinaimg.cn/large/a.jpg"}},
	{"url":"https://wx1.sinaimg.cn/orj360/b.jpg","large":{"url":"https://wx1.sinaimg.cn/large/b.jpg"}}]}}][0] || {};
</script></html>`)

	res, err := resolveWith(t, reg, "https://m.weibo.cn/detail/4900", nil)
	require.NoError(t, err)
	assert.Equal(t, "detail_page", res.Strategy)
	assert.Equal(t, []string{"https://wx1.sinaimg.cn/large/a.jpg", "https://wx1.sinaimg.cn/large/b.jpg"}, formatURLs(res))
}
