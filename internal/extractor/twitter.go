package extractor

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/KeremKalyoncu/medresolve/internal/cache"
	"github.com/KeremKalyoncu/medresolve/internal/types"
)

// Public bearer of the x.com web client
const twitterBearer = "AAAAAAAAAAAAAAAAAAAAANRILgAAAAAAnNwIzUejRCOuH5E6I8xnZz4puTs%3D1Zv7ttfk8LF81IUq16cHjhLTvJu4FA33AGWWjCpTnA"

const tweetResultQueryID = "Xl5pC_lBk_gcO2ItU39DQw"

var tweetFeatures = `{"creator_subscriptions_tweet_preview_api_enabled":true,"tweetypie_unmention_optimization_enabled":true,"responsive_web_edit_tweet_api_enabled":true,"graphql_is_translatable_rweb_tweet_is_translatable_enabled":true,"view_counts_everywhere_api_enabled":true,"longform_notetweets_consumption_enabled":true,"responsive_web_twitter_article_tweet_consumption_enabled":false,"tweet_awards_web_tipping_enabled":false,"freedom_of_speech_not_reach_fetch_enabled":true,"standardized_nudges_misinfo":true,"tweet_with_visibility_results_prefer_gql_limited_actions_policy_enabled":true,"longform_notetweets_rich_text_read_enabled":true,"longform_notetweets_inline_media_enabled":true,"responsive_web_graphql_exclude_directive_enabled":true,"verified_phone_label_enabled":false,"responsive_web_media_download_video_enabled":false,"responsive_web_graphql_skip_user_profile_image_extensions_enabled":false,"responsive_web_graphql_timeline_navigation_enabled":true,"responsive_web_enhance_cards_enabled":false}`

type twitter struct {
	f  *Fetcher
	ep Endpoints
}

func newTwitter(f *Fetcher, ep Endpoints) *twitter {
	return &twitter{f: f, ep: ep}
}

func (t *twitter) ID() types.Platform { return types.PlatformTwitter }

func (t *twitter) Match(host string) bool {
	return hostIs(host, "twitter.com", "x.com", "t.co", "fxtwitter.com", "vxtwitter.com", "fixupx.com")
}

func (t *twitter) Normalize(u *url.URL) string {
	host := strings.ToLower(u.Hostname())
	if host == "t.co" {
		return canonical(u, "t.co")
	}
	return canonical(u, "x.com")
}

func (t *twitter) IsShortLink(u *url.URL) bool {
	return strings.EqualFold(u.Hostname(), "t.co")
}

func (t *twitter) RequiresCredential(string) bool { return false }

func (t *twitter) Strategies() []Strategy {
	return []Strategy{
		{Name: "syndication", Mode: CredentialNone, Run: t.syndication},
		{Name: "guest_graphql", Mode: CredentialNone, Run: t.guestGraphQL},
		{Name: "auth_graphql", Mode: CredentialRequired, Run: t.authGraphQL},
		{Name: "page_meta", Mode: CredentialNone, Run: t.pageMeta},
	}
}

func (t *twitter) DeviceType() string { return types.DeviceDesktop }

type tweetMedia struct {
	Type          string `json:"type"`
	MediaURLHTTPS string `json:"media_url_https"`
	OriginalInfo  struct {
		Width  int `json:"width"`
		Height int `json:"height"`
	} `json:"original_info"`
	VideoInfo struct {
		Variants []struct {
			ContentType string `json:"content_type"`
			URL         string `json:"url"`
			Bitrate     int    `json:"bitrate"`
		} `json:"variants"`
	} `json:"video_info"`
}

type syndicationTweet struct {
	Typename string `json:"__typename"`
	IDStr    string `json:"id_str"`
	Text     string `json:"text"`
	User     struct {
		ScreenName string `json:"screen_name"`
		Name       string `json:"name"`
	} `json:"user"`
	MediaDetails      []tweetMedia `json:"mediaDetails"`
	FavoriteCount     int64        `json:"favorite_count"`
	ConversationCount int64        `json:"conversation_count"`
	Tombstone         *struct {
		Text struct {
			Text string `json:"text"`
		} `json:"text"`
	} `json:"tombstone"`
}

func (t *twitter) tweetID(raw string) (string, error) {
	id, ok := cache.ContentID(types.PlatformTwitter, raw)
	if !ok {
		return "", fmt.Errorf("%w: no status id in %s", ErrNotFound, raw)
	}
	return id, nil
}

func (t *twitter) syndication(ctx context.Context, in Input) (*types.ExtractionResult, error) {
	id, err := t.tweetID(in.URL)
	if err != nil {
		return nil, err
	}

	q := url.Values{"id": {id}, "token": {syndicationToken(id)}, "lang": {"en"}}
	var tw syndicationTweet
	err = t.f.GetJSON(ctx, Request{
		Platform:    types.PlatformTwitter,
		URL:         t.ep.TwitterSyndication + "/tweet-result?" + q.Encode(),
		Fingerprint: in.Fingerprint,
	}, &tw)
	if err != nil {
		return nil, err
	}

	if tw.Tombstone != nil || tw.Typename == "TweetTombstone" {
		text := ""
		if tw.Tombstone != nil {
			text = tw.Tombstone.Text.Text
		}
		return nil, tombstoneError(text)
	}
	if tw.IDStr == "" && tw.Text == "" && len(tw.MediaDetails) == 0 {
		return nil, fmt.Errorf("%w: empty syndication payload", ErrNotFound)
	}

	return &types.ExtractionResult{
		Title:       truncate(tw.Text, 100),
		Description: tw.Text,
		Author:      tw.User.ScreenName,
		Formats:     tweetFormats(tw.MediaDetails),
		Engagement: &types.Engagement{
			Likes:    tw.FavoriteCount,
			Comments: tw.ConversationCount,
		},
	}, nil
}

// syndicationToken derives the token the embed widget sends:
// (id / 1e15 * pi) in base 36 with zeros and the point removed
func syndicationToken(id string) string {
	n, err := strconv.ParseFloat(id, 64)
	if err != nil {
		return ""
	}
	x := n / 1e15 * math.Pi

	intPart := math.Floor(x)
	var b strings.Builder
	b.WriteString(strconv.FormatInt(int64(intPart), 36))
	frac := x - intPart
	for i := 0; i < 10 && frac > 0; i++ {
		frac *= 36
		d := int(frac)
		b.WriteString(strconv.FormatInt(int64(d), 36))
		frac -= float64(d)
	}
	return strings.ReplaceAll(b.String(), "0", "")
}

func tombstoneError(text string) error {
	lower := strings.ToLower(text)
	if strings.Contains(lower, "age-restricted") || strings.Contains(lower, "age restricted") || strings.Contains(lower, "sensitive") {
		return fmt.Errorf("%w: %s", ErrAgeRestricted, text)
	}
	return fmt.Errorf("%w: %s", ErrAccessRestricted, text)
}

func tweetFormats(media []tweetMedia) []types.MediaFormat {
	var out []types.MediaFormat
	for i, m := range media {
		item := itemID(i, len(media))
		switch m.Type {
		case "photo":
			out = append(out, types.MediaFormat{
				Quality: "Original",
				Type:    types.MediaImage,
				URL:     m.MediaURLHTTPS + "?name=orig",
				ItemID:  item,
			})
		case "video", "animated_gif":
			for _, v := range m.VideoInfo.Variants {
				if v.ContentType != "video/mp4" {
					continue
				}
				out = append(out, types.MediaFormat{
					Quality:   VideoQuality(0, 0, v.URL),
					Type:      types.MediaVideo,
					URL:       v.URL,
					Thumbnail: m.MediaURLHTTPS,
					ItemID:    item,
					HasAudio:  boolPtr(m.Type == "video"),
				})
			}
		}
	}
	return out
}

type graphqlTweet struct {
	Typename string        `json:"__typename"`
	Reason   string        `json:"reason"`
	Tweet    *graphqlTweet `json:"tweet"`
	Core     struct {
		UserResults struct {
			Result struct {
				Legacy struct {
					ScreenName string `json:"screen_name"`
					Name       string `json:"name"`
				} `json:"legacy"`
			} `json:"result"`
		} `json:"user_results"`
	} `json:"core"`
	Legacy struct {
		FullText         string `json:"full_text"`
		FavoriteCount    int64  `json:"favorite_count"`
		ReplyCount       int64  `json:"reply_count"`
		RetweetCount     int64  `json:"retweet_count"`
		BookmarkCount    int64  `json:"bookmark_count"`
		ExtendedEntities struct {
			Media []tweetMedia `json:"media"`
		} `json:"extended_entities"`
	} `json:"legacy"`
	Views struct {
		Count string `json:"count"`
	} `json:"views"`
}

type graphqlTweetResponse struct {
	Data struct {
		TweetResult struct {
			Result *graphqlTweet `json:"result"`
		} `json:"tweetResult"`
	} `json:"data"`
}

func (t *twitter) guestGraphQL(ctx context.Context, in Input) (*types.ExtractionResult, error) {
	var activated struct {
		GuestToken string `json:"guest_token"`
	}
	err := t.f.GetJSON(ctx, Request{
		Platform:    types.PlatformTwitter,
		Method:      http.MethodPost,
		URL:         t.ep.TwitterAPI + "/1.1/guest/activate.json",
		Fingerprint: in.Fingerprint,
		Headers:     map[string]string{"Authorization": "Bearer " + twitterBearer},
	}, &activated)
	if err != nil {
		return nil, err
	}
	if activated.GuestToken == "" {
		return nil, fmt.Errorf("%w: no guest token", ErrUpstream)
	}

	return t.graphql(ctx, in, map[string]string{"X-Guest-Token": activated.GuestToken})
}

func (t *twitter) authGraphQL(ctx context.Context, in Input) (*types.ExtractionResult, error) {
	csrf := cookieValue(in.Cookie(), "ct0")
	if csrf == "" {
		return nil, fmt.Errorf("%w: credential has no ct0 cookie", ErrAccessRestricted)
	}
	return t.graphql(ctx, in, map[string]string{
		"X-Csrf-Token":        csrf,
		"X-Twitter-Auth-Type": "OAuth2Session",
	})
}

func (t *twitter) graphql(ctx context.Context, in Input, extra map[string]string) (*types.ExtractionResult, error) {
	id, err := t.tweetID(in.URL)
	if err != nil {
		return nil, err
	}

	variables, _ := json.Marshal(map[string]any{
		"tweetId":                id,
		"withCommunity":          false,
		"includePromotedContent": false,
		"withVoice":              false,
	})
	q := url.Values{"variables": {string(variables)}, "features": {tweetFeatures}}

	headers := map[string]string{
		"Authorization":             "Bearer " + twitterBearer,
		"X-Twitter-Active-User":     "yes",
		"X-Twitter-Client-Language": "en",
	}
	for k, v := range extra {
		headers[k] = v
	}

	var resp graphqlTweetResponse
	err = t.f.GetJSON(ctx, Request{
		Platform:    types.PlatformTwitter,
		URL:         t.ep.TwitterAPI + "/graphql/" + tweetResultQueryID + "/TweetResultByRestId?" + q.Encode(),
		Fingerprint: in.Fingerprint,
		Cookie:      in.Cookie(),
		Headers:     headers,
	}, &resp)
	if err != nil {
		return nil, err
	}

	tw := resp.Data.TweetResult.Result
	if tw == nil {
		return nil, fmt.Errorf("%w: empty tweet result", ErrNotFound)
	}
	if tw.Typename == "TweetWithVisibilityResults" && tw.Tweet != nil {
		tw = tw.Tweet
	}
	if tw.Typename == "TweetUnavailable" || tw.Typename == "TweetTombstone" {
		switch tw.Reason {
		case "NsfwLoggedOut", "NsfwViewerIsUnderage", "NsfwViewerHasNoStatedAge":
			return nil, fmt.Errorf("%w: %s", ErrAgeRestricted, tw.Reason)
		default:
			return nil, fmt.Errorf("%w: %s", ErrAccessRestricted, tw.Reason)
		}
	}

	views, _ := strconv.ParseInt(tw.Views.Count, 10, 64)
	return &types.ExtractionResult{
		Title:       truncate(tw.Legacy.FullText, 100),
		Description: tw.Legacy.FullText,
		Author:      tw.Core.UserResults.Result.Legacy.ScreenName,
		Formats:     tweetFormats(tw.Legacy.ExtendedEntities.Media),
		Engagement: &types.Engagement{
			Views:     views,
			Likes:     tw.Legacy.FavoriteCount,
			Comments:  tw.Legacy.ReplyCount,
			Shares:    tw.Legacy.RetweetCount,
			Bookmarks: tw.Legacy.BookmarkCount,
		},
	}, nil
}

func (t *twitter) pageMeta(ctx context.Context, in Input) (*types.ExtractionResult, error) {
	id, err := t.tweetID(in.URL)
	if err != nil {
		return nil, err
	}
	doc, _, err := t.f.GetHTML(ctx, Request{
		Platform:    types.PlatformTwitter,
		URL:         t.ep.TwitterWeb + "/i/status/" + id,
		Fingerprint: in.Fingerprint,
	})
	if err != nil {
		return nil, err
	}
	res := pageResult(doc, in.URL)
	res.Author = meta(doc, "twitter:creator")
	return res, nil
}

// Probe checks the session against the account settings endpoint
func (t *twitter) Probe(ctx context.Context, cred *types.Credential) error {
	csrf := cookieValue(cred.Secret, "ct0")
	if csrf == "" {
		return fmt.Errorf("%w: credential has no ct0 cookie", ErrAccessRestricted)
	}
	var settings struct {
		ScreenName string `json:"screen_name"`
	}
	err := t.f.GetJSON(ctx, Request{
		Platform: types.PlatformTwitter,
		URL:      t.ep.TwitterAPI + "/1.1/account/settings.json",
		Cookie:   cred.Secret,
		Headers: map[string]string{
			"Authorization":       "Bearer " + twitterBearer,
			"X-Csrf-Token":        csrf,
			"X-Twitter-Auth-Type": "OAuth2Session",
		},
	}, &settings)
	if err != nil {
		return err
	}
	if settings.ScreenName == "" {
		return fmt.Errorf("%w: session not logged in", ErrAccessRestricted)
	}
	return nil
}
