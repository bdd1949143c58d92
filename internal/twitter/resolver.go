package twitter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// The public web-app bearer token; it authenticates the anonymous guest flow,
// not any user.
const bearerToken = "AAAAAAAAAAAAAAAAAAAAANRILgAAAAAAnNwIzUejRCOuH5E6I8xnZz4puTs%3D1Zv7ttfk8LF81IUq16cHjhLTvJu4FA33AGWWjCpTnA"

const (
	guestTokenURL  = "https://api.twitter.com/1.1/guest/activate.json"
	graphqlURL     = "https://api.twitter.com/graphql/0hWvDhmW8YQ-S_ib3azIrw/TweetResultByRestId"
	syndicationURL = "https://cdn.syndication.twimg.com/tweet-result"

	maxAttempts  = 3
	backoffBase  = time.Second
	retryBackoff = 2
)

// graphqlFeatures is the fixed feature-flag payload the TweetResultByRestId
// query requires. Values are what the public web client sends.
const graphqlFeatures = `{"creator_subscriptions_tweet_preview_api_enabled":true,"tweetypie_unmention_optimization_enabled":true,"responsive_web_edit_tweet_api_enabled":true,"graphql_is_translatable_rweb_tweet_is_translatable_enabled":true,"view_counts_everywhere_api_enabled":true,"longform_notetweets_consumption_enabled":true,"responsive_web_twitter_article_tweet_consumption_enabled":false,"tweet_awards_web_tipping_enabled":false,"freedom_of_speech_not_reach_fetch_enabled":true,"standardized_nudges_misinfo":true,"tweet_with_visibility_results_prefer_gql_limited_actions_policy_enabled":true,"longform_notetweets_rich_text_read_enabled":true,"longform_notetweets_inline_media_enabled":true,"responsive_web_graphql_exclude_directive_enabled":true,"verified_phone_label_enabled":false,"responsive_web_media_download_video_enabled":false,"responsive_web_graphql_skip_user_profile_image_extensions_enabled":false,"responsive_web_graphql_timeline_navigation_enabled":true,"responsive_web_enhance_cards_enabled":false}`

// Resolver resolves media URLs for a post id without official API
// credentials, falling through three tiers: structured GraphQL query, public
// syndication endpoint, embed-page scrape.
type Resolver struct {
	logger *slog.Logger
	client *http.Client

	// Overridable in tests.
	guestURL  string
	gqlURL    string
	syndURL   string
	embedBase string
	sleep     func(ctx context.Context, d time.Duration) error
}

func NewResolver(logger *slog.Logger, timeout time.Duration) *Resolver {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Resolver{
		logger:    logger,
		client:    &http.Client{Timeout: timeout},
		guestURL:  guestTokenURL,
		gqlURL:    graphqlURL,
		syndURL:   syndicationURL,
		embedBase: embedMirrorBase,
		sleep:     sleepContext,
	}
}

// ResolveMedia returns the media items of the post, trying each tier in turn.
// Restriction outcomes from the age-restricted class trigger the syndication
// fallback before giving up; private posts fail immediately.
func (r *Resolver) ResolveMedia(ctx context.Context, postID string) ([]MediaItem, error) {
	items, err := r.resolveAPI(ctx, postID)
	if err == nil {
		return items, nil
	}
	if IsRestriction(err) && !isAgeRestricted(err) {
		return nil, err
	}
	r.logger.Warn("graphql tier failed, trying syndication", "post_id", postID, "error", err)

	items, sErr := r.resolveSyndication(ctx, postID)
	if sErr == nil {
		return items, nil
	}
	if IsRestriction(sErr) {
		return nil, sErr
	}
	r.logger.Warn("syndication tier failed, trying embed scrape", "post_id", postID, "error", sErr)

	items, eErr := r.resolveEmbed(ctx, postID)
	if eErr == nil {
		return items, nil
	}
	// Keep the most meaningful classification for the caller.
	if isAgeRestricted(err) {
		return nil, err
	}
	return nil, eErr
}

func isAgeRestricted(err error) bool {
	return err != nil && strings.Contains(err.Error(), ErrContentAgeRestricted.Error())
}

// resolveAPI is tier 1: anonymous guest credential plus a single GraphQL
// query for the post.
func (r *Resolver) resolveAPI(ctx context.Context, postID string) ([]MediaItem, error) {
	guestToken, err := r.activateGuestToken(ctx)
	if err != nil {
		return nil, err
	}

	vars := fmt.Sprintf(`{"tweetId":"%s","withCommunity":false,"includePromotedContent":false,"withVoice":false}`, postID)
	q := url.Values{}
	q.Set("variables", vars)
	q.Set("features", graphqlFeatures)

	var body []byte
	csrf := ""
	err = r.withRetry(ctx, "graphql", func() error {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, r.gqlURL+"?"+q.Encode(), nil)
		if reqErr != nil {
			return reqErr
		}
		req.Header.Set("Authorization", "Bearer "+bearerToken)
		req.Header.Set("X-Guest-Token", guestToken)
		if csrf != "" {
			req.Header.Set("X-Csrf-Token", csrf)
		}

		resp, doErr := r.client.Do(req)
		if doErr != nil {
			return doErr
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusForbidden {
			// A 403 usually means a missing anti-forgery token; pick it up
			// from the response cookies and retry once at this tier.
			if refreshed := csrfFromResponse(resp); refreshed != "" && csrf == "" {
				csrf = refreshed
				return fmt.Errorf("403 forbidden, retrying with csrf token")
			}
			return fmt.Errorf("403 forbidden")
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("graphql status %d", resp.StatusCode)
		}

		body, doErr = io.ReadAll(resp.Body)
		return doErr
	})
	if err != nil {
		return nil, err
	}

	return classifyAPIResult(body)
}

func (r *Resolver) activateGuestToken(ctx context.Context) (string, error) {
	var token string
	err := r.withRetry(ctx, "guest-activate", func() error {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, r.guestURL, nil)
		if reqErr != nil {
			return reqErr
		}
		req.Header.Set("Authorization", "Bearer "+bearerToken)

		resp, doErr := r.client.Do(req)
		if doErr != nil {
			return doErr
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("guest activation status %d", resp.StatusCode)
		}

		var out struct {
			GuestToken string `json:"guest_token"`
		}
		if decErr := json.NewDecoder(resp.Body).Decode(&out); decErr != nil {
			return decErr
		}
		if out.GuestToken == "" {
			return fmt.Errorf("empty guest token")
		}
		token = out.GuestToken
		return nil
	})
	return token, err
}

// classifyAPIResult maps the discriminated GraphQL outcome onto media items
// or a restriction error.
func classifyAPIResult(body []byte) ([]MediaItem, error) {
	var res tweetResult
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("decode graphql response: %w", err)
	}

	result := res.Data.TweetResult.Result
	switch result.Typename {
	case "Tweet":
		return selectMedia(result.Legacy.ExtendedEntities.Media)
	case "TweetWithVisibilityResults":
		return selectMedia(result.Tweet.Legacy.ExtendedEntities.Media)
	case "TweetUnavailable":
		switch result.Reason {
		case "Protected":
			return nil, ErrContentPrivate
		case "NsfwLoggedOut":
			return nil, ErrContentAgeRestricted
		default:
			return nil, fmt.Errorf("%w: %s", ErrContentUnavailable, result.Reason)
		}
	default:
		return nil, fmt.Errorf("%w: unexpected result type %q", ErrContentUnavailable, result.Typename)
	}
}

// resolveSyndication is tier 2: the public syndication endpoint, gated only
// by a token derived from the post id.
func (r *Resolver) resolveSyndication(ctx context.Context, postID string) ([]MediaItem, error) {
	token, err := SyndicationToken(postID)
	if err != nil {
		return nil, err
	}

	var body []byte
	err = r.withRetry(ctx, "syndication", func() error {
		u := fmt.Sprintf("%s?id=%s&token=%s", r.syndURL, url.QueryEscape(postID), token)
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if reqErr != nil {
			return reqErr
		}

		resp, doErr := r.client.Do(req)
		if doErr != nil {
			return doErr
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("syndication 404")
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("syndication status %d", resp.StatusCode)
		}

		body, doErr = io.ReadAll(resp.Body)
		return doErr
	})
	if err != nil {
		return nil, err
	}

	var st syndicationTweet
	if err := json.Unmarshal(body, &st); err != nil {
		return nil, fmt.Errorf("decode syndication response: %w", err)
	}

	if st.Typename == "TweetTombstone" {
		text := strings.ToLower(st.TombstoneText.Text)
		if strings.Contains(text, "age-restricted") || strings.Contains(text, "sensitive") {
			return nil, ErrContentAgeRestricted
		}
		return nil, fmt.Errorf("%w: tombstone", ErrContentUnavailable)
	}

	if len(st.MediaDetails) > 0 {
		return selectMedia(st.MediaDetails)
	}
	if len(st.Video.Variants) > 0 {
		item, ok := bestVariant(st.Video.Variants)
		if !ok {
			return nil, fmt.Errorf("%w: no usable video variant", ErrContentUnavailable)
		}
		return []MediaItem{item}, nil
	}
	if len(st.Photos) > 0 {
		items := make([]MediaItem, 0, len(st.Photos))
		for _, p := range st.Photos {
			items = append(items, MediaItem{Type: "photo", URL: p.URL})
		}
		return items, nil
	}
	return nil, fmt.Errorf("%w: no media in syndication response", ErrContentUnavailable)
}

// SyndicationToken derives the deterministic access token the syndication
// endpoint expects: base36(id/1e15*pi) with zeros and dots stripped.
func SyndicationToken(postID string) (string, error) {
	id, err := strconv.ParseFloat(postID, 64)
	if err != nil {
		return "", fmt.Errorf("post id is not numeric: %q", postID)
	}
	val := id / 1e15 * math.Pi
	token := strings.NewReplacer("0", "", ".", "").Replace(base36Fraction(val))
	return token, nil
}

// base36Fraction renders a positive float in base 36 with enough fractional
// digits to match the reference token derivation.
func base36Fraction(val float64) string {
	const digits = "0123456789abcdefghijklmnopqrstuvwxyz"

	intPart := int64(val)
	frac := val - float64(intPart)

	var sb strings.Builder
	if intPart == 0 {
		sb.WriteByte('0')
	} else {
		var stack []byte
		for n := intPart; n > 0; n /= 36 {
			stack = append(stack, digits[n%36])
		}
		for i := len(stack) - 1; i >= 0; i-- {
			sb.WriteByte(stack[i])
		}
	}

	sb.WriteByte('.')
	for i := 0; i < 12 && frac > 0; i++ {
		frac *= 36
		d := int(frac)
		sb.WriteByte(digits[d])
		frac -= float64(d)
	}
	return sb.String()
}

// withRetry runs fn up to maxAttempts times with exponential backoff for
// transient failures.
func (r *Resolver) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := backoffBase * time.Duration(math.Pow(retryBackoff, float64(attempt-1)))
			r.logger.Debug("retrying", "op", op, "attempt", attempt+1, "delay", delay)
			if sleepErr := r.sleep(ctx, delay); sleepErr != nil {
				return sleepErr
			}
		}
		if err = fn(); err == nil {
			return nil
		}
		if IsRestriction(err) {
			return err
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", op, maxAttempts, err)
}

// sleepContext waits out d unless ctx ends first.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func csrfFromResponse(resp *http.Response) string {
	for _, c := range resp.Cookies() {
		if c.Name == "ct0" {
			return c.Value
		}
	}
	return resp.Header.Get("x-csrf-token")
}

// selectMedia maps the post's media list to resolved items: photos as direct
// URLs, videos and GIFs as their best variant.
func selectMedia(media []apiMedia) ([]MediaItem, error) {
	if len(media) == 0 {
		return nil, fmt.Errorf("%w: post has no media", ErrContentUnavailable)
	}

	items := make([]MediaItem, 0, len(media))
	for _, m := range media {
		switch m.Type {
		case "photo":
			items = append(items, MediaItem{Type: "photo", URL: m.MediaURLHTTPS})
		case "video", "animated_gif":
			item, ok := bestVariant(m.VideoInfo.Variants)
			if !ok {
				continue
			}
			item.Type = m.Type
			items = append(items, item)
		}
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: no usable media variants", ErrContentUnavailable)
	}
	return items, nil
}

// bestVariant picks the highest-bitrate video/mp4 variant, falling back to
// the highest bitrate of any content type.
func bestVariant(variants []videoVariant) (MediaItem, bool) {
	var bestMP4, bestAny *videoVariant
	for i := range variants {
		v := &variants[i]
		if v.URL == "" {
			continue
		}
		if bestAny == nil || v.Bitrate > bestAny.Bitrate {
			bestAny = v
		}
		if v.ContentType == "video/mp4" && (bestMP4 == nil || v.Bitrate > bestMP4.Bitrate) {
			bestMP4 = v
		}
	}

	chosen := bestMP4
	if chosen == nil {
		chosen = bestAny
	}
	if chosen == nil {
		return MediaItem{}, false
	}
	return MediaItem{
		Type:        "video",
		URL:         chosen.URL,
		Bitrate:     chosen.Bitrate,
		ContentType: chosen.ContentType,
		NeedsRepair: NeedsContainerRepair(chosen.URL),
	}, true
}

// NeedsContainerRepair flags URLs whose path matches code paths known to have
// produced broken containers during a bounded historical window. Best-effort
// signal only; callers may remux such files instead of serving them directly.
func NeedsContainerRepair(mediaURL string) bool {
	u, err := url.Parse(mediaURL)
	if err != nil {
		return false
	}
	path := u.Path
	return strings.Contains(path, "/amplify_video/") ||
		strings.Contains(path, "/ext_tw_video/") && strings.Contains(path, "/pu/")
}
