package twitter

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestResolver() *Resolver {
	r := NewResolver(testLogger(), 2*time.Second)
	r.sleep = func(context.Context, time.Duration) error { return nil }
	return r
}

func TestClassifyAPIResult(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr error
		wantURL string
	}{
		{
			name: "present tweet with video",
			body: `{"data":{"tweetResult":{"result":{"__typename":"Tweet","legacy":{"extended_entities":{"media":[
				{"type":"video","video_info":{"variants":[
					{"bitrate":320000,"content_type":"video/mp4","url":"https://video.twimg.com/low.mp4"},
					{"bitrate":2176000,"content_type":"video/mp4","url":"https://video.twimg.com/high.mp4"},
					{"bitrate":9999999,"content_type":"application/x-mpegURL","url":"https://video.twimg.com/pl.m3u8"}
				]}}]}}}}}}`,
			wantURL: "https://video.twimg.com/high.mp4",
		},
		{
			name: "visibility-wrapped tweet",
			body: `{"data":{"tweetResult":{"result":{"__typename":"TweetWithVisibilityResults","tweet":{"legacy":{"extended_entities":{"media":[
				{"type":"photo","media_url_https":"https://pbs.twimg.com/pic.jpg"}]}}}}}}}`,
			wantURL: "https://pbs.twimg.com/pic.jpg",
		},
		{
			name:    "protected",
			body:    `{"data":{"tweetResult":{"result":{"__typename":"TweetUnavailable","reason":"Protected"}}}}`,
			wantErr: ErrContentPrivate,
		},
		{
			name:    "nsfw logged out",
			body:    `{"data":{"tweetResult":{"result":{"__typename":"TweetUnavailable","reason":"NsfwLoggedOut"}}}}`,
			wantErr: ErrContentAgeRestricted,
		},
		{
			name:    "other reason",
			body:    `{"data":{"tweetResult":{"result":{"__typename":"TweetUnavailable","reason":"Suspended"}}}}`,
			wantErr: ErrContentUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items, err := classifyAPIResult([]byte(tt.body))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.NotEmpty(t, items)
			assert.Equal(t, tt.wantURL, items[0].URL)
		})
	}
}

func TestSyndicationToken(t *testing.T) {
	token, err := SyndicationToken("1700000000000000000")
	require.NoError(t, err)
	assert.Equal(t, "44cpgxmyurn5biu", token)
	assert.NotContains(t, token, "0")
	assert.NotContains(t, token, ".")

	_, err = SyndicationToken("not-a-number")
	assert.Error(t, err)
}

func TestBestVariantFallsBackToAnyContentType(t *testing.T) {
	item, ok := bestVariant([]videoVariant{
		{Bitrate: 100, ContentType: "application/x-mpegURL", URL: "https://v/pl.m3u8"},
		{Bitrate: 900, ContentType: "application/x-mpegURL", URL: "https://v/hq.m3u8"},
	})
	require.True(t, ok)
	assert.Equal(t, "https://v/hq.m3u8", item.URL)

	_, ok = bestVariant(nil)
	assert.False(t, ok)
}

func TestNeedsContainerRepair(t *testing.T) {
	assert.True(t, NeedsContainerRepair("https://video.twimg.com/amplify_video/123/vid/1280x720/x.mp4"))
	assert.True(t, NeedsContainerRepair("https://video.twimg.com/ext_tw_video/123/pu/vid/x.mp4"))
	assert.False(t, NeedsContainerRepair("https://video.twimg.com/ext_tw_video/123/vid/x.mp4"))
	assert.False(t, NeedsContainerRepair("https://video.twimg.com/tweet_video/x.mp4"))
}

func TestResolveSyndicationTombstone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.URL.Query().Get("token"))
		_, _ = w.Write([]byte(`{"__typename":"TweetTombstone","tombstone":{"text":"Age-restricted adult content."}}`))
	}))
	defer srv.Close()

	r := newTestResolver()
	r.syndURL = srv.URL

	_, err := r.resolveSyndication(context.Background(), "1700000000000000000")
	assert.ErrorIs(t, err, ErrContentAgeRestricted)
}

func TestResolveMediaAgeRestrictedAcrossTiers(t *testing.T) {
	gql := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			_, _ = w.Write([]byte(`{"guest_token":"gt-1"}`))
		default:
			_, _ = w.Write([]byte(`{"data":{"tweetResult":{"result":{"__typename":"TweetUnavailable","reason":"NsfwLoggedOut"}}}}`))
		}
	}))
	defer gql.Close()

	synd := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"__typename":"TweetTombstone","tombstone":{"text":"Age-restricted adult content."}}`))
	}))
	defer synd.Close()

	r := newTestResolver()
	r.guestURL = gql.URL
	r.gqlURL = gql.URL
	r.syndURL = synd.URL

	_, err := r.ResolveMedia(context.Background(), "1700000000000000000")
	assert.ErrorIs(t, err, ErrContentAgeRestricted)
}

func TestResolveMediaPrivateFailsWithoutFallback(t *testing.T) {
	var syndCalls int
	gql := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			_, _ = w.Write([]byte(`{"guest_token":"gt-1"}`))
			return
		}
		_, _ = w.Write([]byte(`{"data":{"tweetResult":{"result":{"__typename":"TweetUnavailable","reason":"Protected"}}}}`))
	}))
	defer gql.Close()

	synd := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		syndCalls++
	}))
	defer synd.Close()

	r := newTestResolver()
	r.guestURL = gql.URL
	r.gqlURL = gql.URL
	r.syndURL = synd.URL

	_, err := r.ResolveMedia(context.Background(), "1700000000000000000")
	assert.ErrorIs(t, err, ErrContentPrivate)
	assert.Zero(t, syndCalls, "private posts must not fall through to syndication")
}

func TestResolveAPIRetriesWithCsrfAfter403(t *testing.T) {
	var gqlCalls int
	var retryCsrf string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			_, _ = w.Write([]byte(`{"guest_token":"gt-1"}`))
			return
		}
		gqlCalls++
		if gqlCalls == 1 {
			http.SetCookie(w, &http.Cookie{Name: "ct0", Value: "csrf-123"})
			w.WriteHeader(http.StatusForbidden)
			return
		}
		retryCsrf = r.Header.Get("X-Csrf-Token")
		_, _ = w.Write([]byte(`{"data":{"tweetResult":{"result":{"__typename":"Tweet","legacy":{"extended_entities":{"media":[
			{"type":"video","video_info":{"variants":[
				{"bitrate":2176000,"content_type":"video/mp4","url":"https://video.twimg.com/high.mp4"}]}}]}}}}}}`))
	}))
	defer srv.Close()

	r := newTestResolver()
	r.guestURL = srv.URL
	r.gqlURL = srv.URL

	items, err := r.resolveAPI(context.Background(), "1700000000000000000")
	require.NoError(t, err)
	require.NotEmpty(t, items)
	assert.Equal(t, "https://video.twimg.com/high.mp4", items[0].URL)
	assert.Equal(t, 2, gqlCalls, "403 with a ct0 cookie retries at the same tier")
	assert.Equal(t, "csrf-123", retryCsrf, "retry must carry the refreshed anti-forgery token")
}

func TestWithRetryAttemptCount(t *testing.T) {
	r := newTestResolver()

	var calls int
	err := r.withRetry(context.Background(), "op", func() error {
		calls++
		return assert.AnError
	})
	assert.Error(t, err)
	assert.Equal(t, maxAttempts, calls)
}

func TestWithRetryStopsOnRestriction(t *testing.T) {
	r := newTestResolver()

	var calls int
	err := r.withRetry(context.Background(), "op", func() error {
		calls++
		return ErrContentPrivate
	})
	assert.ErrorIs(t, err, ErrContentPrivate)
	assert.Equal(t, 1, calls)
}

func TestWithRetryBackoffStopsOnCancelledContext(t *testing.T) {
	r := NewResolver(testLogger(), time.Second) // real context-aware sleep

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls int
	start := time.Now()
	err := r.withRetry(ctx, "op", func() error {
		calls++
		return assert.AnError
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
	assert.Less(t, time.Since(start), backoffBase, "cancelled context must not wait out the backoff")
}
