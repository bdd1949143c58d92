package twitter

import "errors"

// Classified outcomes for a post whose media cannot be resolved. These map to
// access control, not technical faults, and callers surface them differently.
var (
	ErrContentPrivate       = errors.New("content is private")
	ErrContentAgeRestricted = errors.New("content is age-restricted")
	ErrContentUnavailable   = errors.New("content is unavailable")
)

// IsRestriction reports whether err is one of the access-control outcomes.
func IsRestriction(err error) bool {
	return errors.Is(err, ErrContentPrivate) ||
		errors.Is(err, ErrContentAgeRestricted) ||
		errors.Is(err, ErrContentUnavailable)
}

// MediaItem is one resolved media element of a post.
type MediaItem struct {
	Type        string // "photo", "video", "animated_gif"
	URL         string
	Bitrate     int
	ContentType string
	NeedsRepair bool // container-repair heuristic, advisory only
}

// tweetResult mirrors the GraphQL TweetResultByRestId response shape, reduced
// to the fields the resolver reads.
type tweetResult struct {
	Data struct {
		TweetResult struct {
			Result struct {
				Typename string `json:"__typename"`
				Reason   string `json:"reason"`
				Tweet    struct {
					Legacy legacyTweet `json:"legacy"`
				} `json:"tweet"`
				Legacy legacyTweet `json:"legacy"`
			} `json:"result"`
		} `json:"tweetResult"`
	} `json:"data"`
}

type legacyTweet struct {
	ExtendedEntities struct {
		Media []apiMedia `json:"media"`
	} `json:"extended_entities"`
}

type apiMedia struct {
	Type          string `json:"type"`
	MediaURLHTTPS string `json:"media_url_https"`
	VideoInfo     struct {
		Variants []videoVariant `json:"variants"`
	} `json:"video_info"`
}

type videoVariant struct {
	Bitrate     int    `json:"bitrate"`
	ContentType string `json:"content_type"`
	URL         string `json:"url"`
}

// syndicationTweet mirrors the public syndication endpoint response.
type syndicationTweet struct {
	Typename      string `json:"__typename"`
	TombstoneText struct {
		Text string `json:"text"`
	} `json:"tombstone"`
	MediaDetails []apiMedia `json:"mediaDetails"`
	Video        struct {
		Variants []videoVariant `json:"variants"`
	} `json:"video"`
	Photos []struct {
		URL string `json:"url"`
	} `json:"photos"`
}
