package twitter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// The embed mirror serves post pages with media URLs in plain meta tags,
// reachable without any credential when fetched with a crawler user agent.
const (
	embedMirrorBase = "https://fxtwitter.com"
	crawlerUA       = "Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)"
)

// resolveEmbed is tier 3: fetch the embed-friendly HTML mirror of the post
// and pull a video URL out of its markup.
func (r *Resolver) resolveEmbed(ctx context.Context, postID string) ([]MediaItem, error) {
	u := fmt.Sprintf("%s/i/status/%s", r.embedBase, postID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", crawlerUA)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embed page status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	videoURL, err := ExtractVideoFromHTML(body)
	if err != nil {
		return nil, err
	}
	return []MediaItem{{
		Type:        "video",
		URL:         videoURL,
		NeedsRepair: NeedsContainerRepair(videoURL),
	}}, nil
}

// ExtractVideoFromHTML finds a video URL in an embed page. Sources are tried
// in order of reliability; the first match wins.
func ExtractVideoFromHTML(page []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(page)))
	if err != nil {
		return "", fmt.Errorf("parse embed html: %w", err)
	}

	if v, ok := metaContent(doc, `meta[property="og:video"]`); ok {
		return v, nil
	}
	if v, ok := metaContent(doc, `meta[name="twitter:player:stream"]`); ok {
		return v, nil
	}
	if v, ok := doc.Find("video[src]").First().Attr("src"); ok && v != "" {
		return v, nil
	}
	if v := videoFromJSONLD(doc); v != "" {
		return v, nil
	}

	return "", fmt.Errorf("%w: no video url in embed page", ErrContentUnavailable)
}

func metaContent(doc *goquery.Document, selector string) (string, bool) {
	v, ok := doc.Find(selector).First().Attr("content")
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// videoFromJSONLD pulls contentUrl/videoUrl out of embedded structured data.
func videoFromJSONLD(doc *goquery.Document) string {
	var found string
	doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		var data map[string]any
		if err := json.Unmarshal([]byte(s.Text()), &data); err != nil {
			return true
		}
		for _, key := range []string{"contentUrl", "videoUrl"} {
			if v, ok := data[key].(string); ok && v != "" {
				found = v
				return false
			}
		}
		return true
	})
	return found
}
