// Package enrich resolves metadata for external media referenced by
// documents. Video URLs are recognized for YouTube, Vimeo and Brightcove;
// YouTube and Vimeo metadata is fetched from their public oEmbed endpoints,
// Brightcove playback requires account credentials and is flagged instead.
package enrich

import (
	"errors"
	"regexp"
	"strings"
)

// Platform names as stored on video rows.
const (
	PlatformYouTube    = "youtube"
	PlatformVimeo      = "vimeo"
	PlatformBrightcove = "brightcove"
)

// ErrNotVideo reports a URL that does not point at a known video platform.
var ErrNotVideo = errors.New("url does not reference a known video platform")

// VideoRef identifies a video on its hosting platform.
type VideoRef struct {
	URL      string
	Platform string
	VideoID  string
}

var youtubePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)youtube\.com/watch\?(?:[^#\s]*&)?v=([A-Za-z0-9_-]{6,})`),
	regexp.MustCompile(`(?i)youtu\.be/([A-Za-z0-9_-]{6,})`),
	regexp.MustCompile(`(?i)youtube\.com/(?:embed|shorts|v)/([A-Za-z0-9_-]{6,})`),
}

var vimeoPattern = regexp.MustCompile(`(?i)vimeo\.com/(?:video/)?(\d{6,})`)

var brightcovePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)players\.brightcove\.net/\d+/[^\s?]*\?[^\s]*videoId=(\d+)`),
	regexp.MustCompile(`(?i)bcove\.video/([A-Za-z0-9]+)`),
}

// ParseVideoURL classifies a URL by platform and extracts the video ID.
// Returns ErrNotVideo when the URL belongs to none of the known platforms.
func ParseVideoURL(raw string) (*VideoRef, error) {
	url := strings.TrimSpace(raw)
	if url == "" {
		return nil, ErrNotVideo
	}

	for _, re := range youtubePatterns {
		if m := re.FindStringSubmatch(url); m != nil {
			return &VideoRef{URL: url, Platform: PlatformYouTube, VideoID: m[1]}, nil
		}
	}
	if m := vimeoPattern.FindStringSubmatch(url); m != nil {
		return &VideoRef{URL: url, Platform: PlatformVimeo, VideoID: m[1]}, nil
	}
	for _, re := range brightcovePatterns {
		if m := re.FindStringSubmatch(url); m != nil {
			return &VideoRef{URL: url, Platform: PlatformBrightcove, VideoID: m[1]}, nil
		}
	}
	return nil, ErrNotVideo
}

// IsVideoURL reports whether a URL points at a known video platform.
func IsVideoURL(raw string) bool {
	_, err := ParseVideoURL(raw)
	return err == nil
}
