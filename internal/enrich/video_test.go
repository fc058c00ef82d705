package enrich

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseVideoURL(t *testing.T) {
	cases := []struct {
		name     string
		url      string
		platform string
		videoID  string
	}{
		{"youtube watch", "https://www.youtube.com/watch?v=dQw4w9WgXcQ", PlatformYouTube, "dQw4w9WgXcQ"},
		{"youtube watch extra params", "https://youtube.com/watch?t=42&v=dQw4w9WgXcQ", PlatformYouTube, "dQw4w9WgXcQ"},
		{"youtube short link", "https://youtu.be/dQw4w9WgXcQ", PlatformYouTube, "dQw4w9WgXcQ"},
		{"youtube embed", "https://www.youtube.com/embed/dQw4w9WgXcQ", PlatformYouTube, "dQw4w9WgXcQ"},
		{"youtube shorts", "https://www.youtube.com/shorts/dQw4w9WgXcQ", PlatformYouTube, "dQw4w9WgXcQ"},
		{"vimeo", "https://vimeo.com/123456789", PlatformVimeo, "123456789"},
		{"vimeo video path", "https://vimeo.com/video/123456789", PlatformVimeo, "123456789"},
		{"brightcove player", "https://players.brightcove.net/1234567890/abc_default/index.html?videoId=6301573784001", PlatformBrightcove, "6301573784001"},
		{"brightcove short", "https://bcove.video/2OzJkkE", PlatformBrightcove, "2OzJkkE"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ref, err := ParseVideoURL(tc.url)
			require.NoError(t, err)
			assert.Equal(t, tc.platform, ref.Platform)
			assert.Equal(t, tc.videoID, ref.VideoID)
			assert.Equal(t, tc.url, ref.URL)
		})
	}
}

func TestParseVideoURLRejectsNonVideo(t *testing.T) {
	for _, url := range []string{
		"",
		"https://support.example.com/manual.pdf",
		"https://example.com/watch?v=abc",
		"https://vimeo.com/about",
	} {
		_, err := ParseVideoURL(url)
		assert.ErrorIs(t, err, ErrNotVideo, "url %q", url)
	}
}

func TestIsVideoURL(t *testing.T) {
	assert.True(t, IsVideoURL("https://youtu.be/dQw4w9WgXcQ"))
	assert.False(t, IsVideoURL("https://example.com/page"))
}
