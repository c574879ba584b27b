package media

import (
	"errors"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pders01/feedtree/internal/config"
)

func TestDetect(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		mimeType string
		expected Type
	}{
		{name: "MP4 video", url: "http://example.com/video.mp4", expected: TypeVideo},
		{name: "YouTube URL", url: "https://www.youtube.com/watch?v=abc123", expected: TypeVideo},
		{name: "YouTube short URL", url: "https://youtu.be/abc123", expected: TypeVideo},
		{name: "Twitch URL", url: "https://www.twitch.tv/stream", expected: TypeVideo},
		{name: "JPEG image", url: "http://example.com/photo.jpg", expected: TypeImage},
		{name: "MP3 audio", url: "http://example.com/song.mp3", expected: TypeAudio},
		{name: "PDF with query", url: "http://example.com/doc.pdf?version=2", expected: TypePDF},
		{name: "Dot in query only", url: "http://example.com/resource?f=a.mp3", expected: TypeUnknown},
		{name: "HTML page", url: "http://example.com/page.html", expected: TypeUnknown},
		{name: "No extension", url: "http://example.com/resource", expected: TypeUnknown},
		{name: "Uppercase PDF", url: "http://example.com/DOCUMENT.PDF", expected: TypePDF},
		{name: "Podcast enclosure", url: "http://example.com/episode", mimeType: "audio/mpeg", expected: TypeAudio},
		{name: "MIME wins", url: "http://example.com/cover.jpg", mimeType: "video/mp4", expected: TypeVideo},
		{name: "Unknown MIME", url: "http://example.com/a.png", mimeType: "application/octet-stream", expected: TypeImage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Detect(tt.url, tt.mimeType))
		})
	}
}

func fakeLauncher(cfg config.MediaConfig, installed ...string) *Launcher {
	l := &Launcher{
		players: map[Type]string{},
		lookPath: func(name string) (string, error) {
			for _, i := range installed {
				if i == name {
					return "/usr/bin/" + name, nil
				}
			}
			return "", exec.ErrNotFound
		},
	}
	l.configure(cfg)
	return l
}

func TestLauncher_Command(t *testing.T) {
	cfg := config.MediaConfig{
		DefaultOpener: "open -g",
		Video:         []string{"iina", "mpv"},
		Image:         []string{"imv"},
	}
	l := fakeLauncher(cfg, "mpv")

	cmd, typ := l.Command("https://example.com/v.webm", "")
	assert.Equal(t, TypeVideo, typ)
	assert.Equal(t, []string{"mpv", "--force-window=immediate", "https://example.com/v.webm"}, cmd.Args)

	cmd, typ = l.Command("https://example.com/cat.png", "")
	assert.Equal(t, TypeImage, typ)
	assert.Equal(t, []string{"open", "-g", "https://example.com/cat.png"}, cmd.Args, "imv is not installed")

	cmd, _ = l.Command("https://example.com/post", "")
	assert.Equal(t, []string{"open", "-g", "https://example.com/post"}, cmd.Args)
}

func TestLauncher_PlatformOpener(t *testing.T) {
	l := fakeLauncher(config.MediaConfig{})
	assert.NotEmpty(t, l.opener)
	assert.Equal(t, []string{"xdg-open"}, DefaultOpener("linux"))
	assert.Equal(t, []string{"open"}, DefaultOpener("darwin"))
	assert.Equal(t, "rundll32", DefaultOpener("windows")[0])
}

func TestLauncher_Open(t *testing.T) {
	l := fakeLauncher(config.MediaConfig{DefaultOpener: "true"})
	var started []string
	l.start = func(cmd *exec.Cmd) error {
		started = cmd.Args
		return nil
	}
	require.NoError(t, l.Open("https://example.com/post", ""))
	assert.Equal(t, []string{"true", "https://example.com/post"}, started)

	assert.Error(t, l.Open("", ""))

	l.start = func(*exec.Cmd) error { return errors.New("no display") }
	err := l.Open("https://example.com/post", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to start true")
}

func TestTypeString(t *testing.T) {
	assert.Equal(t, "audio", TypeAudio.String())
	assert.Equal(t, "unknown", Type(42).String())
}
