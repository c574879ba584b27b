// Package media opens news links and enclosures in external programs.
package media

import (
	"mime"
	"net/url"
	"path"
	"strings"
)

type Type int

const (
	TypeUnknown Type = iota
	TypeVideo
	TypeAudio
	TypeImage
	TypePDF
)

func (t Type) String() string {
	switch t {
	case TypeVideo:
		return "video"
	case TypeAudio:
		return "audio"
	case TypeImage:
		return "image"
	case TypePDF:
		return "pdf"
	}
	return "unknown"
}

var extensions = map[string]Type{
	"mp4": TypeVideo, "webm": TypeVideo, "mkv": TypeVideo, "avi": TypeVideo, "mov": TypeVideo, "m4v": TypeVideo,
	"mp3": TypeAudio, "ogg": TypeAudio, "opus": TypeAudio, "wav": TypeAudio, "flac": TypeAudio, "m4a": TypeAudio, "aac": TypeAudio,
	"jpg": TypeImage, "jpeg": TypeImage, "png": TypeImage, "gif": TypeImage, "webp": TypeImage, "bmp": TypeImage, "svg": TypeImage,
	"pdf": TypePDF,
}

// videoHosts serve pages that a video player can stream directly.
var videoHosts = []string{"youtube.com", "youtu.be", "vimeo.com", "twitch.tv"}

// Detect classifies a link by its declared MIME type, then by the
// extension of its path, then by well-known video hosts.
func Detect(rawURL, mimeType string) Type {
	if t := fromMIME(mimeType); t != TypeUnknown {
		return t
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return TypeUnknown
	}
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(u.Path)), ".")
	if t, ok := extensions[ext]; ok {
		return t
	}
	host := strings.ToLower(u.Hostname())
	for _, h := range videoHosts {
		if host == h || strings.HasSuffix(host, "."+h) {
			return TypeVideo
		}
	}
	return TypeUnknown
}

func fromMIME(mimeType string) Type {
	mt, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return TypeUnknown
	}
	switch {
	case strings.HasPrefix(mt, "video/"):
		return TypeVideo
	case strings.HasPrefix(mt, "audio/"):
		return TypeAudio
	case strings.HasPrefix(mt, "image/"):
		return TypeImage
	case mt == "application/pdf":
		return TypePDF
	}
	return TypeUnknown
}
