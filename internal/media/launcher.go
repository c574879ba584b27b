package media

import (
	"fmt"
	"os/exec"
	"runtime"
	"strings"

	"github.com/pders01/feedtree/internal/config"
	"github.com/pders01/feedtree/internal/debuglog"
)

// playerArgs are passed before the url to players that need them.
var playerArgs = map[string][]string{
	"mpv": {"--force-window=immediate"},
	"vlc": {"--play-and-exit"},
	"feh": {"--scale-down", "--auto-zoom"},
}

// Launcher picks a program per media type and starts it detached.
type Launcher struct {
	players map[Type]string
	opener  []string

	lookPath func(string) (string, error)
	start    func(*exec.Cmd) error
}

// NewLauncher resolves the configured players against PATH. A type without
// an installed player falls back to the default opener.
func NewLauncher(cfg config.MediaConfig) *Launcher {
	l := &Launcher{
		players:  map[Type]string{},
		lookPath: exec.LookPath,
		start:    startDetached,
	}
	l.configure(cfg)
	return l
}

func (l *Launcher) configure(cfg config.MediaConfig) {
	l.opener = strings.Fields(cfg.DefaultOpener)
	if len(l.opener) == 0 {
		l.opener = DefaultOpener(runtime.GOOS)
	}
	for t, candidates := range map[Type][]string{
		TypeVideo: cfg.Video,
		TypeAudio: cfg.Audio,
		TypeImage: cfg.Image,
		TypePDF:   cfg.PDF,
	} {
		if p := l.findCommand(candidates); p != "" {
			l.players[t] = p
		}
	}
}

// DefaultOpener is the platform's "open with the default application".
func DefaultOpener(goos string) []string {
	switch goos {
	case "darwin":
		return []string{"open"}
	case "windows":
		return []string{"rundll32", "url.dll,FileProtocolHandler"}
	}
	return []string{"xdg-open"}
}

func (l *Launcher) findCommand(candidates []string) string {
	for _, c := range candidates {
		if _, err := l.lookPath(c); err == nil {
			return c
		}
	}
	return ""
}

// Command builds the command that would open rawURL.
func (l *Launcher) Command(rawURL, mimeType string) (*exec.Cmd, Type) {
	t := Detect(rawURL, mimeType)
	if player, ok := l.players[t]; ok {
		args := append(append([]string(nil), playerArgs[player]...), rawURL)
		return exec.Command(player, args...), t
	}
	args := append(append([]string(nil), l.opener[1:]...), rawURL)
	return exec.Command(l.opener[0], args...), t
}

// Open starts the program for rawURL without waiting for it to exit.
func (l *Launcher) Open(rawURL, mimeType string) error {
	if rawURL == "" {
		return fmt.Errorf("nothing to open")
	}
	cmd, t := l.Command(rawURL, mimeType)
	debuglog.Debugf("Opening %s as %s with %s", rawURL, t, cmd.Path)
	if err := l.start(cmd); err != nil {
		return fmt.Errorf("failed to start %s: %w", cmd.Args[0], err)
	}
	return nil
}

func startDetached(cmd *exec.Cmd) error {
	if err := cmd.Start(); err != nil {
		return err
	}
	go func() {
		_ = cmd.Wait()
	}()
	return nil
}
