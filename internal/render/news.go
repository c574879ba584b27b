package render

import (
	"fmt"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/charmbracelet/glamour"

	"github.com/pders01/feedtree/internal/storage"
)

// NewsRenderer turns news bodies into styled terminal text.
type NewsRenderer struct {
	renderer *glamour.TermRenderer
	width    int
}

// NewNewsRenderer builds a renderer wrapping at a readable share of width.
// An empty style picks one from the terminal background; "notty" renders
// plain text.
func NewNewsRenderer(width int, style string) (*NewsRenderer, error) {
	wrap := wrapWidth(width)
	styleOpt := glamour.WithAutoStyle()
	if style != "" {
		styleOpt = glamour.WithStandardStyle(style)
	}
	r, err := glamour.NewTermRenderer(styleOpt, glamour.WithWordWrap(wrap))
	if err != nil {
		return nil, fmt.Errorf("creating renderer: %w", err)
	}
	return &NewsRenderer{renderer: r, width: wrap}, nil
}

func wrapWidth(width int) int {
	if width <= 0 {
		return 80
	}
	if width < 50 {
		return max(width-4, 20)
	}
	return min(max(width*9/10, 40), 120)
}

// Render draws the news as a markdown document.
func (nr *NewsRenderer) Render(n NewsView) (string, error) {
	md, err := Markdown(n)
	if err != nil {
		return "", err
	}
	out, err := nr.renderer.Render(md)
	if err != nil {
		return "", fmt.Errorf("rendering news %d: %w", n.ID, err)
	}
	return out, nil
}

// NewsView is the subset of a news row that is rendered.
type NewsView struct {
	ID        uint32
	Title     string
	FeedName  string
	WebURL    string
	Published int64
	Authors   []string
	Text      string
}

// ViewOf picks the rendered fields out of a news row.
func ViewOf(d storage.NewsData, feedName string) NewsView {
	v := NewsView{
		ID:        d.ID,
		Title:     d.Title,
		FeedName:  feedName,
		WebURL:    d.WebURL,
		Published: d.Published,
		Text:      d.Text,
	}
	for _, a := range d.Authors {
		switch {
		case a.Name != "":
			v.Authors = append(v.Authors, a.Name)
		case a.Email != "":
			v.Authors = append(v.Authors, a.Email)
		}
	}
	return v
}

// Markdown converts the news into a markdown document: a heading, a line
// of metadata and the body converted from HTML.
func Markdown(n NewsView) (string, error) {
	var b strings.Builder
	title := n.Title
	if title == "" {
		title = "(untitled)"
	}
	fmt.Fprintf(&b, "# %s\n\n", title)

	var meta []string
	if n.FeedName != "" {
		meta = append(meta, n.FeedName)
	}
	if n.Published > 0 {
		meta = append(meta, time.Unix(n.Published, 0).UTC().Format("2006-01-02 15:04"))
	}
	if len(n.Authors) > 0 {
		meta = append(meta, strings.Join(n.Authors, ", "))
	}
	if len(meta) > 0 {
		fmt.Fprintf(&b, "*%s*\n\n", strings.Join(meta, " · "))
	}
	if n.WebURL != "" {
		fmt.Fprintf(&b, "<%s>\n\n", n.WebURL)
	}

	if strings.TrimSpace(n.Text) != "" {
		body, err := htmltomarkdown.ConvertString(n.Text)
		if err != nil {
			return "", fmt.Errorf("converting news %d body: %w", n.ID, err)
		}
		b.WriteString("---\n\n")
		b.WriteString(strings.TrimSpace(body))
		b.WriteString("\n")
	}
	return b.String(), nil
}
