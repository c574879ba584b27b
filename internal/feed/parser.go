package feed

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/mmcdole/gofeed/atom"
	"github.com/mmcdole/gofeed/rss"
	"golang.org/x/net/html/charset"

	"github.com/pders01/feedtree/internal/debuglog"
	"github.com/pders01/feedtree/internal/storage"
)

var (
	ErrBadXML            = errors.New("bad xml")
	ErrNeitherAtomNorRSS = errors.New("document is neither atom nor rss")
	ErrNoGUID            = errors.New("entry has no guid")
)

type Format int

const (
	FormatAtom Format = iota + 1
	FormatRSS
)

func (f Format) String() string {
	switch f {
	case FormatAtom:
		return "atom"
	case FormatRSS:
		return "rss"
	default:
		return "unknown"
	}
}

// Document is a parsed feed: channel-level metadata plus its entries in
// document order.
type Document struct {
	Format      Format
	Title       string
	Description string
	WebURL      string
	IconURL     string
	Entries     []storage.NewsInput
	// Skipped counts Atom entries dropped because no guid could be derived.
	Skipped int
}

type Parser struct{}

func NewParser() *Parser {
	return &Parser{}
}

// Parse reads an Atom or RSS document. feedID seeds the fallback guids of
// RSS items that have neither guid, link, nor title.
func (p *Parser) Parse(raw []byte, feedID uint32) (*Document, error) {
	format, err := sniff(raw)
	if err != nil {
		return nil, err
	}
	switch format {
	case FormatAtom:
		return p.parseAtom(raw)
	default:
		return p.parseRSS(raw, feedID)
	}
}

// sniff decides the format from the root element. An rss root counts only
// when it has a channel child.
func sniff(raw []byte) (Format, error) {
	d := xml.NewDecoder(bytes.NewReader(raw))
	d.Strict = false
	d.Entity = xml.HTMLEntity
	d.CharsetReader = charset.NewReaderLabel

	var root string
	depth := 0
	for {
		tok, err := d.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrBadXML, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			if depth == 1 {
				root = strings.ToLower(t.Name.Local)
				if root == "feed" {
					return FormatAtom, nil
				}
				if root != "rss" {
					return 0, ErrNeitherAtomNorRSS
				}
			} else if depth == 2 && strings.EqualFold(t.Name.Local, "channel") {
				return FormatRSS, nil
			}
		case xml.EndElement:
			depth--
			if depth == 0 {
				return 0, fmt.Errorf("%w: rss document has no channel", ErrBadXML)
			}
		}
	}
	if root == "" {
		return 0, fmt.Errorf("%w: document has no root element", ErrBadXML)
	}
	return 0, fmt.Errorf("%w: unexpected end of document", ErrBadXML)
}

func (p *Parser) parseAtom(raw []byte) (*Document, error) {
	fp := &atom.Parser{}
	af, err := fp.Parse(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadXML, err)
	}

	doc := &Document{
		Format:      FormatAtom,
		Title:       strings.TrimSpace(af.Title),
		Description: strings.TrimSpace(af.Subtitle),
		WebURL:      pickAtomWebURL(af.Links),
		IconURL:     strings.TrimSpace(af.Icon),
	}
	if doc.IconURL == "" {
		doc.IconURL = strings.TrimSpace(af.Logo)
	}

	for i, entry := range af.Entries {
		news, err := atomEntry(entry)
		if err != nil {
			debuglog.Warnf("Skipping atom entry %d: %v", i, err)
			doc.Skipped++
			continue
		}
		doc.Entries = append(doc.Entries, news)
	}
	return doc, nil
}

func atomEntry(e *atom.Entry) (storage.NewsInput, error) {
	news := storage.NewsInput{
		Title:  strings.TrimSpace(e.Title),
		WebURL: pickAtomWebURL(e.Links),
	}

	news.Updated = unixOrZero(e.UpdatedParsed)
	news.Published = unixOrZero(e.PublishedParsed)
	if news.Published == 0 {
		news.Published = news.Updated
	}
	if news.Updated == 0 {
		news.Updated = news.Published
	}

	switch {
	case strings.TrimSpace(e.ID) != "":
		news.GUID = strings.TrimSpace(e.ID)
	case news.WebURL != "":
		news.GUID = news.WebURL
	case news.Title != "":
		news.GUID = news.Title
	case news.Published != 0:
		news.GUID = strconv.FormatInt(news.Published, 10)
	default:
		return news, ErrNoGUID
	}

	if e.Content != nil {
		news.Text = strings.TrimSpace(e.Content.Value)
	}
	if news.Text == "" {
		news.Text = strings.TrimSpace(e.Summary)
	}

	for _, person := range e.Authors {
		if person == nil {
			continue
		}
		news.Authors = append(news.Authors, storage.Author{Name: person.Name, Email: person.Email, URI: person.URI})
	}
	for _, link := range e.Links {
		if link == nil || link.Rel != "enclosure" {
			continue
		}
		news.Enclosures = append(news.Enclosures, storage.Enclosure{
			Type: link.Type,
			URL:  link.Href,
			Size: parseSize(link.Length),
		})
	}
	return news, nil
}

// pickAtomWebURL prefers an alternate text/html link, then any alternate
// link, then whatever link comes first.
func pickAtomWebURL(links []*atom.Link) string {
	var alternate, first string
	for _, link := range links {
		if link == nil || link.Href == "" {
			continue
		}
		if first == "" {
			first = link.Href
		}
		if link.Rel == "alternate" || link.Rel == "" {
			if link.Type == "text/html" {
				return strings.TrimSpace(link.Href)
			}
			if alternate == "" {
				alternate = link.Href
			}
		}
	}
	if alternate != "" {
		return strings.TrimSpace(alternate)
	}
	return strings.TrimSpace(first)
}

func (p *Parser) parseRSS(raw []byte, feedID uint32) (*Document, error) {
	fp := &rss.Parser{}
	rf, err := fp.Parse(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadXML, err)
	}

	doc := &Document{
		Format:      FormatRSS,
		Title:       strings.TrimSpace(rf.Title),
		Description: strings.TrimSpace(rf.Description),
		WebURL:      strings.TrimSpace(rf.Link),
	}
	if rf.Image != nil {
		doc.IconURL = strings.TrimSpace(rf.Image.URL)
	}

	for i, item := range rf.Items {
		news, err := rssItem(item, feedID)
		if err != nil {
			return nil, fmt.Errorf("rss item %d: %w", i, err)
		}
		doc.Entries = append(doc.Entries, news)
	}
	return doc, nil
}

func rssItem(item *rss.Item, feedID uint32) (storage.NewsInput, error) {
	news := storage.NewsInput{
		Title:       strings.TrimSpace(item.Title),
		Text:        strings.TrimSpace(item.Description),
		CommentsURL: strings.TrimSpace(item.Comments),
	}

	var guid string
	if item.GUID != nil {
		guid = strings.TrimSpace(item.GUID.Value)
	}

	news.WebURL = strings.TrimSpace(item.Link)
	if news.WebURL == "" && item.GUID != nil && isPermalink(item.GUID.IsPermalink) {
		news.WebURL = guid
	}
	if !strings.Contains(news.WebURL, "://") {
		news.WebURL = ""
	}

	news.Published = unixOrZero(item.PubDateParsed)
	if news.Published == 0 && strings.TrimSpace(item.PubDate) != "" {
		debuglog.Debugf("Unparseable pubDate %q", item.PubDate)
	}
	news.Updated = news.Published

	switch {
	case guid != "":
		news.GUID = guid
	case news.WebURL != "":
		news.GUID = news.WebURL
	case news.Title != "":
		news.GUID = fmt.Sprintf("%d_%s", feedID, news.Title)
	case news.Published != 0:
		news.GUID = fmt.Sprintf("%d_%d", feedID, news.Published)
	default:
		return news, ErrNoGUID
	}

	if author := strings.TrimSpace(item.Author); author != "" {
		news.Authors = []storage.Author{{Name: author}}
	}
	if e := item.Enclosure; e != nil {
		news.Enclosures = []storage.Enclosure{{Type: e.Type, URL: e.URL, Size: parseSize(e.Length)}}
	}
	return news, nil
}

// isPermalink follows RSS 2.0, where a guid without the attribute is a
// permalink.
func isPermalink(attr string) bool {
	attr = strings.TrimSpace(attr)
	return attr == "" || strings.EqualFold(attr, "true")
}

func unixOrZero(t *time.Time) int64 {
	if t == nil || t.IsZero() {
		return 0
	}
	return t.Unix()
}

func parseSize(s string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
