package search

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/pders01/feedtree/internal/storage"
)

// Engine searches by scanning stored news. It needs no index and serves
// when none is configured.
type Engine struct {
	store *storage.Store
	now   func() time.Time
}

// NewEngine creates a new search engine
func NewEngine(store *storage.Store) *Engine {
	return &Engine{store: store, now: time.Now}
}

// Search scores every stored news item against the query.
func (e *Engine) Search(ctx context.Context, query string, limit int) ([]*Result, error) {
	if len(strings.TrimSpace(query)) < 2 {
		return []*Result{}, nil
	}

	terms := tokenize(query)
	if len(terms) == 0 {
		return []*Result{}, nil
	}

	news, err := e.store.ListNews(ctx, storage.NewsQuery{})
	if err != nil {
		return nil, err
	}

	var results []*Result
	for _, n := range news {
		if result := e.searchNews(n.Snapshot(), terms); result != nil {
			results = append(results, result)
		}
	}

	// Sort by relevance score (highest first)
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})

	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// searchNews scores one news row.
func (e *Engine) searchNews(d storage.NewsData, terms []string) *Result {
	var matches []Match
	var totalScore float64

	if titleScore := e.scoreField(d.Title, terms, 4.0); titleScore > 0 {
		matches = append(matches, Match{
			Field:  "title",
			Text:   d.Title,
			Weight: titleScore,
		})
		totalScore += titleScore
	}

	if textScore := e.scoreField(d.Text, terms, 1.5); textScore > 0 {
		matches = append(matches, Match{
			Field:  "text",
			Text:   e.findBestSnippet(d.Text, terms, 200),
			Weight: textScore,
		})
		totalScore += textScore
	}

	authors := make([]string, 0, len(d.Authors))
	for _, a := range d.Authors {
		authors = append(authors, a.Name)
	}
	if authorScore := e.scoreField(strings.Join(authors, " "), terms, 1.0); authorScore > 0 {
		matches = append(matches, Match{
			Field:  "authors",
			Text:   strings.Join(authors, ", "),
			Weight: authorScore,
		})
		totalScore += authorScore
	}

	if totalScore == 0 {
		return nil
	}
	if d.Published > 0 {
		totalScore *= 1.0 + e.recencyBoost(time.Unix(d.Published, 0))
	}
	return &Result{
		NewsID:  d.ID,
		FeedID:  d.FeedID,
		Title:   d.Title,
		WebURL:  d.WebURL,
		Score:   totalScore,
		Matches: matches,
	}
}

// scoreField calculates relevance score for a field
func (e *Engine) scoreField(text string, terms []string, weight float64) float64 {
	if text == "" {
		return 0
	}

	lower := strings.ToLower(text)
	words := tokenize(text)
	if len(words) == 0 {
		return 0
	}

	var score float64
	matchedTerms := 0

	for _, term := range terms {
		// Exact phrase match (highest score)
		if strings.Contains(lower, term) {
			score += 2.0
			matchedTerms++
		}

		// Word boundary matches (medium score)
		for _, word := range words {
			switch {
			case word == term:
				score += 1.5
				matchedTerms++
			case strings.HasPrefix(word, term) || strings.HasSuffix(word, term):
				score += 1.0
				matchedTerms++
			case strings.Contains(word, term):
				score += 0.5
				matchedTerms++
			}
		}
	}

	// Boost score if multiple terms match
	if len(terms) > 1 && matchedTerms > 1 {
		score *= 1.0 + float64(matchedTerms)/float64(len(terms))
	}

	tf := float64(matchedTerms) / float64(len(words))
	score *= 1.0 + math.Log(1.0+tf)

	return score * weight
}

// findBestSnippet finds the most relevant text snippet containing search terms
func (e *Engine) findBestSnippet(text string, terms []string, maxLength int) string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return ""
	}

	windowSize := maxLength / 8 // Approximate words in snippet
	if windowSize > len(words) {
		return truncate(text, maxLength)
	}

	bestScore := 0.0
	bestStart := 0
	for i := 0; i <= len(words)-windowSize; i++ {
		windowText := strings.ToLower(strings.Join(words[i:i+windowSize], " "))
		score := 0.0
		for _, term := range terms {
			if strings.Contains(windowText, term) {
				score += 1.0
			}
		}
		if score > bestScore {
			bestScore = score
			bestStart = i
		}
	}

	return truncate(strings.Join(words[bestStart:bestStart+windowSize], " "), maxLength)
}

// recencyBoost gives up to 10% to news published within the last week,
// fading linearly to nothing.
func (e *Engine) recencyBoost(published time.Time) float64 {
	const week = 7 * 24 * time.Hour
	age := e.now().Sub(published)
	if age < 0 {
		age = 0
	}
	if age >= week {
		return 0
	}
	return 0.1 * (1 - float64(age)/float64(week))
}

// tokenize breaks text into lowercase searchable terms
func tokenize(text string) []string {
	var terms []string
	current := strings.Builder{}

	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			current.WriteRune(unicode.ToLower(r))
		} else if current.Len() > 0 {
			if term := current.String(); len(term) > 1 { // Skip single chars
				terms = append(terms, term)
			}
			current.Reset()
		}
	}

	if current.Len() > 1 {
		terms = append(terms, current.String())
	}

	return terms
}

// truncate limits text length with ellipsis
func truncate(text string, maxLen int) string {
	runes := []rune(text)
	if len(runes) <= maxLen {
		return text
	}
	return string(runes[:maxLen-1]) + "…"
}
