package lib

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Extractor turns post URLs into Cases by reading them through the proxy.
type Extractor struct {
	reader *Reader
	now    func() time.Time
}

// NewExtractor creates a new Extractor with the provided Reader.
// If the Reader is nil, a Reader over a default Fetcher will be used.
func NewExtractor(r *Reader) *Extractor {
	if r == nil {
		r = NewReader(NewFetcher())
	}
	return &Extractor{reader: r, now: time.Now}
}

// ExtractCase normalizes rawURL, reads it through the proxy and extracts a Case.
func (e *Extractor) ExtractCase(ctx context.Context, rawURL string) (Case, error) {
	if e.reader == nil || e.reader.fetcher == nil {
		return Case{}, ErrFetcherUnavailable
	}
	normalized, err := NormalizeURL(rawURL)
	if err != nil {
		return Case{}, err
	}

	page, err := e.reader.Read(ctx, normalized)
	if err != nil {
		return Case{}, fmt.Errorf("failed to read %s: %w", SourceURL(normalized), err)
	}
	return e.buildCase(normalized, page), nil
}

// buildCase runs every extractor over the page. It never fails.
func (e *Extractor) buildCase(normalized string, page *Page) Case {
	markdown := page.Markdown
	text := ExtractPostText(markdown)
	if text == "" && page.Description != "" {
		zap.L().Debug("no post section found, using page description", zap.String("url", normalized))
		text = page.Description
	}

	author := ExtractAuthor(markdown)
	if author == nil {
		author = ExtractAuthorFromTitle(page.Title, normalized)
	}

	timestamp := ExtractTimestamp(markdown)
	if timestamp == "" {
		timestamp = page.PublishedTime
	}

	c := Case{
		SourceURL:   SourceURL(normalized),
		FetchedAt:   FormatFetchedAt(e.now()),
		Author:      author,
		Text:        text,
		TweetText:   text,
		PromptText:  ExtractPromptText(text),
		Images:      ExtractMedia(markdown),
		Links:       ExtractLinks(markdown),
		Timestamp:   timestamp,
		RawMarkdown: markdown,
	}
	zap.L().Debug("extracted post",
		zap.String("url", c.SourceURL),
		zap.Bool("author", c.Author != nil),
		zap.Int("textLength", len(c.Text)),
		zap.Int("images", len(c.Images)),
	)
	return c
}

// ExtractResult is the outcome of extracting one URL in ExtractAllCases.
type ExtractResult struct {
	Url  string
	Case Case
	Err  error
}

// ExtractAllCases extracts every URL concurrently through the Fetcher's worker pool.
// URLs that fail validation are reported without being fetched.
// The returned channel is closed once every URL has a result.
func (e *Extractor) ExtractAllCases(ctx context.Context, urls []string) <-chan ExtractResult {
	ch := make(chan ExtractResult, len(urls))
	if e.reader == nil || e.reader.fetcher == nil {
		for _, u := range urls {
			ch <- ExtractResult{Url: u, Err: ErrFetcherUnavailable}
		}
		close(ch)
		return ch
	}

	endpoints := make([]string, 0, len(urls))
	byEndpoint := make(map[string][]string)
	for _, u := range urls {
		normalized, err := NormalizeURL(u)
		if err != nil {
			ch <- ExtractResult{Url: u, Err: err}
			continue
		}
		endpoint := e.reader.Endpoint(normalized)
		if _, ok := byEndpoint[endpoint]; !ok {
			endpoints = append(endpoints, endpoint)
		}
		byEndpoint[endpoint] = append(byEndpoint[endpoint], u)
	}

	go func() {
		defer close(ch)
		for res := range e.reader.fetcher.FetchURLs(ctx, endpoints) {
			raws := byEndpoint[res.Url]
			normalized, _ := NormalizeURL(raws[0])

			var c Case
			err := res.Error
			if err == nil {
				var page *Page
				page, err = e.reader.decode(res.Body)
				if err == nil {
					c = e.buildCase(normalized, page)
				}
			}
			if err != nil {
				err = fmt.Errorf("failed to read %s: %w", SourceURL(normalized), err)
			}
			for _, raw := range raws {
				ch <- ExtractResult{Url: raw, Case: c, Err: err}
			}
		}
	}()

	return ch
}
