package lib

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"github.com/buger/jsonparser"
	"github.com/k3a/html2text"
	"go.uber.org/zap"
)

// DefaultEndpoint is the markdown-rendering proxy every post URL is appended to.
const DefaultEndpoint = "https://r.jina.ai/"

// ReturnFormat selects what the proxy sends back.
type ReturnFormat string

const (
	FormatMarkdown ReturnFormat = "markdown" // plain markdown with a short metadata header
	FormatJSON     ReturnFormat = "json"     // {"data":{"content":...}} envelope
	FormatHTML     ReturnFormat = "html"     // rendered page HTML, converted locally
)

// ParseReturnFormat validates a user supplied format name.
func ParseReturnFormat(s string) (ReturnFormat, error) {
	switch f := ReturnFormat(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatMarkdown, FormatJSON, FormatHTML:
		return f, nil
	case "", "md":
		return FormatMarkdown, nil
	default:
		return "", fmt.Errorf("unknown format: %s", s)
	}
}

var (
	titleHeaderRe     = regexp.MustCompile(`(?m)^Title:\s*(.+?)\s*$`)
	publishedHeaderRe = regexp.MustCompile(`(?m)^Published Time:\s*(.+?)\s*$`)
)

// Page is the proxy's rendering of a post.
type Page struct {
	// Markdown is the proxy response body, or the markdown converted from it in html mode.
	Markdown      string
	Title         string
	PublishedTime string
	// Description is only filled in html mode, from the page's meta description.
	Description string
}

// Reader retrieves posts through the markdown-rendering proxy.
type Reader struct {
	fetcher  *Fetcher
	endpoint string
	format   ReturnFormat
	apiKey   string
}

// ReaderOption configures a Reader.
type ReaderOption func(*Reader)

// WithEndpoint overrides the proxy endpoint.
func WithEndpoint(endpoint string) ReaderOption {
	return func(r *Reader) {
		if endpoint != "" {
			r.endpoint = endpoint
		}
	}
}

// WithReturnFormat selects the proxy response format.
func WithReturnFormat(format ReturnFormat) ReaderOption {
	return func(r *Reader) {
		if format != "" {
			r.format = format
		}
	}
}

// WithAPIKey authenticates proxy requests with a bearer token.
func WithAPIKey(key string) ReaderOption {
	return func(r *Reader) {
		r.apiKey = strings.TrimSpace(key)
	}
}

// NewReader creates a Reader on top of f. The format and auth headers are added to f.
func NewReader(f *Fetcher, opts ...ReaderOption) *Reader {
	r := &Reader{fetcher: f, endpoint: DefaultEndpoint, format: FormatMarkdown}
	for _, opt := range opts {
		opt(r)
	}
	if f != nil {
		switch r.format {
		case FormatJSON:
			f.Header.Set("Accept", "application/json")
		case FormatHTML:
			f.Header.Set("X-Return-Format", "html")
		}
		if r.apiKey != "" {
			f.Header.Set("Authorization", "Bearer "+r.apiKey)
		}
	}
	return r
}

// Endpoint returns the proxy URL used to read the given normalized post URL.
func (r *Reader) Endpoint(normalized string) string {
	endpoint := r.endpoint
	if !strings.HasSuffix(endpoint, "/") {
		endpoint += "/"
	}
	return endpoint + SourceURL(normalized)
}

// Read fetches a normalized post URL through the proxy.
func (r *Reader) Read(ctx context.Context, normalized string) (*Page, error) {
	if r.fetcher == nil {
		return nil, ErrFetcherUnavailable
	}
	endpoint := r.Endpoint(normalized)
	zap.L().Debug("reading post through proxy", zap.String("endpoint", endpoint), zap.String("format", string(r.format)))

	body, err := r.fetcher.FetchURL(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	return r.decode(body)
}

// decode reads and closes body, turning it into a Page according to the configured format.
func (r *Reader) decode(body io.ReadCloser) (*Page, error) {
	defer body.Close()
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("failed to read proxy response: %w", err)
	}

	switch r.format {
	case FormatJSON:
		return decodeJSON(data)
	case FormatHTML:
		return decodeHTML(data)
	default:
		return decodeMarkdown(data), nil
	}
}

func decodeMarkdown(data []byte) *Page {
	content := string(data)
	return &Page{
		Markdown:      content,
		Title:         firstSubmatch(titleHeaderRe, content),
		PublishedTime: firstSubmatch(publishedHeaderRe, content),
	}
}

func decodeJSON(data []byte) (*Page, error) {
	p := &Page{}
	fields := []struct {
		dst  *string
		path []string
	}{
		{&p.Markdown, []string{"data", "content"}},
		{&p.Title, []string{"data", "title"}},
		{&p.PublishedTime, []string{"data", "publishedTime"}},
	}
	for _, field := range fields {
		v, err := jsonparser.GetString(data, field.path...)
		if err != nil {
			if errors.Is(err, jsonparser.KeyPathNotFoundError) {
				continue
			}
			return nil, fmt.Errorf("failed to decode proxy JSON (%s): %w", strings.Join(field.path, "."), err)
		}
		*field.dst = v
	}
	return p, nil
}

func decodeHTML(data []byte) (*Page, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse proxy HTML: %w", err)
	}

	p := &Page{Title: strings.TrimSpace(doc.Find("title").First().Text())}
	if v, ok := doc.Find(`meta[property="article:published_time"]`).Attr("content"); ok {
		p.PublishedTime = v
	} else if v, ok := doc.Find("time[datetime]").First().Attr("datetime"); ok {
		p.PublishedTime = v
	}
	for _, sel := range []string{`meta[property="og:description"]`, `meta[name="description"]`} {
		if v, ok := doc.Find(sel).Attr("content"); ok && strings.TrimSpace(v) != "" {
			p.Description = strings.TrimSpace(html2text.HTML2Text(v))
			break
		}
	}

	converter := md.NewConverter("", true, nil)
	p.Markdown, err = converter.ConvertString(string(data))
	if err != nil {
		return nil, fmt.Errorf("failed to convert proxy HTML to markdown: %w", err)
	}
	return p, nil
}

func firstSubmatch(re *regexp.Regexp, s string) string {
	m := re.FindStringSubmatch(s)
	if m == nil {
		return ""
	}
	return m[1]
}
