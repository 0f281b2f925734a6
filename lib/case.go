package lib

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Case is the structured record extracted from a single post.
type Case struct {
	SourceURL   string   `json:"sourceUrl"`
	FetchedAt   string   `json:"fetchedAt"`
	Author      *Author  `json:"author,omitempty"`
	Text        string   `json:"text"`
	TweetText   string   `json:"tweetText"`
	PromptText  string   `json:"promptText"`
	Images      []string `json:"images"`
	Links       []string `json:"links"`
	Timestamp   string   `json:"timestamp,omitempty"`
	RawMarkdown string   `json:"rawMarkdown"`
}

// isoTimeLayout matches JavaScript's Date.toISOString.
const isoTimeLayout = "2006-01-02T15:04:05.000Z07:00"

// FormatFetchedAt renders t as an ISO-8601 UTC string with millisecond precision.
func FormatFetchedAt(t time.Time) string {
	return t.UTC().Format(isoTimeLayout)
}

// ToJSON converts the Case to a JSON string, indented with two spaces when indent is true.
func (c *Case) ToJSON(indent bool) (string, error) {
	return marshalJSON(c, indent)
}

// CasesToJSON renders cases as an indented JSON array.
func CasesToJSON(cases []Case) (string, error) {
	if cases == nil {
		cases = []Case{}
	}
	return marshalJSON(cases, true)
}

// marshalJSON encodes v without HTML escaping so URLs keep a literal "&".
func marshalJSON(v interface{}, indent bool) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if indent {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

// FileName returns a stable file name for the case, e.g. "jack_20.json".
func (c *Case) FileName() string {
	normalized := strings.TrimPrefix(c.SourceURL, "https://")
	if handle, id, ok := ParseStatusPath(normalized); ok {
		return fmt.Sprintf("%s_%s.json", handle, id)
	}
	name := strings.Trim(strings.NewReplacer("/", "_", ".", "_").Replace(normalized), "_")
	return name + ".json"
}

// WriteToFile writes the Case as indented JSON to path, creating parent directories.
func (c *Case) WriteToFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	content, err := c.ToJSON(true)
	if err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content+"\n"), 0644)
}
