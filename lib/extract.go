package lib

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// MaxMediaSize is the value of the "name" query parameter that asks pbs.twimg.com for the largest rendition.
const MaxMediaSize = "4096x4096"

var (
	setextUnderlineRe = regexp.MustCompile(`^(?:=+|-+)$`)
	atxHeadingRe      = regexp.MustCompile(`^#{1,6}\s+(.+?)\s*#*$`)

	imageLineRe    = regexp.MustCompile(`^\[?!\[`)
	authorLineRe   = regexp.MustCompile(`^(?:\[[^\]]*\]\(https?://(?:www\.)?(?:x|twitter)\.com/[A-Za-z0-9_]{1,15}/?\)\s*·?\s*)+$`)
	timestampRe    = regexp.MustCompile(`(\d{1,2}:\d{2}\s*[AaPp][Mm]\s*·\s*[A-Z][a-z]{2,8}\.? \d{1,2}, \d{4})`)
	timestampLine  = regexp.MustCompile(`^\[?\d{1,2}:\d{2}\s*[AaPp][Mm]\s*·`)
	viewsLineRe    = regexp.MustCompile(`(?i)^\[?[\d.,]+\s*[KkMm]?\s*views?\]?(?:\([^)]*\))?$`)
	stopLineRe     = regexp.MustCompile(`(?i)^(?:quote|post your reply|read \d+ repl(?:y|ies)|show (?:more )?replies|new to x\?|relevant people)$`)
	skipLineRe     = regexp.MustCompile(`(?i)^(?:show more|translate post|see new posts)$`)
	markdownImgRe  = regexp.MustCompile(`!\[[^\]]*\]\([^)]*\)`)
	markdownLinkRe = regexp.MustCompile(`\[([^\]]*)\]\((https?://[^)]+)\)`)
	escapedRe      = regexp.MustCompile("\\\\([\\\\`*_{}\\[\\]()#+\\-.!|~<>])")
	whitespaceRe   = regexp.MustCompile(`\s+`)

	profileLinkRe = regexp.MustCompile(`\[([^\[\]]+)\]\(https?://(?:www\.)?(?:x|twitter)\.com/([A-Za-z0-9_]{1,15})/?\)`)
	titleAuthorRe = regexp.MustCompile(`^(.+?) on (?:X|Twitter)\s*:`)
	mediaRe       = regexp.MustCompile(`https://pbs\.twimg\.com/(?:media|ext_tw_video_thumb|amplify_video_thumb|tweet_video_thumb)/[^\s)"'\]]+`)
	promptRe      = regexp.MustCompile(`(?i)\bprompts?\b\s*[:：\-–—]*\s*`)
)

// reservedPaths are x.com paths that look like profile links but are not users.
var reservedPaths = map[string]bool{
	"home": true, "explore": true, "i": true, "search": true, "settings": true,
	"messages": true, "notifications": true, "compose": true, "login": true,
	"signup": true, "tos": true, "privacy": true, "hashtag": true, "intent": true,
	"share": true, "download": true,
}

// Author identifies who wrote a post.
type Author struct {
	Name       string `json:"name"`
	ProfileURL string `json:"profileUrl"`
	Handle     string `json:"handle"`
}

// splitLines splits markdown into lines with trailing whitespace removed.
func splitLines(markdown string) []string {
	lines := strings.Split(markdown, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t\r")
	}
	return lines
}

// findHeading returns the index of the first line after a heading named name
// (setext or ATX), or -1.
func findHeading(lines []string, name string) int {
	for i, line := range lines {
		t := strings.TrimSpace(line)
		if m := atxHeadingRe.FindStringSubmatch(t); m != nil && strings.EqualFold(m[1], name) {
			return i + 1
		}
		if !strings.EqualFold(t, name) {
			continue
		}
		if i+1 < len(lines) && setextUnderlineRe.MatchString(strings.TrimSpace(lines[i+1])) {
			return i + 2
		}
		return i + 1
	}
	return -1
}

// postSectionStart locates the first line of the post, preferring the
// "Conversation" heading over the "Post" heading.
func postSectionStart(lines []string) int {
	if start := findHeading(lines, "conversation"); start >= 0 {
		return start
	}
	return findHeading(lines, "post")
}

// isSectionBreak reports whether lines[i] starts another setext or ATX heading.
func isSectionBreak(lines []string, i int) bool {
	t := strings.TrimSpace(lines[i])
	if atxHeadingRe.MatchString(t) {
		return true
	}
	return i+1 < len(lines) && !setextUnderlineRe.MatchString(t) && setextUnderlineRe.MatchString(strings.TrimSpace(lines[i+1]))
}

// postBodyLines returns the raw markdown lines making up the post body, or nil.
func postBodyLines(markdown string) []string {
	lines := splitLines(markdown)
	start := postSectionStart(lines)
	if start < 0 {
		return nil
	}

	var body []string
	inBody := false
	for i := start; i < len(lines); i++ {
		t := strings.TrimSpace(lines[i])
		if t == "" {
			if inBody {
				body = append(body, "")
			}
			continue
		}
		if stopLineRe.MatchString(t) || timestampLine.MatchString(t) || viewsLineRe.MatchString(t) {
			break
		}
		if inBody && isSectionBreak(lines, i) {
			break
		}
		if imageLineRe.MatchString(t) || skipLineRe.MatchString(t) {
			continue
		}
		if !inBody && authorLineRe.MatchString(markdownImgRe.ReplaceAllString(t, "")) {
			continue
		}
		inBody = true
		body = append(body, lines[i])
	}
	return body
}

// cleanMarkdown strips images and link syntax from markdown and collapses whitespace.
func cleanMarkdown(s string) string {
	s = markdownImgRe.ReplaceAllString(s, "")
	s = markdownLinkRe.ReplaceAllString(s, "$1")
	s = escapedRe.ReplaceAllString(s, "$1")
	s = whitespaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// ExtractPostText returns the cleaned body of the post, or "" when the markdown
// has no recognizable post section.
func ExtractPostText(markdown string) string {
	body := postBodyLines(markdown)
	if len(body) == 0 {
		return ""
	}
	return cleanMarkdown(strings.Join(body, "\n"))
}

// ExtractAuthor returns the post author found in the profile links that
// precede the post body, or nil.
func ExtractAuthor(markdown string) *Author {
	lines := splitLines(markdown)
	scope := markdown
	if start := postSectionStart(lines); start >= 0 {
		scope = strings.Join(lines[start:], "\n")
	}

	type link struct{ label, handle string }
	var named, mentions []link
	for _, m := range profileLinkRe.FindAllStringSubmatch(markdownImgRe.ReplaceAllString(scope, ""), -1) {
		handle := m[2]
		if reservedPaths[strings.ToLower(handle)] {
			continue
		}
		label := strings.TrimSpace(escapedRe.ReplaceAllString(m[1], "$1"))
		if label == "" {
			continue
		}
		if strings.HasPrefix(label, "@") {
			mentions = append(mentions, link{label: handle, handle: handle})
			continue
		}
		named = append(named, link{label: label, handle: handle})
	}

	for _, n := range named {
		for _, h := range mentions {
			if strings.EqualFold(n.handle, h.handle) {
				return newAuthor(n.label, n.handle)
			}
		}
	}
	switch {
	case len(named) > 0:
		return newAuthor(named[0].label, named[0].handle)
	case len(mentions) > 0:
		return newAuthor(mentions[0].label, mentions[0].handle)
	}
	return nil
}

// ExtractAuthorFromTitle builds an Author from a proxy title such as
// `Jane Doe on X: "..." / X` and the handle in the post URL.
func ExtractAuthorFromTitle(title string, normalized string) *Author {
	handle, _, ok := ParseStatusPath(normalized)
	if !ok {
		return nil
	}
	name := handle
	if m := titleAuthorRe.FindStringSubmatch(strings.TrimSpace(title)); m != nil {
		name = strings.TrimSpace(m[1])
	}
	return newAuthor(name, handle)
}

func newAuthor(name, handle string) *Author {
	return &Author{
		Name:       name,
		ProfileURL: "https://" + CanonicalHost + "/" + handle,
		Handle:     "@" + handle,
	}
}

// ExtractMedia returns every media URL in the markdown, upgraded to the
// largest size, without duplicates and in first-seen order.
func ExtractMedia(markdown string) []string {
	images := []string{}
	seen := make(map[string]bool)
	for _, raw := range mediaRe.FindAllString(markdown, -1) {
		upgraded := upgradeMediaURL(raw)
		if seen[upgraded] {
			continue
		}
		seen[upgraded] = true
		images = append(images, upgraded)
	}
	return images
}

// upgradeMediaURL sets the "name" query parameter to MaxMediaSize in place,
// keeping the order of the other parameters. Extra "name" parameters are
// dropped; a missing one is appended. URLs that cannot be parsed are returned
// unchanged.
func upgradeMediaURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}

	var params []string
	replaced := false
	if u.RawQuery != "" {
		for _, p := range strings.Split(u.RawQuery, "&") {
			key, _, _ := strings.Cut(p, "=")
			if k, err := url.QueryUnescape(key); err == nil && k == "name" {
				if replaced {
					continue
				}
				p = "name=" + MaxMediaSize
				replaced = true
			}
			params = append(params, p)
		}
	}
	if !replaced {
		params = append(params, "name="+MaxMediaSize)
	}
	u.RawQuery = strings.Join(params, "&")
	return u.String()
}

// ExtractTimestamp returns the post time as displayed by x.com
// (e.g. "5:12 AM · Oct 15, 2025"), falling back to the proxy's
// "Published Time" header. It returns "" when neither is present.
func ExtractTimestamp(markdown string) string {
	lines := splitLines(markdown)
	scope := markdown
	if start := postSectionStart(lines); start >= 0 {
		scope = strings.Join(lines[start:], "\n")
	}
	if m := timestampRe.FindStringSubmatch(scope); m != nil {
		return whitespaceRe.ReplaceAllString(m[1], " ")
	}
	return firstSubmatch(publishedHeaderRe, markdown)
}

// ExtractPromptText returns the part of text following the first "prompt"
// keyword that is followed by anything, or the whole text.
func ExtractPromptText(text string) string {
	for _, loc := range promptRe.FindAllStringIndex(text, -1) {
		if rest := strings.TrimSpace(text[loc[1]:]); rest != "" {
			return rest
		}
	}
	return text
}

// ExtractLinks returns the outbound link destinations of the post body.
// Links back to x.com and media links are left out.
func ExtractLinks(markdown string) []string {
	links := []string{}
	body := postBodyLines(markdown)
	if len(body) == 0 {
		return links
	}

	src := []byte(strings.Join(body, "\n"))
	doc := goldmark.New().Parser().Parse(text.NewReader(src))
	seen := make(map[string]bool)
	add := func(dest string) {
		if dest == "" || seen[dest] || !isOutboundLink(dest) {
			return
		}
		seen[dest] = true
		links = append(links, dest)
	}

	ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Link:
			add(string(node.Destination))
		case *ast.AutoLink:
			if node.AutoLinkType == ast.AutoLinkURL {
				add(string(node.URL(src)))
			}
		}
		return ast.WalkContinue, nil
	})
	return links
}

func isOutboundLink(dest string) bool {
	u, err := url.Parse(dest)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	return !supportedHosts[host] && host != "pbs.twimg.com"
}
