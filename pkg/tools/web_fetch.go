package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	nurl "net/url"
	"strings"
	"time"
	"unicode/utf8"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	readability "github.com/go-shiori/go-readability"
	"golang.org/x/net/html"

	"github.com/agenthub/agenthub/pkg/protocol"
)

const (
	// fetchBodyCap bounds the raw download. Readability and Markdown
	// conversion run on the full document; output pagination comes after.
	fetchBodyCap = 5 * 1024 * 1024

	defaultFetchLimit = 18_000
	maxFetchLimit     = 100_000

	defaultLinkLimit = 200
)

// WebFetchDefinition is the model-facing schema for web_fetch.
var WebFetchDefinition = protocol.ToolSchema{
	Name: "web_fetch",
	Description: "Fetch a URL and return its content in a format suited to model consumption. " +
		"HTML pages are converted to Markdown. Modes: 'article' (default) extracts the main " +
		"body with readability before converting; 'full' converts the whole page; 'links' " +
		"returns the page's links. Non-HTML text responses are returned as-is. Use offset and " +
		"limit to paginate large pages; total_chars tells you whether more remains.",
	InputSchema: json.RawMessage(`{
		"type": "object",
		"properties": {
			"url": {
				"type": "string",
				"description": "The URL to fetch (http:// or https://)."
			},
			"mode": {
				"type": "string",
				"enum": ["article", "full", "links"],
				"description": "Extraction mode for HTML pages. Default: article."
			},
			"offset": {
				"type": "integer",
				"description": "Character offset into the processed output (link index in links mode). Default: 0.",
				"minimum": 0
			},
			"limit": {
				"type": "integer",
				"description": "Maximum characters of output (links in links mode). Default: 18000.",
				"minimum": 1,
				"maximum": 100000
			}
		},
		"required": ["url"]
	}`),
}

type fetchLink struct {
	URL  string `json:"url"`
	Text string `json:"text"`
}

type fetchResult struct {
	URL         string      `json:"url"`
	Mode        string      `json:"mode"`
	Status      int         `json:"status,omitempty"`
	ContentType string      `json:"content_type,omitempty"`
	Title       string      `json:"title,omitempty"`
	Content     string      `json:"content,omitempty"`
	Links       []fetchLink `json:"links,omitempty"`
	TotalChars  int         `json:"total_chars,omitempty"`
	Truncated   string      `json:"truncated,omitempty"`
	Note        string      `json:"note,omitempty"`
	Error       string      `json:"error,omitempty"`
	DurationMS  int64       `json:"duration_ms"`
}

var fetchClient = &http.Client{Timeout: 30 * time.Second}

var textContentTypes = []string{
	"text/",
	"application/json",
	"application/xml",
	"application/xhtml",
	"application/javascript",
	"application/ld+json",
	"application/rss+xml",
	"application/atom+xml",
}

// WebFetch is the executor for the web_fetch tool.
func WebFetch(ctx context.Context, args json.RawMessage) (Result, error) {
	var a struct {
		URL    string `json:"url"`
		Mode   string `json:"mode"`
		Offset int    `json:"offset"`
		Limit  int    `json:"limit"`
	}
	if err := json.Unmarshal(args, &a); err != nil {
		return Result{}, fmt.Errorf("parsing web_fetch args: %w", err)
	}
	if !strings.HasPrefix(a.URL, "http://") && !strings.HasPrefix(a.URL, "https://") {
		return Result{}, fmt.Errorf("web_fetch: url must start with http:// or https://")
	}

	mode := strings.ToLower(a.Mode)
	if mode == "" {
		mode = "article"
	}
	if mode != "article" && mode != "full" && mode != "links" {
		return Result{}, fmt.Errorf("web_fetch: unknown mode %q", a.Mode)
	}
	limit := a.Limit
	if limit <= 0 || limit > maxFetchLimit {
		limit = defaultFetchLimit
	}
	offset := a.Offset
	if offset < 0 {
		offset = 0
	}

	res := fetchResult{URL: a.URL, Mode: mode}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.URL, nil)
	if err != nil {
		res.Error = fmt.Sprintf("building request: %s", err)
		return marshalFetch(res)
	}
	req.Header.Set("User-Agent", "agenthub-worker/1.0 (web_fetch)")

	start := time.Now()
	resp, err := fetchClient.Do(req)
	res.DurationMS = time.Since(start).Milliseconds()
	if err != nil {
		res.Error = err.Error()
		return marshalFetch(res)
	}
	defer resp.Body.Close()

	res.Status = resp.StatusCode
	res.ContentType = resp.Header.Get("Content-Type")
	if !isTextContentType(res.ContentType) {
		res.Error = fmt.Sprintf("content type %q is not text-based", res.ContentType)
		return marshalFetch(res)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, fetchBodyCap))
	res.DurationMS = time.Since(start).Milliseconds()
	if err != nil {
		res.Error = fmt.Sprintf("reading response body: %s", err)
		return marshalFetch(res)
	}
	body := string(raw)

	if !isHTMLContentType(res.ContentType) {
		res.TotalChars = len(body)
		res.Content, res.Truncated = paginate(body, offset, limit)
		return marshalFetch(res)
	}

	pageURL, _ := nurl.Parse(a.URL)
	switch mode {
	case "article":
		res = extractArticle(res, body, pageURL)
	case "full":
		if md, convErr := htmltomarkdown.ConvertString(body); convErr == nil {
			res.Content = strings.TrimSpace(md)
		} else {
			res.Content = body
			res.Note = "HTML-to-Markdown conversion failed; returning raw HTML."
		}
	case "links":
		links := extractLinks(body, pageURL)
		res.TotalChars = len(links)
		res.Links, res.Truncated = paginateLinks(links, offset, limit)
		return marshalFetch(res)
	}

	res.TotalChars = len(res.Content)
	res.Content, res.Truncated = paginate(res.Content, offset, limit)
	return marshalFetch(res)
}

// extractArticle runs readability over the page and converts the extracted
// body to Markdown, falling back to whole-page conversion when extraction
// comes back empty.
func extractArticle(res fetchResult, rawHTML string, pageURL *nurl.URL) fetchResult {
	article, err := readability.FromReader(strings.NewReader(rawHTML), pageURL)
	if err != nil || strings.TrimSpace(article.TextContent) == "" {
		if md, convErr := htmltomarkdown.ConvertString(rawHTML); convErr == nil {
			res.Content = strings.TrimSpace(md)
			res.Note = "No extractable article; returning full page as Markdown."
		} else {
			res.Content = rawHTML
			res.Note = "Article extraction and Markdown conversion both failed; returning raw HTML."
		}
		return res
	}

	res.Title = article.Title
	if md, convErr := htmltomarkdown.ConvertString(article.Content); convErr == nil {
		res.Content = strings.TrimSpace(md)
	} else {
		res.Content = strings.TrimSpace(article.TextContent)
	}
	return res
}

// extractLinks returns the page's unique non-fragment links with their text,
// resolved against the page URL.
func extractLinks(rawHTML string, baseURL *nurl.URL) []fetchLink {
	doc, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return nil
	}

	var links []fetchLink
	seen := map[string]bool{}
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			var href string
			for _, attr := range n.Attr {
				if attr.Key == "href" {
					href = strings.TrimSpace(attr.Val)
					break
				}
			}
			if href != "" && !strings.HasPrefix(href, "#") &&
				!strings.HasPrefix(href, "javascript:") && !strings.HasPrefix(href, "mailto:") {
				if parsed, err := nurl.Parse(href); err == nil && baseURL != nil {
					href = baseURL.ResolveReference(parsed).String()
				}
				if !seen[href] {
					seen[href] = true
					text := strings.TrimSpace(nodeText(n))
					if text == "" {
						text = href
					}
					links = append(links, fetchLink{URL: href, Text: text})
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return links
}

func nodeText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

// paginate slices content by character offset and limit, preferring to cut at
// a newline near the limit. The second return is a hint for continuing.
func paginate(content string, offset, limit int) (string, string) {
	total := len(content)
	if offset >= total {
		if total == 0 {
			return "", ""
		}
		return "", fmt.Sprintf("offset %d is past end of content (%d chars total)", offset, total)
	}

	content = content[offset:]
	if len(content) <= limit {
		return content, ""
	}

	cutAt := limit
	if nl := strings.LastIndexByte(content[:limit], '\n'); nl >= 0 && nl > limit-200 {
		cutAt = nl + 1
	}
	// Never cut inside a UTF-8 sequence.
	for cutAt > 0 && !utf8.RuneStart(content[cutAt]) {
		cutAt--
	}
	end := offset + cutAt
	hint := fmt.Sprintf("showing characters %d-%d of %d; retry with offset=%d to continue",
		offset, end-1, total, end)
	return content[:cutAt], hint
}

func paginateLinks(links []fetchLink, offset, limit int) ([]fetchLink, string) {
	if limit <= 0 || limit > maxFetchLimit {
		limit = defaultLinkLimit
	}
	total := len(links)
	if offset >= total {
		if total == 0 {
			return nil, ""
		}
		return nil, fmt.Sprintf("offset %d is past end of link list (%d links total)", offset, total)
	}

	links = links[offset:]
	if len(links) <= limit {
		return links, ""
	}
	end := offset + limit
	hint := fmt.Sprintf("showing links %d-%d of %d; retry with offset=%d to see more",
		offset, end-1, total, end)
	return links[:limit], hint
}

func isTextContentType(ct string) bool {
	ct = strings.ToLower(ct)
	for _, prefix := range textContentTypes {
		if strings.HasPrefix(ct, prefix) {
			return true
		}
	}
	return false
}

func isHTMLContentType(ct string) bool {
	ct = strings.ToLower(ct)
	return strings.HasPrefix(ct, "text/html") || strings.HasPrefix(ct, "application/xhtml")
}

func marshalFetch(r fetchResult) (Result, error) {
	out, err := json.Marshal(r)
	if err != nil {
		return Result{}, fmt.Errorf("marshaling web_fetch result: %w", err)
	}
	return Result{Output: out}, nil
}
