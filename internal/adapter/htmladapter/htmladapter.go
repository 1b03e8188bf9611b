// Package htmladapter extracts titles and links from catalog and mirror
// pages. Link selection is expressed as ordered, named rules so that each
// heuristic can be tested on its own.
package htmladapter

import (
	"io"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/jgivc/docfetch/internal/entity"
)

const (
	previewLength = 500
)

// MirrorDomains are the host substrings of the mirrors we know how to use.
var MirrorDomains = []string{
	"libgen.li",
	"libgen.is",
	"libgen.st",
	"library.lol",
	"download.library.lol",
	"zlibrary",
	"z-lib",
	"sci-hub",
	"nexusstc",
}

// DocumentExtensions are the href suffixes treated as direct file links.
var DocumentExtensions = []string{".epub", ".pdf", ".mobi", ".azw3", ".cbr", ".cbz", ".djvu"}

// LinkRule matches an anchor by its raw href and visible text.
type LinkRule struct {
	Name  string
	Match func(href, text string) bool
}

// BinaryLinkRules are applied in order; the first rule with any hit wins.
var BinaryLinkRules = []LinkRule{
	{
		Name: "direct-endpoint",
		Match: func(href, _ string) bool {
			return strings.Contains(href, "get.php") || strings.Contains(href, "main.php")
		},
	},
	{
		Name: "download-text",
		Match: func(href, text string) bool {
			return strings.Contains(strings.ToLower(text), "download") && !strings.Contains(href, "file.php")
		},
	},
	{
		Name: "document-extension",
		Match: func(href, _ string) bool {
			href = strings.ToLower(href)
			for _, ext := range DocumentExtensions {
				if strings.Contains(href, ext) {
					return true
				}
			}

			return false
		},
	},
}

func Parse(r io.Reader) (*goquery.Document, error) {
	return goquery.NewDocumentFromReader(r)
}

// ExtractTitle returns the catalog title of the page or entity.UnknownTitle.
func ExtractTitle(doc *goquery.Document) string {
	if s := doc.Find(`div[class*="text-3xl"]`).First(); s.Length() > 0 {
		return strings.TrimSpace(s.Text())
	}

	if s := doc.Find("h1").First(); s.Length() > 0 {
		return strings.TrimSpace(s.Text())
	}

	return entity.UnknownTitle
}

// PageTitle returns the <title> of the page, used for diagnostics only.
func PageTitle(doc *goquery.Document) string {
	if s := doc.Find("title").First(); s.Length() > 0 {
		return strings.TrimSpace(s.Text())
	}

	return "No title"
}

func isMirror(href string) bool {
	for _, domain := range MirrorDomains {
		if strings.Contains(href, domain) {
			return true
		}
	}

	return false
}

// ExtractMirrorLinks returns the mirror anchors of the page in page order,
// resolved against base.
func ExtractMirrorLinks(doc *goquery.Document, base *url.URL) []entity.MirrorLink {
	var links []entity.MirrorLink

	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		if !isMirror(href) {
			return
		}

		u, ok := resolve(base, href)
		if !ok {
			return
		}

		links = append(links, entity.MirrorLink{
			URL:  u.String(),
			Text: strings.TrimSpace(s.Text()),
			Host: u.Host,
		})
	})

	return links
}

// FindBinaryLink applies rules in order and returns the first matching
// href resolved against base, together with the name of the rule that hit.
func FindBinaryLink(doc *goquery.Document, base *url.URL, rules []LinkRule) (string, string, bool) {
	anchors := doc.Find("a[href]")

	for _, rule := range rules {
		var found string

		anchors.EachWithBreak(func(_ int, s *goquery.Selection) bool {
			href, _ := s.Attr("href")
			if !rule.Match(href, s.Text()) {
				return true
			}

			u, ok := resolve(base, href)
			if !ok {
				return true
			}

			found = u.String()

			return false
		})

		if found != "" {
			return found, rule.Name, true
		}
	}

	return "", "", false
}

// Preview flattens at most the first 500 bytes of a page for log output,
// never splitting a UTF-8 sequence.
func Preview(body string) string {
	if len(body) > previewLength {
		cut := previewLength
		for cut > 0 && !utf8.RuneStart(body[cut]) {
			cut--
		}
		body = body[:cut]
	}

	body = strings.ReplaceAll(body, "\n", " ")

	return strings.ReplaceAll(body, "\r", "")
}

func resolve(base *url.URL, href string) (*url.URL, bool) {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return nil, false
	}

	if base == nil {
		return ref, true
	}

	return base.ResolveReference(ref), true
}
