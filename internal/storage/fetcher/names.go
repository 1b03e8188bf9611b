package fetcher

import (
	"fmt"
	"mime"
	"net/url"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/jgivc/docfetch/internal/util"
	"github.com/spf13/afero"
)

const (
	defaultExtension = ".bin"
	defaultBaseName  = "download"
	brandSeparator   = " -- "
)

var (
	knownExtensions = []string{".pdf", ".epub", ".mobi", ".azw3", ".cbr", ".cbz", ".djvu"}

	// Titles the catalog shows when it does not know the real one.
	placeholderTitles = []string{"unknown", "anna's archive", "annas archive"}

	unsafeChars       = regexp.MustCompile(`[<>:"/\\|?*]`)
	dispositionRegexp = regexp.MustCompile(`filename="?(.+)"?`)
)

// detectExtension picks the file extension from the content type, then the
// URL path, then the Content-Disposition filename.
func detectExtension(contentType, rawURL, disposition string) string {
	ct := strings.ToLower(contentType)

	switch {
	case strings.Contains(ct, "pdf"):
		return ".pdf"
	case strings.Contains(ct, "epub"):
		return ".epub"
	case strings.Contains(ct, "mobi"):
		return ".mobi"
	case strings.Contains(ct, "cbr"), strings.Contains(ct, "rar"):
		return ".cbr"
	case strings.Contains(ct, "cbz"), strings.Contains(ct, "zip"):
		return ".cbz"
	}

	if u, err := url.Parse(rawURL); err == nil {
		p := strings.ToLower(u.Path)
		for _, ext := range knownExtensions {
			if strings.Contains(p, ext) {
				return ext
			}
		}
	}

	if name := dispositionFilename(disposition); name != "" {
		name = strings.ToLower(name)
		for _, ext := range knownExtensions {
			if strings.HasSuffix(name, ext) {
				return ext
			}
		}
	}

	return defaultExtension
}

func dispositionFilename(disposition string) string {
	if disposition == "" {
		return ""
	}

	if _, params, err := mime.ParseMediaType(disposition); err == nil && params["filename"] != "" {
		return params["filename"]
	}

	m := dispositionRegexp.FindStringSubmatch(disposition)
	if m == nil {
		return ""
	}

	name := strings.Trim(m[1], `"`)
	if unescaped, err := url.PathUnescape(name); err == nil {
		name = unescaped
	}

	return name
}

func usableTitle(title string) bool {
	t := strings.ToLower(strings.TrimSpace(title))
	if t == "" {
		return false
	}

	for _, p := range placeholderTitles {
		if t == p {
			return false
		}
	}

	return true
}

func sanitize(name string) string {
	return unsafeChars.ReplaceAllString(name, "_")
}

func withExtension(name, ext string) string {
	if strings.HasSuffix(strings.ToLower(name), strings.ToLower(ext)) {
		return name
	}

	return name + ext
}

// buildFilename derives the output file name from the catalog title, or
// from the URL when the title is a placeholder.
func buildFilename(title, rawURL, ext string) string {
	if usableTitle(title) {
		name := strings.Join(strings.Fields(sanitize(title)), " ")

		return withExtension(name, ext)
	}

	var name string
	if u, err := url.Parse(rawURL); err == nil {
		name = path.Base(u.Path)
		if name == "/" || name == "." {
			name = ""
		}
	}

	if name == "" || !strings.Contains(name, ".") {
		return defaultBaseName + ext
	}

	return sanitize(stripBrand(name, ext))
}

// stripBrand turns "<title> -- <md5> -- <brand>.ext" into "<title>.ext".
func stripBrand(name, ext string) string {
	if !strings.Contains(name, brandSeparator) {
		return name
	}

	parts := strings.Split(name, brandSeparator)
	last := strings.ToLower(parts[len(parts)-1])
	if !strings.Contains(last, "anna") || !strings.Contains(last, "archive") {
		return name
	}

	for i, part := range parts {
		if i == 0 || !util.IsHash(strings.TrimSpace(part)) {
			continue
		}

		return withExtension(strings.TrimSpace(strings.Join(parts[:i], brandSeparator)), ext)
	}

	return name
}

// uniquePath returns dir/name, or dir/"stem (n).ext" for the smallest free n.
// A path is free when it is not on disk and taken, if set, reports false.
func uniquePath(fs afero.Fs, dir, name string, taken func(p string) bool) (string, error) {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	for n := 0; ; n++ {
		p := filepath.Join(dir, name)
		if n > 0 {
			p = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", stem, n, ext))
		}

		if taken != nil && taken(p) {
			continue
		}

		exists, err := afero.Exists(fs, p)
		if err != nil {
			return "", fmt.Errorf("cannot check %s: %w", p, err)
		}

		if !exists {
			return p, nil
		}
	}
}
