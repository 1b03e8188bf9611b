package entity

const UnknownTitle = "Unknown"

// MirrorLink is one candidate hosting page found on a catalog page.
type MirrorLink struct {
	URL  string `json:"url"`
	Text string `json:"text"`
	Host string `json:"domain"`
}

// Name returns a human readable mirror name.
func (l MirrorLink) Name() string {
	if l.Text != "" {
		return l.Text
	}

	if l.Host != "" {
		return l.Host
	}

	return UnknownTitle
}

// Metadata is what the catalog page tells about a document.
type Metadata struct {
	Title string       `json:"title"`
	Links []MirrorLink `json:"links"`
}
