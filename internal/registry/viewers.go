package registry

import (
	"fmt"
	"net/url"
	"path"
	"strings"
)

const (
	ViewerWebview   = "viewer:webview"
	ViewerPlaintext = "viewer:plaintext"
	ViewerImage     = "viewer:image"
)

// Viewer describes how a Node tile renders its page.
type Viewer struct {
	ID string
	// Webview is true when the viewer needs a live engine runtime.
	Webview bool
	Label   string
}

// NewViewers returns the built-in viewer registry.
func NewViewers() *Registry[Viewer] {
	r := New(ViewerWebview, ViewerWebview, Viewer{ID: ViewerWebview, Webview: true, Label: "Web page"})
	_ = r.Register(ViewerPlaintext, Viewer{ID: ViewerPlaintext, Label: "Plain text"})
	_ = r.Register(ViewerImage, Viewer{ID: ViewerImage, Label: "Image"})
	return r
}

var imageExts = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true, ".svg": true, ".bmp": true,
}

// ViewerFor picks the viewer id for a URL by scheme and extension.
func ViewerFor(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ViewerWebview
	}
	ext := strings.ToLower(path.Ext(u.Path))
	switch {
	case u.Scheme == "data" && strings.HasPrefix(u.Opaque, "image/"):
		return ViewerImage
	case imageExts[ext]:
		return ViewerImage
	case u.Scheme == "file" && (ext == ".txt" || ext == ".md" || ext == ".log"):
		return ViewerPlaintext
	}
	return ViewerWebview
}

// SettingsScheme prefixes internal settings URLs.
const SettingsScheme = "graphshell://settings/"

// SettingsPage is a page of the settings tool.
type SettingsPage struct {
	ID    string
	Title string
}

// NewSettingsPages returns the settings route registry. Unknown pages fall
// back to general.
func NewSettingsPages() *Registry[SettingsPage] {
	r := New("general", "general", SettingsPage{ID: "general", Title: "General"})
	for _, p := range []SettingsPage{
		{ID: "persistence", Title: "Persistence"},
		{ID: "sync", Title: "Sync"},
		{ID: "physics", Title: "Physics"},
		{ID: "diagnostics", Title: "Diagnostics"},
		{ID: "history", Title: "History"},
	} {
		_ = r.Register(p.ID, p)
	}
	return r
}

// ParseSettingsURL extracts the page id from a settings URL.
func ParseSettingsURL(raw string) (string, error) {
	if !strings.HasPrefix(raw, SettingsScheme) {
		return "", fmt.Errorf("not a settings url: %q", raw)
	}
	page := strings.Trim(strings.TrimPrefix(raw, SettingsScheme), "/")
	if i := strings.IndexAny(page, "/?#"); i >= 0 {
		page = page[:i]
	}
	return page, nil
}
