package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve_FallbackChain(t *testing.T) {
	r := New("theme", "theme:light", "light")
	require.NoError(t, r.Register("theme:dark", "dark"))
	require.NoError(t, r.Register("theme:contrast", "contrast"))

	v, res := r.Resolve("theme:dark", "theme:contrast")
	assert.Equal(t, "dark", v)
	assert.Equal(t, Resolution{Requested: "theme:dark", Resolved: "theme:dark", Matched: true}, res)

	v, res = r.Resolve("theme:neon", "theme:contrast")
	assert.Equal(t, "contrast", v)
	assert.Equal(t, Resolution{Requested: "theme:neon", Resolved: "theme:contrast", FallbackUsed: true}, res)

	v, res = r.Resolve("theme:neon", "theme:missing")
	assert.Equal(t, "light", v)
	assert.Equal(t, "theme:light", res.Resolved)
	assert.True(t, res.FallbackUsed)
	assert.False(t, res.Matched)
}

func TestRegister_Duplicate(t *testing.T) {
	r := New("viewer", "a", 1)
	assert.ErrorIs(t, r.Register("a", 2), ErrDuplicate)
	r.Replace("a", 3)
	v, ok := r.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 3, v)
}

func TestViewerFor(t *testing.T) {
	tests := map[string]string{
		"https://example.com/":          ViewerWebview,
		"https://example.com/cat.PNG":   ViewerImage,
		"data:image/png;base64,AAAA":    ViewerImage,
		"file:///home/me/notes.txt":     ViewerPlaintext,
		"https://example.com/notes.txt": ViewerWebview,
		"::bad":                         ViewerWebview,
	}
	viewers := NewViewers()
	for raw, want := range tests {
		assert.Equal(t, want, ViewerFor(raw), raw)
		v, res := viewers.Resolve(ViewerFor(raw), "")
		assert.True(t, res.Matched, raw)
		assert.Equal(t, want == ViewerWebview, v.Webview, raw)
	}
}

func TestSettingsRoutes(t *testing.T) {
	pages := NewSettingsPages()

	page, err := ParseSettingsURL("graphshell://settings/sync")
	require.NoError(t, err)
	p, res := pages.Resolve(page, "general")
	assert.Equal(t, "sync", p.ID)
	assert.True(t, res.Matched)

	page, err = ParseSettingsURL("graphshell://settings/nonsense?tab=2")
	require.NoError(t, err)
	assert.Equal(t, "nonsense", page)
	p, res = pages.Resolve(page, "general")
	assert.Equal(t, "general", p.ID)
	assert.True(t, res.FallbackUsed)

	_, err = ParseSettingsURL("https://settings")
	assert.Error(t, err)
}
