package engine

import (
	"errors"
	"image"

	"graphshell/internal/diagnostics"
)

var (
	ErrUnknownHandle  = errors.New("unknown webview handle")
	ErrUnknownContext = errors.New("unknown offscreen context")
	ErrCreateFailed   = errors.New("webview creation failed")
)

// Handle identifies one webview runtime.
type Handle uint64

// ContextID identifies one offscreen rendering target.
type ContextID uint64

// Size is a pixel size.
type Size struct {
	W, H int
}

// LoadStatus is the page load state reported by the engine.
type LoadStatus string

const (
	LoadPending  LoadStatus = "pending"
	LoadStarted  LoadStatus = "started"
	LoadComplete LoadStatus = "complete"
)

// EventKind names an engine notification.
type EventKind string

const (
	EventFirstPaint         EventKind = "first_paint"
	EventUnresponsive       EventKind = "unresponsive"
	EventResponsive         EventKind = "responsive"
	EventCrashed            EventKind = "crashed"
	EventTitleChanged       EventKind = "title_changed"
	EventURLChanged         EventKind = "url_changed"
	EventFaviconReady       EventKind = "favicon_ready"
	EventThumbnailRequested EventKind = "thumbnail_requested"
	EventChildWebviewOpened EventKind = "child_webview_opened"
)

// Event is delivered on the engine's event channel.
type Event struct {
	Kind   EventKind
	Handle Handle
	URL    string
	Title  string
	Reason string
}

// Reporter is implemented by engines that report events they had to drop.
type Reporter interface {
	SetSink(diagnostics.Sink)
}

// Engine is the embedded web engine as the core consumes it. Callbacks and
// events may originate on engine threads; they reach the core only through
// the Events channel and Screenshot callbacks.
type Engine interface {
	NewContext(size Size) (ContextID, error)
	ResizeContext(id ContextID, size Size) error
	ReleaseContext(id ContextID)

	CreateWebView(ctx ContextID, url string) (Handle, error)
	Close(h Handle)
	Contains(h Handle) bool

	LoadURL(h Handle, url string) error
	GoBack(h Handle) error
	GoForward(h Handle) error
	Reload(h Handle) error

	Screenshot(h Handle, done func(img image.Image, err error))
	Favicon(h Handle) (image.Image, bool)

	URL(h Handle) string
	Title(h Handle) string
	LoadStatus(h Handle) LoadStatus
	CanGoBack(h Handle) bool
	CanGoForward(h Handle) bool
	StatusText(h Handle) string

	Events() <-chan Event
}
