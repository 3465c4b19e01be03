package engine

import (
	"fmt"
	"image"
	"image/color"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"

	"graphshell/internal/diagnostics"
)

type headlessView struct {
	ctx     ContextID
	history []string
	pos     int
	title   string
	status  LoadStatus
	favicon image.Image
}

func (v *headlessView) url() string { return v.history[v.pos] }

// Headless is an in-memory engine. It renders nothing; screenshots are solid
// images derived from the page URL. It backs the headless run mode and tests.
type Headless struct {
	mu         sync.Mutex
	nextHandle Handle
	nextCtx    ContextID
	contexts   map[ContextID]Size
	views      map[Handle]*headlessView
	events     chan Event
	failNext   error
	created    int
	sink       diagnostics.Sink

	// Inline runs screenshot callbacks on the caller's goroutine instead of
	// a fresh one.
	Inline bool
}

var (
	_ Engine   = (*Headless)(nil)
	_ Reporter = (*Headless)(nil)
)

// NewHeadless creates an engine whose event channel holds up to capacity
// events.
func NewHeadless(capacity int) *Headless {
	if capacity <= 0 {
		capacity = 256
	}
	return &Headless{
		nextHandle: 1,
		nextCtx:    1,
		contexts:   make(map[ContextID]Size),
		views:      make(map[Handle]*headlessView),
		events:     make(chan Event, capacity),
	}
}

// SetSink routes dropped-event reports to sink.
func (e *Headless) SetSink(sink diagnostics.Sink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sink = sink
}

// emit must not be called with mu held. A full event channel drops the
// newest event.
func (e *Headless) emit(ev Event) {
	select {
	case e.events <- ev:
	default:
		e.mu.Lock()
		sink := e.sink
		e.mu.Unlock()
		diagnostics.Emit(sink, diagnostics.BackpressureDrop, "engine event dropped",
			"kind", string(ev.Kind),
			"handle", strconv.FormatUint(uint64(ev.Handle), 10))
	}
}

// Emit injects an event as if the engine produced it.
func (e *Headless) Emit(ev Event) { e.emit(ev) }

// FailNextCreate makes the next CreateWebView return err.
func (e *Headless) FailNextCreate(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failNext = err
}

// Crash drops the runtime and reports it.
func (e *Headless) Crash(h Handle, reason string) {
	e.mu.Lock()
	delete(e.views, h)
	e.mu.Unlock()
	e.emit(Event{Kind: EventCrashed, Handle: h, Reason: reason})
}

// SetFavicon stores a favicon for h and announces it.
func (e *Headless) SetFavicon(h Handle, img image.Image) {
	e.mu.Lock()
	v, ok := e.views[h]
	if ok {
		v.favicon = img
	}
	e.mu.Unlock()
	if ok {
		e.emit(Event{Kind: EventFaviconReady, Handle: h})
	}
}

// Created returns how many webviews were ever created.
func (e *Headless) Created() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.created
}

// WebViewCount returns the number of live webviews.
func (e *Headless) WebViewCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.views)
}

// ContextCount returns the number of live offscreen contexts.
func (e *Headless) ContextCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.contexts)
}

func (e *Headless) NewContext(size Size) (ContextID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextCtx
	e.nextCtx++
	e.contexts[id] = size
	return id, nil
}

func (e *Headless) ResizeContext(id ContextID, size Size) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.contexts[id]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownContext, id)
	}
	e.contexts[id] = size
	return nil
}

func (e *Headless) ReleaseContext(id ContextID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.contexts, id)
}

func (e *Headless) CreateWebView(ctx ContextID, url string) (Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.failNext; err != nil {
		e.failNext = nil
		return 0, fmt.Errorf("%w: %v", ErrCreateFailed, err)
	}
	if _, ok := e.contexts[ctx]; !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownContext, ctx)
	}
	h := e.nextHandle
	e.nextHandle++
	e.views[h] = &headlessView{ctx: ctx, history: []string{url}, status: LoadComplete, title: url}
	e.created++
	return h, nil
}

func (e *Headless) Close(h Handle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.views, h)
}

func (e *Headless) Contains(h Handle) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.views[h]
	return ok
}

func (e *Headless) view(h Handle) (*headlessView, error) {
	v, ok := e.views[h]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownHandle, h)
	}
	return v, nil
}

func (e *Headless) LoadURL(h Handle, url string) error {
	e.mu.Lock()
	v, err := e.view(h)
	if err == nil {
		v.history = append(v.history[:v.pos+1], url)
		v.pos++
		v.title = url
	}
	e.mu.Unlock()
	if err == nil {
		e.emit(Event{Kind: EventURLChanged, Handle: h, URL: url})
	}
	return err
}

func (e *Headless) navigate(h Handle, delta int) error {
	e.mu.Lock()
	v, err := e.view(h)
	var url string
	if err == nil {
		next := v.pos + delta
		if next < 0 || next >= len(v.history) {
			e.mu.Unlock()
			return nil
		}
		v.pos = next
		url = v.url()
	}
	e.mu.Unlock()
	if err == nil {
		e.emit(Event{Kind: EventURLChanged, Handle: h, URL: url})
	}
	return err
}

func (e *Headless) GoBack(h Handle) error    { return e.navigate(h, -1) }
func (e *Headless) GoForward(h Handle) error { return e.navigate(h, 1) }

func (e *Headless) Reload(h Handle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err := e.view(h)
	return err
}

// Screenshot produces a solid image colored by a hash of the current URL.
func (e *Headless) Screenshot(h Handle, done func(image.Image, error)) {
	e.mu.Lock()
	v, err := e.view(h)
	var img image.Image
	if err == nil {
		size := e.contexts[v.ctx]
		if size.W <= 0 || size.H <= 0 {
			size = Size{W: 640, H: 480}
		}
		sum := xxhash.Sum64String(v.url())
		fill := color.RGBA{R: uint8(sum), G: uint8(sum >> 8), B: uint8(sum >> 16), A: 0xff}
		rgba := image.NewRGBA(image.Rect(0, 0, size.W, size.H))
		for i := 0; i < len(rgba.Pix); i += 4 {
			rgba.Pix[i], rgba.Pix[i+1], rgba.Pix[i+2], rgba.Pix[i+3] = fill.R, fill.G, fill.B, fill.A
		}
		img = rgba
	}
	inline := e.Inline
	e.mu.Unlock()

	if inline {
		done(img, err)
		return
	}
	go done(img, err)
}

func (e *Headless) Favicon(h Handle) (image.Image, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.views[h]
	if !ok || v.favicon == nil {
		return nil, false
	}
	return v.favicon, true
}

func (e *Headless) URL(h Handle) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if v, ok := e.views[h]; ok {
		return v.url()
	}
	return ""
}

func (e *Headless) Title(h Handle) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if v, ok := e.views[h]; ok {
		return v.title
	}
	return ""
}

func (e *Headless) LoadStatus(h Handle) LoadStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	if v, ok := e.views[h]; ok {
		return v.status
	}
	return LoadPending
}

// SetLoadStatus overrides the load state of h.
func (e *Headless) SetLoadStatus(h Handle, s LoadStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if v, ok := e.views[h]; ok {
		v.status = s
	}
}

func (e *Headless) CanGoBack(h Handle) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.views[h]
	return ok && v.pos > 0
}

func (e *Headless) CanGoForward(h Handle) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.views[h]
	return ok && v.pos < len(v.history)-1
}

func (e *Headless) StatusText(h Handle) string {
	return string(e.LoadStatus(h))
}

func (e *Headless) Events() <-chan Event { return e.events }
