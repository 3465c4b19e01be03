// Package thumbnail captures node previews and favicons from the engine. The
// engine calls back on its own goroutines; results reach the frame loop only
// through a bounded channel drained at Finalize.
package thumbnail

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/png"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"
	"golang.org/x/image/draw"

	"graphshell/internal/binder"
	"graphshell/internal/config"
	"graphshell/internal/diagnostics"
	"graphshell/internal/engine"
	"graphshell/internal/graph"
	"graphshell/internal/intent"
)

const (
	inflightTTL = 10 * time.Second
	faviconSize = 32
)

var ErrEmptyImage = errors.New("empty image")

// Result is one finished capture.
type Result struct {
	Node   graph.Key
	Handle engine.Handle
	URL    string
	Image  *graph.Image
	Hash   uint64
	Err    error
}

// Pipeline dispatches captures and turns results into intents.
type Pipeline struct {
	eng    engine.Engine
	width  int
	height int
	logger *zap.Logger
	sink   diagnostics.Sink

	results  chan Result
	inflight *ttlcache.Cache[engine.Handle, graph.Key]

	// Owned by the frame loop.
	hashes   map[graph.Key]uint64
	favicons []engine.Handle
}

func New(eng engine.Engine, cfg config.ThumbnailConfig, logger *zap.Logger, sink diagnostics.Sink) *Pipeline {
	capacity := cfg.ChannelCapacity
	if capacity <= 0 {
		capacity = 16
	}
	return &Pipeline{
		eng:     eng,
		width:   max(cfg.Width, 1),
		height:  max(cfg.Height, 1),
		logger:  logger,
		sink:    sink,
		results: make(chan Result, capacity),
		inflight: ttlcache.New[engine.Handle, graph.Key](
			ttlcache.WithTTL[engine.Handle, graph.Key](inflightTTL),
			ttlcache.WithDisableTouchOnHit[engine.Handle, graph.Key](),
		),
		hashes: make(map[graph.Key]uint64),
	}
}

// InFlight reports whether a capture for h is outstanding.
func (p *Pipeline) InFlight(h engine.Handle) bool {
	return p.inflight.Get(h) != nil
}

// Request asks the engine for a screenshot of h on behalf of node k showing
// url. It returns false when a capture for h is already outstanding.
func (p *Pipeline) Request(h engine.Handle, k graph.Key, url string) bool {
	if p.InFlight(h) {
		return false
	}
	p.inflight.Set(h, k, ttlcache.DefaultTTL)
	p.eng.Screenshot(h, func(img image.Image, err error) {
		r := Result{Node: k, Handle: h, URL: url, Err: err}
		if err == nil {
			r.Image, r.Hash, r.Err = Encode(img, p.width, p.height)
		}
		select {
		case p.results <- r:
		default:
			p.inflight.Delete(h)
			diagnostics.Emit(p.sink, diagnostics.BackpressureDrop, "thumbnail result dropped",
				"node", strconv.FormatUint(uint64(k), 10))
		}
	})
	return true
}

// Drain empties the result channel without blocking. Results whose URL no
// longer matches the node, or whose pixels did not change, are discarded.
func (p *Pipeline) Drain(g *graph.Graph) []intent.Intent {
	var out []intent.Intent
	for {
		select {
		case r := <-p.results:
			p.inflight.Delete(r.Handle)
			if i, ok := p.accept(g, r); ok {
				out = append(out, i)
			}
		default:
			return out
		}
	}
}

func (p *Pipeline) accept(g *graph.Graph, r Result) (intent.Intent, bool) {
	if r.Err != nil {
		p.logger.Debug("thumbnail capture failed", zap.Uint64("node", uint64(r.Node)), zap.Error(r.Err))
		return nil, false
	}
	n, err := g.Get(r.Node)
	if err != nil || n.URL != r.URL {
		return nil, false
	}
	if prev, ok := p.hashes[r.Node]; ok && prev == r.Hash && n.Thumbnail != nil {
		return nil, false
	}
	p.hashes[r.Node] = r.Hash
	return intent.SetNodeThumbnail{Key: r.Node, Image: r.Image}, true
}

// Forget drops cached state for a removed node.
func (p *Pipeline) Forget(k graph.Key) { delete(p.hashes, k) }

// QueueFavicon notes that the engine has a favicon ready for h.
func (p *Pipeline) QueueFavicon(h engine.Handle) {
	p.favicons = append(p.favicons, h)
}

// DrainFavicons uploads every queued favicon and returns SetNodeFavicon
// intents for the nodes they belong to.
func (p *Pipeline) DrainFavicons(b *binder.Binder) []intent.Intent {
	var out []intent.Intent
	for _, h := range p.favicons {
		img, ok := p.eng.Favicon(h)
		if !ok {
			continue
		}
		fav, _, err := Encode(img, faviconSize, faviconSize)
		if err != nil {
			p.logger.Debug("favicon encode failed", zap.Uint64("handle", uint64(h)), zap.Error(err))
			continue
		}
		if k, ok := b.RegisterFavicon(h, fav); ok {
			out = append(out, intent.SetNodeFavicon{Key: k, Image: fav})
		}
	}
	p.favicons = p.favicons[:0]
	return out
}

// Encode scales img to fit within w×h, keeping its aspect ratio, and returns
// the PNG bytes with their fingerprint.
func Encode(img image.Image, w, h int) (*graph.Image, uint64, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, 0, ErrEmptyImage
	}
	src := img.Bounds()
	scale := min(float64(w)/float64(src.Dx()), float64(h)/float64(src.Dy()), 1)
	dw := max(int(float64(src.Dx())*scale), 1)
	dh := max(int(float64(src.Dy())*scale), 1)

	dst := image.NewRGBA(image.Rect(0, 0, dw, dh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, src, draw.Src, nil)

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return nil, 0, fmt.Errorf("encode thumbnail: %w", err)
	}
	data := buf.Bytes()
	return &graph.Image{Data: data, Width: dw, Height: dh}, xxhash.Sum64(data), nil
}
