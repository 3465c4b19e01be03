package graph

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"slices"
	"sort"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/net/idna"
)

// PinTag is the reserved tag mirroring Node.Pinned.
const PinTag = "#pin"

var (
	ErrInvalidKey  = errors.New("invalid node key")
	ErrInvalidURL  = errors.New("invalid url")
	ErrInvalidTag  = errors.New("invalid tag")
	ErrInvalidEdge = errors.New("invalid edge")
	ErrDuplicateID = errors.New("duplicate node id")
)

// Key is a process-local node handle. Keys are never reused.
type Key uint64

// Lifecycle is the runtime residency of a node.
type Lifecycle string

const (
	Active  Lifecycle = "active"
	Warm    Lifecycle = "warm"
	Cold    Lifecycle = "cold"
	Crashed Lifecycle = "crashed"
)

// EdgeType classifies an edge.
type EdgeType string

const (
	Navigation         EdgeType = "navigation"
	UserGrouped        EdgeType = "user_grouped"
	SemanticSimilarity EdgeType = "semantic_similarity"
)

func (t EdgeType) valid() bool {
	return t == Navigation || t == UserGrouped || t == SemanticSimilarity
}

// Point is a position in canvas space.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Image is an encoded picture attached to a node.
type Image struct {
	Data   []byte `json:"data"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	URL    string `json:"url,omitempty"`
}

// Node is a URL-backed graph vertex.
type Node struct {
	Key          Key       `json:"key"`
	ID           string    `json:"id"`
	URL          string    `json:"url"`
	Title        string    `json:"title"`
	Position     Point     `json:"position"`
	Thumbnail    *Image    `json:"thumbnail,omitempty"`
	Favicon      *Image    `json:"favicon,omitempty"`
	Lifecycle    Lifecycle `json:"lifecycle"`
	Pinned       bool      `json:"pinned"`
	Tags         []string  `json:"tags,omitempty"`
	LastUsed     uint64    `json:"last_used"`
	CrashBlocked bool      `json:"crash_blocked,omitempty"`
}

// HasTag reports whether the node carries tag.
func (n *Node) HasTag(tag string) bool {
	_, found := slices.BinarySearch(n.Tags, tag)
	return found
}

func (n *Node) clone() *Node {
	c := *n
	c.Tags = slices.Clone(n.Tags)
	c.Thumbnail = cloneImage(n.Thumbnail)
	c.Favicon = cloneImage(n.Favicon)
	return &c
}

func cloneImage(img *Image) *Image {
	if img == nil {
		return nil
	}
	c := *img
	c.Data = slices.Clone(img.Data)
	return &c
}

// Edge is a typed, directed link between two live nodes.
type Edge struct {
	From Key      `json:"from"`
	To   Key      `json:"to"`
	Type EdgeType `json:"type"`
}

// Graph is the node/edge store. It is not safe for concurrent use; the frame
// loop owns it.
type Graph struct {
	nodes   map[Key]*Node
	byID    map[string]Key
	edges   []Edge
	nextKey Key
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{
		nodes:   make(map[Key]*Node),
		byID:    make(map[string]Key),
		nextKey: 1,
	}
}

// NormalizeURL validates raw and returns its canonical form. Hosts are
// converted to their ASCII (punycode) form.
func NormalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidURL)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme == "" {
		return "", fmt.Errorf("%w: missing scheme in %q", ErrInvalidURL, raw)
	}
	if host := u.Hostname(); host != "" && net.ParseIP(host) == nil {
		ascii, err := idna.Lookup.ToASCII(host)
		if err != nil {
			return "", fmt.Errorf("%w: host %q: %v", ErrInvalidURL, host, err)
		}
		if port := u.Port(); port != "" {
			u.Host = ascii + ":" + port
		} else {
			u.Host = ascii
		}
	}
	return u.String(), nil
}

// AddNode creates a node with a fresh global id and returns its key.
func (g *Graph) AddNode(rawURL string, pos Point) (Key, error) {
	return g.AddNodeWithID(uuid.NewString(), rawURL, pos)
}

// AddNodeWithID creates a node carrying a caller-chosen global id, as sync
// does for remotely authored nodes.
func (g *Graph) AddNodeWithID(id, rawURL string, pos Point) (Key, error) {
	u, err := NormalizeURL(rawURL)
	if err != nil {
		return 0, err
	}
	if id == "" {
		id = uuid.NewString()
	}
	if _, exists := g.byID[id]; exists {
		return 0, fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	k := g.nextKey
	g.nextKey++
	g.nodes[k] = &Node{
		Key:       k,
		ID:        id,
		URL:       u,
		Position:  pos,
		Lifecycle: Cold,
	}
	g.byID[id] = k
	return k, nil
}

func (g *Graph) node(k Key) (*Node, error) {
	n, ok := g.nodes[k]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrInvalidKey, k)
	}
	return n, nil
}

// Get returns a copy of the node for k.
func (g *Graph) Get(k Key) (Node, error) {
	n, err := g.node(k)
	if err != nil {
		return Node{}, err
	}
	return *n.clone(), nil
}

// Contains reports whether k is a live node.
func (g *Graph) Contains(k Key) bool {
	_, ok := g.nodes[k]
	return ok
}

// KeyForID resolves a global id to its local key.
func (g *Graph) KeyForID(id string) (Key, bool) {
	k, ok := g.byID[id]
	return k, ok
}

// NodeCount returns the number of live nodes.
func (g *Graph) NodeCount() int {
	return len(g.nodes)
}

// Keys returns all live keys in ascending order.
func (g *Graph) Keys() []Key {
	keys := make([]Key, 0, len(g.nodes))
	for k := range g.nodes {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Nodes returns copies of all nodes ordered by key.
func (g *Graph) Nodes() []Node {
	out := make([]Node, 0, len(g.nodes))
	for _, k := range g.Keys() {
		out = append(out, *g.nodes[k].clone())
	}
	return out
}

// RemoveNode deletes k and every edge incident to it. The removed node is
// returned so callers can release runtime bindings.
func (g *Graph) RemoveNode(k Key) (Node, error) {
	n, err := g.node(k)
	if err != nil {
		return Node{}, err
	}
	delete(g.nodes, k)
	delete(g.byID, n.ID)
	g.edges = slices.DeleteFunc(g.edges, func(e Edge) bool {
		return e.From == k || e.To == k
	})
	return *n, nil
}

// Clear removes every node and edge. Keys keep increasing afterwards.
func (g *Graph) Clear() {
	g.nodes = make(map[Key]*Node)
	g.byID = make(map[string]Key)
	g.edges = nil
}

// SetURL changes the node URL.
func (g *Graph) SetURL(k Key, rawURL string) error {
	n, err := g.node(k)
	if err != nil {
		return err
	}
	u, err := NormalizeURL(rawURL)
	if err != nil {
		return err
	}
	n.URL = u
	return nil
}

// SetTitle changes the node title.
func (g *Graph) SetTitle(k Key, title string) error {
	n, err := g.node(k)
	if err != nil {
		return err
	}
	n.Title = title
	return nil
}

// SetPosition moves the node on the canvas.
func (g *Graph) SetPosition(k Key, p Point) error {
	n, err := g.node(k)
	if err != nil {
		return err
	}
	n.Position = p
	return nil
}

// SetPinned sets the pin flag and its mirror tag.
func (g *Graph) SetPinned(k Key, pinned bool) error {
	n, err := g.node(k)
	if err != nil {
		return err
	}
	setPinned(n, pinned)
	return nil
}

func setPinned(n *Node, pinned bool) {
	n.Pinned = pinned
	if pinned {
		n.Tags = insertSorted(n.Tags, PinTag)
	} else {
		n.Tags = removeSorted(n.Tags, PinTag)
	}
}

// Tag adds tag to the node. Tagging with PinTag pins the node.
func (g *Graph) Tag(k Key, tag string) error {
	n, err := g.node(k)
	if err != nil {
		return err
	}
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return fmt.Errorf("%w: empty", ErrInvalidTag)
	}
	if tag == PinTag {
		setPinned(n, true)
		return nil
	}
	n.Tags = insertSorted(n.Tags, tag)
	return nil
}

// Untag removes tag from the node. The tag is trimmed as in Tag. Untagging
// PinTag unpins it.
func (g *Graph) Untag(k Key, tag string) error {
	n, err := g.node(k)
	if err != nil {
		return err
	}
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return fmt.Errorf("%w: empty", ErrInvalidTag)
	}
	if tag == PinTag {
		setPinned(n, false)
		return nil
	}
	n.Tags = removeSorted(n.Tags, tag)
	return nil
}

func insertSorted(tags []string, tag string) []string {
	i, found := slices.BinarySearch(tags, tag)
	if found {
		return tags
	}
	return slices.Insert(tags, i, tag)
}

func removeSorted(tags []string, tag string) []string {
	i, found := slices.BinarySearch(tags, tag)
	if !found {
		return tags
	}
	return slices.Delete(tags, i, i+1)
}

// SetThumbnail attaches a captured preview.
func (g *Graph) SetThumbnail(k Key, img *Image) error {
	n, err := g.node(k)
	if err != nil {
		return err
	}
	n.Thumbnail = cloneImage(img)
	return nil
}

// SetFavicon attaches a favicon.
func (g *Graph) SetFavicon(k Key, img *Image) error {
	n, err := g.node(k)
	if err != nil {
		return err
	}
	n.Favicon = cloneImage(img)
	return nil
}

// SetLifecycle records the residency state. Lifecycle rules are enforced by
// the reconciler, not here.
func (g *Graph) SetLifecycle(k Key, l Lifecycle) error {
	n, err := g.node(k)
	if err != nil {
		return err
	}
	n.Lifecycle = l
	return nil
}

// SetCrashBlocked toggles the crash badge.
func (g *Graph) SetCrashBlocked(k Key, blocked bool) error {
	n, err := g.node(k)
	if err != nil {
		return err
	}
	n.CrashBlocked = blocked
	return nil
}

// Touch marks the node as used at tick.
func (g *Graph) Touch(k Key, tick uint64) error {
	n, err := g.node(k)
	if err != nil {
		return err
	}
	if tick > n.LastUsed {
		n.LastUsed = tick
	}
	return nil
}

// AddEdge links two live nodes. Duplicate edges are ignored.
func (g *Graph) AddEdge(from, to Key, t EdgeType) error {
	if _, err := g.node(from); err != nil {
		return err
	}
	if _, err := g.node(to); err != nil {
		return err
	}
	if from == to {
		return fmt.Errorf("%w: self loop on %d", ErrInvalidEdge, from)
	}
	if !t.valid() {
		return fmt.Errorf("%w: type %q", ErrInvalidEdge, t)
	}
	e := Edge{From: from, To: to, Type: t}
	if slices.Contains(g.edges, e) {
		return nil
	}
	g.edges = append(g.edges, e)
	return nil
}

// RemoveEdge deletes the edge if present and reports whether it existed.
func (g *Graph) RemoveEdge(from, to Key, t EdgeType) bool {
	before := len(g.edges)
	g.edges = slices.DeleteFunc(g.edges, func(e Edge) bool {
		return e.From == from && e.To == to && e.Type == t
	})
	return len(g.edges) != before
}

// Edges returns a copy of all edges in insertion order.
func (g *Graph) Edges() []Edge {
	return slices.Clone(g.edges)
}

// Neighbors returns the keys adjacent to k in either direction, ascending.
func (g *Graph) Neighbors(k Key) ([]Key, error) {
	if _, err := g.node(k); err != nil {
		return nil, err
	}
	seen := make(map[Key]bool)
	for _, e := range g.edges {
		switch k {
		case e.From:
			seen[e.To] = true
		case e.To:
			seen[e.From] = true
		}
	}
	out := make([]Key, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}
