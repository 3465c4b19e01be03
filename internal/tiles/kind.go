package tiles

import (
	"bytes"
	"encoding/json"
	"fmt"

	"graphshell/internal/graph"
)

// Kind is the pane payload variant.
type Kind string

const (
	KindGraph Kind = "Graph"
	KindNode  Kind = "Node"
	KindTool  Kind = "Tool"

	// kindLegacyWebView is the name Node panes were stored under before the
	// variant was renamed.
	kindLegacyWebView Kind = "WebView"
)

// Tool names a tool pane.
type Tool string

const (
	ToolSettings    Tool = "settings"
	ToolDiagnostics Tool = "diagnostics"
)

// Pane is the payload of a leaf tile.
type Pane struct {
	Kind Kind
	Node graph.Key
	Tool Tool
	Page string
}

func GraphPane() Pane           { return Pane{Kind: KindGraph} }
func NodePane(k graph.Key) Pane { return Pane{Kind: KindNode, Node: k} }

func ToolPane(t Tool, page string) Pane {
	return Pane{Kind: KindTool, Tool: t, Page: page}
}

type toolJSON struct {
	Tool Tool   `json:"tool"`
	Page string `json:"page,omitempty"`
}

// MarshalJSON writes the externally tagged form: "Graph", {"Node":3} or
// {"Tool":{"tool":"settings","page":"general"}}.
func (p Pane) MarshalJSON() ([]byte, error) {
	switch p.Kind {
	case KindGraph:
		return json.Marshal(string(KindGraph))
	case KindNode:
		return json.Marshal(map[string]graph.Key{string(KindNode): p.Node})
	case KindTool:
		return json.Marshal(map[string]toolJSON{string(KindTool): {Tool: p.Tool, Page: p.Page}})
	}
	return nil, fmt.Errorf("tiles: unknown pane kind %q", p.Kind)
}

// UnmarshalJSON accepts the current variant names and the legacy "WebView"
// name for Node panes.
func (p *Pane) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var name string
		if err := json.Unmarshal(data, &name); err != nil {
			return err
		}
		if Kind(name) != KindGraph {
			return fmt.Errorf("tiles: unknown unit pane %q", name)
		}
		*p = GraphPane()
		return nil
	}

	var tagged map[string]json.RawMessage
	if err := json.Unmarshal(data, &tagged); err != nil {
		return err
	}
	if len(tagged) != 1 {
		return fmt.Errorf("tiles: pane must have exactly one variant, got %d", len(tagged))
	}
	for name, body := range tagged {
		switch Kind(name) {
		case KindGraph:
			*p = GraphPane()
		case KindNode, kindLegacyWebView:
			var k graph.Key
			if err := json.Unmarshal(body, &k); err != nil {
				return fmt.Errorf("tiles: node pane: %w", err)
			}
			*p = NodePane(k)
		case KindTool:
			var t toolJSON
			if err := json.Unmarshal(body, &t); err != nil {
				return fmt.Errorf("tiles: tool pane: %w", err)
			}
			*p = ToolPane(t.Tool, t.Page)
		default:
			return fmt.Errorf("tiles: unknown pane kind %q", name)
		}
	}
	return nil
}
