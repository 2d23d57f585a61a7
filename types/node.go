package types

import (
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"
)

// NodeType tags the kind of a node.
type NodeType string

// Node types understood by the executor.
const (
	NodeTypeStart     NodeType = "start"
	NodeTypeMessage   NodeType = "message"
	NodeTypeMedia     NodeType = "media"
	NodeTypeButtons   NodeType = "buttons"
	NodeTypeCondition NodeType = "condition"
	NodeTypeDelay     NodeType = "delay"
)

// MediaKind selects the gateway call used for a media node.
type MediaKind string

// Media kinds.
const (
	MediaImage MediaKind = "image"
	MediaVideo MediaKind = "video"
)

// editorAliases maps the visual editor's type names onto node types.
var editorAliases = map[NodeType]NodeType{
	"input":         NodeTypeStart,
	"textNode":      NodeTypeMessage,
	"buttonNode":    NodeTypeButtons,
	"imageNode":     NodeTypeMedia,
	"videoNode":     NodeTypeMedia,
	"conditionNode": NodeTypeCondition,
	"delayNode":     NodeTypeDelay,
}

// Kind returns the canonical node type, resolving editor aliases. Unknown
// types are returned unchanged.
func (n Node) Kind() NodeType {
	if t, ok := editorAliases[n.Type]; ok {
		return t
	}
	return n.Type
}

// Payload is the closed set of typed node payloads.
type Payload interface {
	payload()
}

// StartPayload carries nothing.
type StartPayload struct{}

// MessagePayload is the payload of a message node.
type MessagePayload struct {
	Text  string `mapstructure:"text"`
	Label string `mapstructure:"label"`
}

// MediaPayload is the payload of an image or video node.
type MediaPayload struct {
	Kind     MediaKind `mapstructure:"kind"`
	URL      string    `mapstructure:"url"`
	ImageURL string    `mapstructure:"imageUrl"`
	VideoURL string    `mapstructure:"videoUrl"`
	Caption  string    `mapstructure:"caption"`
}

// Button is one choice of a buttons node.
type Button struct {
	Text  string `mapstructure:"text"`
	Value string `mapstructure:"value"`
}

// ButtonsPayload is the payload of a buttons node.
type ButtonsPayload struct {
	Text    string   `mapstructure:"text"`
	Buttons []Button `mapstructure:"buttons"`
}

// ConditionPayload is the payload of a condition node.
type ConditionPayload struct {
	Expression string `mapstructure:"expression"`
}

// DelayPayload is the payload of a delay node.
type DelayPayload struct {
	Seconds float64 `mapstructure:"delay"`
}

// UnknownPayload is produced for node types outside the known set.
type UnknownPayload struct {
	Type NodeType
}

func (StartPayload) payload()     {}
func (MessagePayload) payload()   {}
func (MediaPayload) payload()     {}
func (ButtonsPayload) payload()   {}
func (ConditionPayload) payload() {}
func (DelayPayload) payload()     {}
func (UnknownPayload) payload()   {}

// Body returns the text to send, falling back to the label.
func (p MessagePayload) Body() string {
	switch {
	case p.Text != "":
		return p.Text
	case p.Label != "":
		return p.Label
	}
	return "No text"
}

// Resolve returns the media kind and URL to send. An empty URL means there
// is nothing to send.
func (p MediaPayload) Resolve() (MediaKind, string) {
	kind := p.Kind
	if kind == "" {
		if p.VideoURL != "" && p.ImageURL == "" {
			kind = MediaVideo
		} else {
			kind = MediaImage
		}
	}
	url := p.URL
	if url == "" {
		if kind == MediaVideo {
			url = p.VideoURL
		} else {
			url = p.ImageURL
		}
	}
	return kind, url
}

// Prompt returns the text shown above the buttons.
func (p ButtonsPayload) Prompt() string {
	if p.Text == "" {
		return "Choose an option:"
	}
	return p.Text
}

// Label returns the display label of the button.
func (b Button) Label() string {
	if b.Text == "" {
		return "Button"
	}
	return b.Text
}

// Duration converts the configured delay.
func (p DelayPayload) Duration() time.Duration {
	return time.Duration(p.Seconds * float64(time.Second))
}

// Payload decodes the node's opaque data into its typed variant.
func (n Node) Payload() (Payload, error) {
	switch n.Kind() {
	case NodeTypeStart:
		return StartPayload{}, nil
	case NodeTypeMessage:
		var p MessagePayload
		err := decodeData(n, &p)
		return p, err
	case NodeTypeMedia:
		var p MediaPayload
		if err := decodeData(n, &p); err != nil {
			return p, err
		}
		switch n.Type {
		case "imageNode":
			p.Kind = MediaImage
		case "videoNode":
			p.Kind = MediaVideo
		}
		return p, nil
	case NodeTypeButtons:
		var p ButtonsPayload
		err := decodeData(n, &p)
		return p, err
	case NodeTypeCondition:
		var p ConditionPayload
		err := decodeData(n, &p)
		return p, err
	case NodeTypeDelay:
		var p DelayPayload
		err := decodeData(n, &p)
		return p, err
	default:
		return UnknownPayload{Type: n.Type}, nil
	}
}

func decodeData(n Node, out interface{}) error {
	if len(n.Data) == 0 {
		return nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(n.Data); err != nil {
		return fmt.Errorf("failed to decode %s payload of node %s: %w", n.Type, n.ID, err)
	}
	return nil
}
