package arch

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

// symbolFile is the serialized form of an architecture: the definition list
// plus a format tag so incompatible files fail early instead of decoding into
// garbage.
type symbolFile struct {
	Format string `json:"format"`
	Nodes  []Node `json:"nodes"`
}

const symbolFormat = "graft.symbol.v1"

// MarshalJSON serializes the architecture description.
func (a *Architecture) MarshalJSON() ([]byte, error) {
	return jsoniter.Marshal(symbolFile{Format: symbolFormat, Nodes: a.nodes})
}

// FromJSON decodes a serialized architecture description and validates it.
func FromJSON(data []byte) (*Architecture, error) {
	var file symbolFile
	if err := jsoniter.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse architecture description: %w", err)
	}
	if file.Format != symbolFormat {
		return nil, fmt.Errorf("unsupported architecture format %q", file.Format)
	}
	return New(file.Nodes)
}
