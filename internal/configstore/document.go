package configstore

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// Document is the engine configuration as a JSON-equivalent value tree:
// nil, bool, numbers, string, []any and map[string]any.
type Document map[string]any

// Clone returns a deep copy of d.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	return cloneValue(map[string]any(d)).(map[string]any)
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = cloneValue(val)
		}
		return out
	case Document:
		return Document(cloneValue(map[string]any(t)).(map[string]any))
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = cloneValue(val)
		}
		return out
	default:
		return v
	}
}

// decodeResult reports how many YAML documents followed the first one.
type decodeResult struct {
	doc   Document
	extra int
}

// decode parses the first YAML document in data. Further documents are counted
// but otherwise ignored.
func decode(data []byte) (decodeResult, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	var first any
	if err := dec.Decode(&first); err != nil {
		if errors.Is(err, io.EOF) {
			return decodeResult{}, errors.New("file contains no document")
		}
		return decodeResult{}, err
	}
	if first == nil {
		return decodeResult{}, errors.New("first document is empty")
	}
	root, ok := normalize(first).(map[string]any)
	if !ok {
		return decodeResult{}, fmt.Errorf("top-level value must be a mapping, got %T", first)
	}
	res := decodeResult{doc: Document(root)}
	for {
		var n yaml.Node
		if err := dec.Decode(&n); err != nil {
			break
		}
		res.extra++
	}
	return res, nil
}

func encode(doc Document) ([]byte, error) {
	if doc == nil {
		doc = Document{}
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(map[string]any(doc)); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// normalize converts yaml.v3 output into the JSON value model. Non-string map
// keys are stringified.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			t[k] = normalize(val)
		}
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalize(val)
		}
		return out
	case []any:
		for i, val := range t {
			t[i] = normalize(val)
		}
		return t
	default:
		return v
	}
}

// Parse decodes YAML text into a Document the same way Read does.
func Parse(data []byte) (Document, error) {
	res, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParse, err)
	}
	return res.doc, nil
}

// Marshal encodes doc as the YAML that Write would install.
func Marshal(doc Document) ([]byte, error) {
	return encode(doc)
}
