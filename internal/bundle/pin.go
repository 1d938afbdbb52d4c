package bundle

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"

	"stevedore/internal/image"
)

// Pin rewrites the image of every compose service whose repository matches
// one of the artifacts so the host runs exactly the tags this release pushed.
// Services using other images are left untouched. It edits the YAML node tree
// in place; environment values are never expanded into the file.
func (b Bundle) Pin(artifacts []image.Artifact) (Bundle, []string, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(b.Compose.Data, &doc); err != nil {
		return Bundle{}, nil, fmt.Errorf("parse compose file: %w", err)
	}
	if len(doc.Content) == 0 {
		return Bundle{}, nil, fmt.Errorf("compose file is empty")
	}

	services := mappingValue(doc.Content[0], "services")
	if services == nil || services.Kind != yaml.MappingNode {
		return Bundle{}, nil, fmt.Errorf("compose file has no services mapping")
	}

	var pinned []string
	for i := 0; i+1 < len(services.Content); i += 2 {
		name := services.Content[i].Value
		img := mappingValue(services.Content[i+1], "image")
		if img == nil || img.Kind != yaml.ScalarNode {
			continue
		}
		for _, a := range artifacts {
			if !a.SameRepository(img.Value) {
				continue
			}
			img.Value = a.Reference()
			img.Style = 0
			pinned = append(pinned, name)
			break
		}
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return Bundle{}, nil, fmt.Errorf("encode compose file: %w", err)
	}
	if err := enc.Close(); err != nil {
		return Bundle{}, nil, fmt.Errorf("encode compose file: %w", err)
	}

	out := b
	out.Compose.Data = buf.Bytes()
	return out, pinned, nil
}

func mappingValue(node *yaml.Node, key string) *yaml.Node {
	if node == nil || node.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			return node.Content[i+1]
		}
	}
	return nil
}
