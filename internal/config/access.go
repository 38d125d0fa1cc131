package config

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Redacted replaces bearer secrets in GetPath results.
const Redacted = "<redacted>"

// GetPath returns the value at a dot-separated path such as "pool.max_fork"
// or "api.auth.tokens.0.scopes". Below "programs" a step may also use the
// router's "a:b" form, so "programs.tools:grep" equals "programs.tools.grep".
// Values of api_key and token under api.auth are redacted.
func (c *Config) GetPath(path string) (any, error) {
	var root yaml.Node
	if err := root.Encode(c); err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	redactSecrets(&root)

	node := &root
	for _, step := range splitPath(path) {
		next, err := child(node, step)
		if err != nil {
			return nil, fmt.Errorf("path %q: %w", path, err)
		}
		node = next
	}

	var v any
	if err := node.Decode(&v); err != nil {
		return nil, fmt.Errorf("path %q: decode: %w", path, err)
	}
	return v, nil
}

func splitPath(path string) []string {
	var steps []string
	underPrograms := false
	for _, part := range strings.Split(path, ".") {
		if part == "" {
			continue
		}
		if underPrograms {
			steps = append(steps, strings.Split(part, ":")...)
		} else {
			steps = append(steps, part)
		}
		if len(steps) == 1 && part == "programs" {
			underPrograms = true
		}
	}
	return steps
}

func child(node *yaml.Node, step string) (*yaml.Node, error) {
	switch node.Kind {
	case yaml.MappingNode:
		for i := 0; i+1 < len(node.Content); i += 2 {
			if node.Content[i].Value == step {
				return node.Content[i+1], nil
			}
		}
		return nil, fmt.Errorf("key %q not found", step)
	case yaml.SequenceNode:
		i, err := strconv.Atoi(step)
		if err != nil || i < 0 || i >= len(node.Content) {
			return nil, fmt.Errorf("index %q out of range (%d items)", step, len(node.Content))
		}
		return node.Content[i], nil
	default:
		return nil, fmt.Errorf("breaks at %q (not a map or list)", step)
	}
}

func redactSecrets(root *yaml.Node) {
	authNode, err := child(root, "api")
	if err == nil {
		authNode, err = child(authNode, "auth")
	}
	if err != nil {
		return
	}
	redactKey(authNode, "api_key")
	if tokens, err := child(authNode, "tokens"); err == nil {
		for _, tok := range tokens.Content {
			redactKey(tok, "token")
		}
	}
}

func redactKey(node *yaml.Node, key string) {
	if v, err := child(node, key); err == nil && v.Kind == yaml.ScalarNode && v.Value != "" {
		v.Value = Redacted
		v.Tag = "!!str"
		v.Style = 0
	}
}
