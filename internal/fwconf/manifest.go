package fwconf

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Manifest serializes the configuration for embedding in an archive.
// Host paths are create-time inputs and are stripped; everything else
// round-trips through Parse unchanged, section order included.
func (c *Config) Manifest() ([]byte, error) {
	root := mapping()
	if c.Meta != (Meta{}) {
		if err := appendEncoded(root, "meta", c.Meta); err != nil {
			return nil, err
		}
	}
	if len(c.Resources) > 0 {
		sec := mapping()
		for _, r := range c.Resources {
			stripped := *r
			stripped.HostPath = ""
			if err := appendEncoded(sec, r.Name, &stripped); err != nil {
				return nil, err
			}
		}
		appendPair(root, "file-resources", sec)
	}
	if len(c.MBRs) > 0 {
		sec := mapping()
		for _, m := range c.MBRs {
			stripped := *m
			stripped.BootstrapPath = ""
			if err := appendEncoded(sec, m.Name, &stripped); err != nil {
				return nil, err
			}
		}
		appendPair(root, "mbrs", sec)
	}
	if len(c.UBootEnvs) > 0 {
		sec := mapping()
		for _, u := range c.UBootEnvs {
			if err := appendEncoded(sec, u.Name, u); err != nil {
				return nil, err
			}
		}
		appendPair(root, "uboot-environments", sec)
	}
	if len(c.Tasks) > 0 {
		sec := mapping()
		for _, t := range c.Tasks {
			node, err := encodeTask(t)
			if err != nil {
				return nil, err
			}
			appendPair(sec, t.Name, node)
		}
		appendPair(root, "tasks", sec)
	}
	return yaml.Marshal(root)
}

func encodeTask(t *Task) (*yaml.Node, error) {
	node := mapping()
	for _, req := range t.Requirements {
		if err := appendEncoded(node, "require-"+req.Kind, req.Args); err != nil {
			return nil, err
		}
	}
	if len(t.OnInit) > 0 {
		if err := appendEncoded(node, "on-init", t.OnInit); err != nil {
			return nil, err
		}
	}
	if len(t.OnResource) > 0 {
		sec := mapping()
		for _, ev := range t.OnResource {
			name := ev.Name
			if ev.Optional {
				name += "?"
			}
			if err := appendEncoded(sec, name, ev.Funlist); err != nil {
				return nil, err
			}
		}
		appendPair(node, "on-resource", sec)
	}
	if len(t.OnFinish) > 0 {
		if err := appendEncoded(node, "on-finish", t.OnFinish); err != nil {
			return nil, err
		}
	}
	return node, nil
}

func mapping() *yaml.Node {
	return &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
}

func appendPair(m *yaml.Node, key string, val *yaml.Node) {
	m.Content = append(m.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key}, val)
}

func appendEncoded(m *yaml.Node, key string, v any) error {
	node := &yaml.Node{}
	if err := node.Encode(v); err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	appendPair(m, key, node)
	return nil
}
