// Package fwconf models the firmware description: named file
// resources, MBR layouts, U-Boot environments and tasks with their
// funlists. The same document serves as the on-disk configuration for
// creating archives and, re-serialized, as the archive manifest.
package fwconf

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Meta is the free-form description block carried into the manifest.
type Meta struct {
	Product      string `yaml:"product,omitempty"`
	Description  string `yaml:"description,omitempty"`
	Version      string `yaml:"version,omitempty"`
	Author       string `yaml:"author,omitempty"`
	Platform     string `yaml:"platform,omitempty"`
	Architecture string `yaml:"architecture,omitempty"`
}

// FileResource names a payload carried by the archive. HostPath is a
// create-time input and never reaches the manifest; Hash and Length
// are filled in while the archive is created.
type FileResource struct {
	Name     string  `yaml:"-"`
	HostPath string  `yaml:"host-path,omitempty"`
	Hash     string  `yaml:"blake2b-256,omitempty"`
	Length   RunList `yaml:"length,omitempty"`
}

// RunList is a sparse run-length list: data first, alternating with
// holes. A plain scalar in the configuration means one data run.
type RunList []int64

func (r *RunList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var n int64
		if err := node.Decode(&n); err != nil {
			return err
		}
		*r = RunList{n}
		return nil
	case yaml.SequenceNode:
		var runs []int64
		if err := node.Decode(&runs); err != nil {
			return err
		}
		*r = runs
		return nil
	}
	return fmt.Errorf("line %d: length must be a number or a list of numbers", node.Line)
}

// Partition is one MBR partition table slot.
type Partition struct {
	BlockOffset uint64 `yaml:"block-offset"`
	BlockCount  uint64 `yaml:"block-count"`
	Type        uint64 `yaml:"type"`
	Boot        bool   `yaml:"boot,omitempty"`
}

// MBR describes a master boot record. BootstrapPath is a create-time
// input; Bootstrap carries the code itself in the manifest.
type MBR struct {
	Name          string      `yaml:"-"`
	BootstrapPath string      `yaml:"bootstrap-code-host-path,omitempty"`
	Bootstrap     []byte      `yaml:"bootstrap-code,omitempty"`
	Signature     uint32      `yaml:"signature,omitempty"`
	Partitions    []Partition `yaml:"partitions"`
}

// UBootEnv locates a U-Boot environment block on the target.
type UBootEnv struct {
	Name        string `yaml:"-"`
	BlockOffset uint64 `yaml:"block-offset"`
	BlockCount  uint64 `yaml:"block-count"`
}

// EnvSize is the serialized environment size in bytes.
func (u *UBootEnv) EnvSize() int { return int(u.BlockCount) * 512 }

// Funlist is the flattened action stream of one task event: an arity,
// that many operands, repeated.
type Funlist []string

func (f *Funlist) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.SequenceNode {
		return fmt.Errorf("line %d: a funlist must be a list", node.Line)
	}
	out := make(Funlist, 0, len(node.Content))
	for _, c := range node.Content {
		if c.Kind != yaml.ScalarNode {
			return fmt.Errorf("line %d: funlist elements must be scalars", c.Line)
		}
		out = append(out, c.Value)
	}
	*f = out
	return nil
}

// Requirement is one require-* predicate of a task, kept generic so
// the evaluator owns the known kinds.
type Requirement struct {
	Kind string // the part after "require-"
	Args []string
}

// ResourceEvent binds a funlist to a named archive resource. Optional
// events (a trailing "?" on the name in the configuration) tolerate
// the resource being absent from the archive.
type ResourceEvent struct {
	Name     string
	Optional bool
	Funlist  Funlist
}

// Task is one applyable unit: requirements, hooks, and per-resource
// funlists in declaration order.
type Task struct {
	Name         string
	Requirements []Requirement
	OnInit       Funlist
	OnResource   []*ResourceEvent
	OnFinish     Funlist
}

// OnResourceFor returns the funlist bound to a resource name, if any.
func (t *Task) OnResourceFor(name string) (Funlist, bool) {
	for _, ev := range t.OnResource {
		if ev.Name == name {
			return ev.Funlist, true
		}
	}
	return nil, false
}

// Config is a parsed firmware description with section order
// preserved.
type Config struct {
	Meta      Meta
	Resources []*FileResource
	MBRs      []*MBR
	UBootEnvs []*UBootEnv
	Tasks     []*Task
}

// Resource returns the named file-resource section.
func (c *Config) Resource(name string) (*FileResource, error) {
	for _, r := range c.Resources {
		if r.Name == name {
			return r, nil
		}
	}
	return nil, fmt.Errorf("no file-resource %q", name)
}

// MBR returns the named mbr section.
func (c *Config) MBR(name string) (*MBR, error) {
	for _, m := range c.MBRs {
		if m.Name == name {
			return m, nil
		}
	}
	return nil, fmt.Errorf("no mbr %q", name)
}

// UBootEnv returns the named uboot-environment section.
func (c *Config) UBootEnv(name string) (*UBootEnv, error) {
	for _, u := range c.UBootEnvs {
		if u.Name == name {
			return u, nil
		}
	}
	return nil, fmt.Errorf("no uboot-environment %q", name)
}

// TasksMatching returns, in declaration order, the tasks whose name
// equals the request or extends it after a dot, so that a requested
// "upgrade" considers "upgrade.a" and "upgrade.b".
func (c *Config) TasksMatching(name string) []*Task {
	var out []*Task
	for _, t := range c.Tasks {
		if t.Name == name || strings.HasPrefix(t.Name, name+".") {
			out = append(out, t)
		}
	}
	return out
}

// Parse decodes a configuration document. ${VAR} references in any
// string scalar are expanded from the process environment first;
// absent variables expand to the empty string.
func Parse(doc []byte) (*Config, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(doc, &root); err != nil {
		return nil, err
	}
	if root.Kind == 0 || len(root.Content) == 0 {
		return nil, fmt.Errorf("empty configuration")
	}
	expandEnv(&root)

	cfg := &Config{}
	if err := cfg.decode(root.Content[0]); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads and parses the configuration at path.
func Load(path string) (*Config, error) {
	doc, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(doc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func expandEnv(n *yaml.Node) {
	if n.Kind == yaml.ScalarNode && strings.Contains(n.Value, "${") {
		n.Value = os.Expand(n.Value, os.Getenv)
	}
	for _, c := range n.Content {
		expandEnv(c)
	}
}

func (c *Config) decode(root *yaml.Node) error {
	if root.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: configuration must be a mapping", root.Line)
	}
	for i := 0; i < len(root.Content); i += 2 {
		key, val := root.Content[i], root.Content[i+1]
		switch key.Value {
		case "meta":
			if err := val.Decode(&c.Meta); err != nil {
				return err
			}
		case "file-resources":
			if err := eachNamed(val, func(name string, n *yaml.Node) error {
				r := &FileResource{Name: name}
				if err := n.Decode(r); err != nil {
					return err
				}
				c.Resources = append(c.Resources, r)
				return nil
			}); err != nil {
				return err
			}
		case "mbrs":
			if err := eachNamed(val, func(name string, n *yaml.Node) error {
				m := &MBR{Name: name}
				if err := n.Decode(m); err != nil {
					return err
				}
				if len(m.Partitions) > 4 {
					return fmt.Errorf("mbr %q: %d partitions exceed the MBR's four slots", name, len(m.Partitions))
				}
				c.MBRs = append(c.MBRs, m)
				return nil
			}); err != nil {
				return err
			}
		case "uboot-environments":
			if err := eachNamed(val, func(name string, n *yaml.Node) error {
				u := &UBootEnv{Name: name}
				if err := n.Decode(u); err != nil {
					return err
				}
				if u.BlockCount == 0 {
					return fmt.Errorf("uboot-environment %q: block-count must be positive", name)
				}
				c.UBootEnvs = append(c.UBootEnvs, u)
				return nil
			}); err != nil {
				return err
			}
		case "tasks":
			if err := eachNamed(val, func(name string, n *yaml.Node) error {
				t := &Task{Name: name}
				if err := decodeTask(t, n); err != nil {
					return fmt.Errorf("task %q: %w", name, err)
				}
				c.Tasks = append(c.Tasks, t)
				return nil
			}); err != nil {
				return err
			}
		default:
			return fmt.Errorf("line %d: unknown section %q", key.Line, key.Value)
		}
	}
	return nil
}

// eachNamed walks a mapping of name → body in document order.
func eachNamed(node *yaml.Node, fn func(name string, n *yaml.Node) error) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: expected a mapping of names", node.Line)
	}
	for i := 0; i < len(node.Content); i += 2 {
		if err := fn(node.Content[i].Value, node.Content[i+1]); err != nil {
			return err
		}
	}
	return nil
}

func decodeTask(t *Task, node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: a task must be a mapping", node.Line)
	}
	for i := 0; i < len(node.Content); i += 2 {
		key, val := node.Content[i], node.Content[i+1]
		switch {
		case key.Value == "on-init":
			if err := val.Decode(&t.OnInit); err != nil {
				return err
			}
		case key.Value == "on-finish":
			if err := val.Decode(&t.OnFinish); err != nil {
				return err
			}
		case key.Value == "on-resource":
			if err := eachNamed(val, func(name string, n *yaml.Node) error {
				ev := &ResourceEvent{Name: strings.TrimSuffix(name, "?")}
				ev.Optional = ev.Name != name
				if err := n.Decode(&ev.Funlist); err != nil {
					return err
				}
				t.OnResource = append(t.OnResource, ev)
				return nil
			}); err != nil {
				return err
			}
		case strings.HasPrefix(key.Value, "require-"):
			var args Funlist
			if val.Kind == yaml.ScalarNode {
				args = Funlist{val.Value}
			} else if err := val.Decode(&args); err != nil {
				return err
			}
			t.Requirements = append(t.Requirements, Requirement{
				Kind: strings.TrimPrefix(key.Value, "require-"),
				Args: args,
			})
		default:
			return fmt.Errorf("line %d: unknown task key %q", key.Line, key.Value)
		}
	}
	return nil
}
