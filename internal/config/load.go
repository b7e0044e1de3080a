// Package config turns an incant.yaml fleet file into a validated spec.Fleet.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/incant-go/incant/internal/spec"
)

// Candidates are the fleet file names tried in the project root, in order.
var Candidates = []string{"incant.yaml", "incant.yaml.tmpl", ".incant.yaml", ".incant.yaml.tmpl"}

var acceptedFields = map[string]bool{
	"image":         true,
	"vm":            true,
	"profiles":      true,
	"config":        true,
	"devices":       true,
	"network":       true,
	"type":          true,
	"wait":          true,
	"provision":     true,
	"shared_folder": true,
}

var validName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9-]{0,62}$`)

// Options control where the fleet file comes from.
type Options struct {
	// File is an explicit fleet file; empty means discovery in Dir.
	File string
	// Dir is the project root; empty means the working directory.
	Dir string
	// Fs defaults to the OS filesystem.
	Fs afero.Fs
}

// Find returns the fleet file to use.
func Find(fs afero.Fs, dir, explicit string) (string, error) {
	if explicit != "" {
		if _, err := fs.Stat(explicit); err != nil {
			return "", fmt.Errorf("fleet file %s: %w", explicit, err)
		}
		return explicit, nil
	}
	for _, name := range Candidates {
		p := filepath.Join(dir, name)
		if st, err := fs.Stat(p); err == nil && !st.IsDir() {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w in %s", ErrNoFleetFile, dir)
}

// Load discovers, renders and parses the fleet file. The project root is the
// directory containing the file.
func Load(opts Options) (*spec.Fleet, error) {
	fs := opts.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	dir := opts.Dir
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		dir = wd
	}
	path, err := Find(fs, dir, opts.File)
	if err != nil {
		return nil, err
	}
	root, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("read fleet file: %w", err)
	}
	if strings.HasSuffix(path, ".tmpl") {
		extra, err := LoadEnvFile(fs, filepath.Join(filepath.Dir(path), EnvFileName))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", EnvFileName, err)
		}
		data, err = Render(filepath.Base(path), data, TemplateData{Env: environ(extra), Root: root})
		if err != nil {
			return nil, &ResolutionError{File: path, Step: -1, Err: err}
		}
	}
	fleet, err := Parse(data, root)
	if err != nil {
		var re *ResolutionError
		if errors.As(err, &re) && re.File == "" {
			re.File = filepath.Base(path)
		}
		return nil, err
	}
	return fleet, nil
}

type document struct {
	Instances yaml.Node `yaml:"instances"`
}

type rawInstance struct {
	Image        string                       `yaml:"image"`
	VM           bool                         `yaml:"vm"`
	Profiles     []string                     `yaml:"profiles"`
	Config       map[string]string            `yaml:"config"`
	Devices      map[string]map[string]string `yaml:"devices"`
	Network      string                       `yaml:"network"`
	Type         string                       `yaml:"type"`
	Wait         *bool                        `yaml:"wait"`
	Provision    yaml.Node                    `yaml:"provision"`
	SharedFolder *bool                        `yaml:"shared_folder"`
}

// Parse decodes a rendered fleet document. Instances keep their declaration order.
func Parse(data []byte, root string) (*spec.Fleet, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var doc document
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &ResolutionError{Step: -1, Msg: "fleet file is empty"}
		}
		return nil, &ResolutionError{Step: -1, Msg: "invalid YAML", Err: err}
	}
	if doc.Instances.Kind == 0 {
		return nil, &ResolutionError{Step: -1, Msg: "no instances found"}
	}
	if doc.Instances.Kind != yaml.MappingNode {
		return nil, &ResolutionError{Step: -1, Msg: fmt.Sprintf("line %d: instances must be a mapping of name to instance", doc.Instances.Line)}
	}

	fleet := &spec.Fleet{Root: root}
	seen := map[string]bool{}
	nodes := doc.Instances.Content
	for i := 0; i+1 < len(nodes); i += 2 {
		name := nodes[i].Value
		if !validName.MatchString(name) {
			return nil, instanceErr(name, "invalid instance name (letters, digits and hyphens only)")
		}
		if seen[name] {
			return nil, instanceErr(name, "declared more than once")
		}
		seen[name] = true
		inst, err := decodeInstance(name, nodes[i+1])
		if err != nil {
			return nil, err
		}
		fleet.Instances = append(fleet.Instances, inst)
	}
	if len(fleet.Instances) == 0 {
		return nil, &ResolutionError{Step: -1, Msg: "no instances found"}
	}
	return fleet, nil
}

func decodeInstance(name string, node *yaml.Node) (spec.Instance, error) {
	// An instance with no body ("name:") is a null scalar.
	if node.Kind == yaml.ScalarNode && node.ShortTag() == "!!null" {
		return spec.Instance{}, instanceErr(name, "missing required 'image' field")
	}
	if node.Kind != yaml.MappingNode {
		return spec.Instance{}, instanceErr(name, "must be a mapping")
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if field := node.Content[i].Value; !acceptedFields[field] {
			return spec.Instance{}, instanceErr(name, "unknown field %q", field)
		}
	}
	var raw rawInstance
	if err := node.Decode(&raw); err != nil {
		return spec.Instance{}, &ResolutionError{Instance: name, Step: -1, Err: err}
	}
	if strings.TrimSpace(raw.Image) == "" {
		return spec.Instance{}, instanceErr(name, "missing required 'image' field")
	}
	steps, err := decodeProvision(name, &raw.Provision)
	if err != nil {
		return spec.Instance{}, err
	}

	inst := spec.Instance{
		Name:         name,
		Image:        raw.Image,
		VM:           raw.VM,
		Hardware:     spec.Hardware{Type: raw.Type, Devices: raw.Devices},
		Config:       raw.Config,
		Profiles:     raw.Profiles,
		Network:      raw.Network,
		SharedFolder: true,
		WaitForReady: raw.VM || len(steps) > 0,
		Steps:        steps,
	}
	if raw.SharedFolder != nil {
		inst.SharedFolder = *raw.SharedFolder
	}
	if raw.Wait != nil {
		inst.WaitForReady = *raw.Wait
	}
	return inst, nil
}

func decodeProvision(name string, node *yaml.Node) ([]spec.Step, error) {
	switch {
	case node.Kind == 0:
		return nil, nil
	case node.Kind == yaml.ScalarNode && node.ShortTag() == "!!null":
		return nil, nil
	case node.Kind == yaml.ScalarNode && node.ShortTag() == "!!str":
		return []spec.Step{textStep(node.Value)}, nil
	case node.Kind == yaml.SequenceNode:
	default:
		return nil, instanceErr(name, "provision must be a string or a list of steps")
	}

	steps := make([]spec.Step, 0, len(node.Content))
	for idx, item := range node.Content {
		switch {
		case item.Kind == yaml.ScalarNode && item.ShortTag() == "!!str":
			steps = append(steps, textStep(item.Value))
		case item.Kind == yaml.MappingNode:
			step, err := decodeStepMap(name, idx, item)
			if err != nil {
				return nil, err
			}
			steps = append(steps, step)
		default:
			return nil, stepErr(name, idx, "must be a string or a mapping")
		}
	}
	return steps, nil
}

// textStep classifies a string step: one line is a command, more is a script.
func textStep(text string) spec.Step {
	if strings.Contains(strings.TrimRight(text, "\n"), "\n") {
		return spec.Step{Kind: spec.InlineScript, Text: text}
	}
	return spec.Step{Kind: spec.InlineCommand, Text: strings.TrimSpace(text)}
}

func decodeStepMap(name string, idx int, node *yaml.Node) (spec.Step, error) {
	if len(node.Content) != 2 {
		return spec.Step{}, stepErr(name, idx, "must have exactly one key (script, copy or ssh)")
	}
	key, val := node.Content[0].Value, node.Content[1]
	switch key {
	case "script":
		if val.Kind != yaml.ScalarNode || val.ShortTag() != "!!str" || strings.TrimSpace(val.Value) == "" {
			return spec.Step{}, stepErr(name, idx, "script must be a file path")
		}
		return spec.Step{Kind: spec.ScriptFile, Path: val.Value}, nil
	case "copy":
		c, err := decodeCopy(name, idx, val)
		if err != nil {
			return spec.Step{}, err
		}
		return spec.Step{Kind: spec.CopyFile, Copy: c}, nil
	case "ssh":
		s, err := decodeSSH(name, idx, val)
		if err != nil {
			return spec.Step{}, err
		}
		return spec.Step{Kind: spec.SSHServer, SSH: s}, nil
	}
	return spec.Step{}, stepErr(name, idx, "unknown provisioning step type %q", key)
}

type rawCopy struct {
	Source     yaml.Node `yaml:"source"`
	Target     yaml.Node `yaml:"target"`
	Mode       yaml.Node `yaml:"mode"`
	UID        yaml.Node `yaml:"uid"`
	GID        yaml.Node `yaml:"gid"`
	Recursive  yaml.Node `yaml:"recursive"`
	CreateDirs yaml.Node `yaml:"create_dirs"`
}

var copyFields = map[string]bool{
	"source": true, "target": true, "mode": true, "uid": true, "gid": true,
	"recursive": true, "create_dirs": true,
}

func decodeCopy(name string, idx int, node *yaml.Node) (*spec.Copy, error) {
	if node.Kind != yaml.MappingNode {
		return nil, stepErr(name, idx, "copy must be a mapping with source and target")
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if f := node.Content[i].Value; !copyFields[f] {
			return nil, stepErr(name, idx, "copy has unknown field %q", f)
		}
	}
	var raw rawCopy
	if err := node.Decode(&raw); err != nil {
		return nil, &ResolutionError{Instance: name, Step: idx, Err: err}
	}
	var missing []string
	if raw.Source.Kind == 0 {
		missing = append(missing, "source")
	}
	if raw.Target.Kind == 0 {
		missing = append(missing, "target")
	}
	if len(missing) > 0 {
		return nil, stepErr(name, idx, "copy is missing required field(s): %s", strings.Join(missing, ", "))
	}
	if !isString(&raw.Source) || !isString(&raw.Target) || raw.Source.Value == "" || raw.Target.Value == "" {
		return nil, stepErr(name, idx, "copy must have string 'source' and 'target'")
	}
	c := &spec.Copy{Source: raw.Source.Value, Target: raw.Target.Value}

	if raw.Mode.Kind != 0 {
		// An unquoted 0644 would be read as an integer by YAML 1.1 tools; require a string.
		if !isString(&raw.Mode) {
			return nil, stepErr(name, idx, "copy has invalid 'mode' (use a quoted octal string such as \"0644\")")
		}
		m, err := strconv.ParseUint(raw.Mode.Value, 8, 32)
		if err != nil || m > 0o7777 {
			return nil, stepErr(name, idx, "copy has invalid 'mode' %q", raw.Mode.Value)
		}
		mode := os.FileMode(m)
		c.Mode = &mode
	}
	var err error
	if c.UID, err = optID(&raw.UID); err != nil {
		return nil, stepErr(name, idx, "copy has invalid 'uid': %v", err)
	}
	if c.GID, err = optID(&raw.GID); err != nil {
		return nil, stepErr(name, idx, "copy has invalid 'gid': %v", err)
	}
	for field, n := range map[string]*yaml.Node{"recursive": &raw.Recursive, "create_dirs": &raw.CreateDirs} {
		if n.Kind != 0 && n.ShortTag() != "!!bool" {
			return nil, stepErr(name, idx, "copy has invalid '%s' (must be a boolean)", field)
		}
	}
	if raw.Recursive.Value == "true" {
		return nil, stepErr(name, idx, "recursive copy is not supported")
	}
	return c, nil
}

func isString(n *yaml.Node) bool {
	return n.Kind == yaml.ScalarNode && n.ShortTag() == "!!str"
}

func optID(n *yaml.Node) (*int, error) {
	if n.Kind == 0 {
		return nil, nil
	}
	if n.Kind != yaml.ScalarNode || n.ShortTag() != "!!int" {
		return nil, fmt.Errorf("must be an integer")
	}
	v, err := strconv.Atoi(n.Value)
	if err != nil || v < 0 {
		return nil, fmt.Errorf("must be a non-negative integer")
	}
	return &v, nil
}

type rawSSH struct {
	AuthorizedKeys  string `yaml:"authorized_keys"`
	CleanKnownHosts bool   `yaml:"clean_known_hosts"`
}

func decodeSSH(name string, idx int, node *yaml.Node) (*spec.SSH, error) {
	switch {
	case node.Kind == yaml.ScalarNode && node.ShortTag() == "!!bool":
		var on bool
		if err := node.Decode(&on); err != nil {
			return nil, &ResolutionError{Instance: name, Step: idx, Err: err}
		}
		if !on {
			return nil, stepErr(name, idx, "ssh: false is not a provisioning step; remove it")
		}
		// The short form also refreshes the local known_hosts entry.
		return &spec.SSH{CleanKnownHosts: true}, nil
	case node.Kind == yaml.MappingNode:
		for i := 0; i+1 < len(node.Content); i += 2 {
			if f := node.Content[i].Value; f != "authorized_keys" && f != "clean_known_hosts" {
				return nil, stepErr(name, idx, "ssh has unknown field %q", f)
			}
		}
		var raw rawSSH
		if err := node.Decode(&raw); err != nil {
			return nil, &ResolutionError{Instance: name, Step: idx, Err: err}
		}
		return &spec.SSH{AuthorizedKeys: raw.AuthorizedKeys, CleanKnownHosts: raw.CleanKnownHosts}, nil
	}
	return nil, stepErr(name, idx, "ssh must have a boolean or mapping value")
}
