package config

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/incant-go/incant/internal/spec"
)

type dumpCopy struct {
	Source string `yaml:"source"`
	Target string `yaml:"target"`
	Mode   string `yaml:"mode,omitempty"`
	UID    *int   `yaml:"uid,omitempty"`
	GID    *int   `yaml:"gid,omitempty"`
}

type dumpInstance struct {
	Image        string                       `yaml:"image"`
	VM           bool                         `yaml:"vm,omitempty"`
	Type         string                       `yaml:"type,omitempty"`
	Profiles     []string                     `yaml:"profiles,omitempty"`
	Config       map[string]string            `yaml:"config,omitempty"`
	Devices      map[string]map[string]string `yaml:"devices,omitempty"`
	Network      string                       `yaml:"network,omitempty"`
	SharedFolder bool                         `yaml:"shared_folder"`
	Wait         bool                         `yaml:"wait"`
	Provision    []any                        `yaml:"provision,omitempty"`
}

// Dump writes the resolved fleet as YAML, with every default made explicit.
func Dump(w io.Writer, fleet *spec.Fleet) error {
	instances := &yaml.Node{Kind: yaml.MappingNode}
	for _, inst := range fleet.Instances {
		var body yaml.Node
		if err := body.Encode(toDump(inst)); err != nil {
			return fmt.Errorf("encode instance %s: %w", inst.Name, err)
		}
		instances.Content = append(instances.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: inst.Name}, &body)
	}
	doc := &yaml.Node{Kind: yaml.MappingNode, Content: []*yaml.Node{
		{Kind: yaml.ScalarNode, Value: "instances"}, instances,
	}}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return err
	}
	return enc.Close()
}

func toDump(inst spec.Instance) dumpInstance {
	d := dumpInstance{
		Image:        inst.Image,
		VM:           inst.VM,
		Type:         inst.Hardware.Type,
		Profiles:     inst.Profiles,
		Config:       inst.Config,
		Devices:      inst.Hardware.Devices,
		Network:      inst.Network,
		SharedFolder: inst.SharedFolder,
		Wait:         inst.WaitForReady,
	}
	for _, s := range inst.Steps {
		switch s.Kind {
		case spec.InlineCommand, spec.InlineScript:
			d.Provision = append(d.Provision, s.Text)
		case spec.ScriptFile:
			d.Provision = append(d.Provision, map[string]string{"script": s.Path})
		case spec.CopyFile:
			c := dumpCopy{Source: s.Copy.Source, Target: s.Copy.Target, UID: s.Copy.UID, GID: s.Copy.GID}
			if s.Copy.Mode != nil {
				c.Mode = fmt.Sprintf("%04o", uint32(*s.Copy.Mode))
			}
			d.Provision = append(d.Provision, map[string]dumpCopy{"copy": c})
		case spec.SSHServer:
			if s.SSH == nil || (*s.SSH == spec.SSH{CleanKnownHosts: true}) {
				d.Provision = append(d.Provision, map[string]bool{"ssh": true})
				continue
			}
			d.Provision = append(d.Provision, map[string]map[string]any{"ssh": {
				"authorized_keys":   s.SSH.AuthorizedKeys,
				"clean_known_hosts": s.SSH.CleanKnownHosts,
			}})
		}
	}
	return d
}
