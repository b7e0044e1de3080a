package provision

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/incant-go/incant/internal/spec"
)

func TestFingerprintIsStable(t *testing.T) {
	step := spec.Step{Kind: spec.InlineCommand, Text: "apt-get update"}
	a := Compute(step, nil)
	b := Compute(step, nil)
	assert.Equal(t, a, b)
	assert.True(t, strings.HasPrefix(string(a), "sha256:"))
	assert.Len(t, string(a), len("sha256:")+64)
	assert.Len(t, a.Short(), len("sha256:")+12)
}

func TestFingerprintIgnoresPosition(t *testing.T) {
	steps := []spec.Step{
		{Kind: spec.InlineCommand, Text: "echo a"},
		{Kind: spec.InlineCommand, Text: "echo b"},
	}
	before := []Fingerprint{Compute(steps[0], nil), Compute(steps[1], nil)}
	steps[0], steps[1] = steps[1], steps[0]
	after := []Fingerprint{Compute(steps[0], nil), Compute(steps[1], nil)}
	assert.ElementsMatch(t, before, after)
}

func TestFingerprintDetectsChanges(t *testing.T) {
	mode := os.FileMode(0o644)
	other := os.FileMode(0o600)
	uid := 1000
	cases := []struct {
		name string
		a, b spec.Step
		ca   []byte
		cb   []byte
	}{
		{"command text", spec.Step{Kind: spec.InlineCommand, Text: "echo a"}, spec.Step{Kind: spec.InlineCommand, Text: "echo b"}, nil, nil},
		{"script body", spec.Step{Kind: spec.InlineScript, Text: "a\nb\n"}, spec.Step{Kind: spec.InlineScript, Text: "a\nc\n"}, nil, nil},
		{"kind", spec.Step{Kind: spec.InlineCommand, Text: "x"}, spec.Step{Kind: spec.InlineScript, Text: "x"}, nil, nil},
		{"script file content", spec.Step{Kind: spec.ScriptFile, Path: "s.sh"}, spec.Step{Kind: spec.ScriptFile, Path: "s.sh"}, []byte("echo 1"), []byte("echo 2")},
		{"copy content", spec.Step{Kind: spec.CopyFile, Copy: &spec.Copy{Source: "a", Target: "/t"}}, spec.Step{Kind: spec.CopyFile, Copy: &spec.Copy{Source: "a", Target: "/t"}}, []byte("1"), []byte("2")},
		{"copy target", spec.Step{Kind: spec.CopyFile, Copy: &spec.Copy{Source: "a", Target: "/t"}}, spec.Step{Kind: spec.CopyFile, Copy: &spec.Copy{Source: "a", Target: "/u"}}, []byte("1"), []byte("1")},
		{"copy mode", spec.Step{Kind: spec.CopyFile, Copy: &spec.Copy{Source: "a", Target: "/t", Mode: &mode}}, spec.Step{Kind: spec.CopyFile, Copy: &spec.Copy{Source: "a", Target: "/t", Mode: &other}}, []byte("1"), []byte("1")},
		{"copy owner", spec.Step{Kind: spec.CopyFile, Copy: &spec.Copy{Source: "a", Target: "/t"}}, spec.Step{Kind: spec.CopyFile, Copy: &spec.Copy{Source: "a", Target: "/t", UID: &uid}}, []byte("1"), []byte("1")},
		{"ssh keys", spec.Step{Kind: spec.SSHServer, SSH: &spec.SSH{}}, spec.Step{Kind: spec.SSHServer, SSH: &spec.SSH{}}, []byte("k1"), []byte("k2")},
		{"ssh clean", spec.Step{Kind: spec.SSHServer, SSH: &spec.SSH{}}, spec.Step{Kind: spec.SSHServer, SSH: &spec.SSH{CleanKnownHosts: true}}, []byte("k"), []byte("k")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.NotEqual(t, Compute(tc.a, tc.ca), Compute(tc.b, tc.cb))
		})
	}
}

func TestFingerprintNormalizesLineEndings(t *testing.T) {
	unix := Compute(spec.Step{Kind: spec.InlineScript, Text: "echo a\necho b\n"}, nil)
	dos := Compute(spec.Step{Kind: spec.InlineScript, Text: "echo a\r\necho b\r\n"}, nil)
	assert.Equal(t, unix, dos)
}

func TestFingerprintFieldsDoNotRunTogether(t *testing.T) {
	a := Compute(spec.Step{Kind: spec.CopyFile, Copy: &spec.Copy{Target: "/ab"}}, []byte("x"))
	b := Compute(spec.Step{Kind: spec.CopyFile, Copy: &spec.Copy{Target: "b"}}, []byte("x/a"))
	assert.NotEqual(t, a, b)
}
