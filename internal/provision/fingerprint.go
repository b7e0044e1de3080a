package provision

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"

	"github.com/incant-go/incant/internal/spec"
)

const fingerprintPrefix = "sha256:"

// Fingerprint identifies a step by its kind and resolved content. Position in
// the step list does not participate, so reordering keeps recorded steps applied.
type Fingerprint string

// Short returns an abbreviated form for logs and summaries.
func (f Fingerprint) Short() string {
	s := string(f)
	if len(s) > len(fingerprintPrefix)+12 {
		return s[:len(fingerprintPrefix)+12]
	}
	return s
}

// Compute hashes a step together with the content it resolves to. content is
// the script body for ScriptFile, the source bytes for CopyFile and the
// authorized_keys payload for SSHServer; it is ignored for the inline kinds.
func Compute(step spec.Step, content []byte) Fingerprint {
	h := sha256.New()
	field(h, []byte(step.Kind))
	switch step.Kind {
	case spec.InlineCommand, spec.InlineScript:
		field(h, canonical([]byte(step.Text)))
	case spec.ScriptFile:
		field(h, canonical(content))
	case spec.CopyFile:
		field(h, content)
		c := step.Copy
		if c == nil {
			c = &spec.Copy{}
		}
		field(h, []byte(c.Target))
		field(h, []byte(optMode(c)))
		field(h, []byte(optInt(c.UID)))
		field(h, []byte(optInt(c.GID)))
	case spec.SSHServer:
		field(h, content)
		clean := "false"
		if step.SSH != nil && step.SSH.CleanKnownHosts {
			clean = "true"
		}
		field(h, []byte(clean))
	}
	return Fingerprint(fingerprintPrefix + hex.EncodeToString(h.Sum(nil)))
}

// field writes a length-prefixed value so adjacent fields cannot collide.
func field(h hash.Hash, b []byte) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(b)))
	h.Write(n[:])
	h.Write(b)
}

// canonical normalizes line endings of text content.
func canonical(b []byte) []byte {
	return bytes.ReplaceAll(b, []byte("\r\n"), []byte("\n"))
}

func optMode(c *spec.Copy) string {
	if c.Mode == nil {
		return "-"
	}
	return fmt.Sprintf("%04o", uint32(*c.Mode))
}

func optInt(v *int) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *v)
}
