package domain

import (
	"fmt"
	"strings"
)

// PortMap is a single internal-to-external port publication reported for
// an application.
type PortMap struct {
	Internal int
	External int
}

// EnvVar is one environment variable attached to an application.
type EnvVar struct {
	Name  string
	Value string
}

// Application is a named service instance as reported by a node. The name
// is only meaningful within one host's reported state; it is not a
// cluster-wide identifier.
type Application struct {
	Name        string
	Image       Image
	Ports       []PortMap
	Volume      string // container mount path, empty when the app has none
	Environment []EnvVar
}

// Equal reports structural equality over all fields.
func (a Application) Equal(other Application) bool {
	if a.Name != other.Name || !a.Image.Equal(other.Image) || a.Volume != other.Volume {
		return false
	}
	if len(a.Ports) != len(other.Ports) || len(a.Environment) != len(other.Environment) {
		return false
	}
	for i, p := range a.Ports {
		if p != other.Ports[i] {
			return false
		}
	}
	for i, e := range a.Environment {
		if e != other.Environment[i] {
			return false
		}
	}
	return true
}

// Key returns a string that is identical exactly for structurally equal
// applications, used for set membership.
func (a Application) Key() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s|%s|%s", a.Name, a.Image, a.Volume)
	for _, p := range a.Ports {
		fmt.Fprintf(&b, "|%d:%d", p.Internal, p.External)
	}
	for _, e := range a.Environment {
		fmt.Fprintf(&b, "|%s=%s", e.Name, e.Value)
	}
	return b.String()
}

func (a Application) Render() string {
	return fmt.Sprintf("%s (image=%s)", a.Name, a.Image)
}
