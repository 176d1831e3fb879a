package domain

import "strings"

// Image identifies a container image by repository and tag.
type Image struct {
	Repository string
	Tag        string
}

// ParseImage parses a "repository:tag" reference. A missing tag defaults
// to "latest", matching the container runtime's behavior.
func ParseImage(ref string) Image {
	// The tag separator is the last colon, but only if it comes after any
	// registry host:port prefix.
	if idx := strings.LastIndex(ref, ":"); idx >= 0 && !strings.Contains(ref[idx+1:], "/") {
		return Image{Repository: ref[:idx], Tag: ref[idx+1:]}
	}
	return Image{Repository: ref, Tag: "latest"}
}

func (i Image) String() string {
	return i.Repository + ":" + i.Tag
}

func (i Image) Equal(other Image) bool {
	return i == other
}
