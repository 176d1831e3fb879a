package domain

// Exposure declares that an application accepts traffic on InternalPort
// and should be reachable cluster-wide on ExternalPort.
type Exposure struct {
	Protocol     Protocol
	InternalPort int
	ExternalPort int
}

// ServiceMap is the desired-configuration input to rule compilation: for
// each application name, the ports it exposes. It is read-only here;
// authoring and storage belong to the configuration collaborator.
type ServiceMap map[string][]Exposure

// ExposuresFor returns the declared exposures for an application name,
// or nil if the application exposes nothing.
func (m ServiceMap) ExposuresFor(name string) []Exposure {
	return m[name]
}
