package platform

import (
	"fmt"
	"strings"

	"github.com/ahimsalabs/platform-go/platform/internal/protocol"
)

// Locator identifies a service instance: "v1:<cluster>:<instance-id>".
type Locator struct {
	Version    string
	Cluster    string
	InstanceID string
}

// ParseLocator parses an instance locator.
func ParseLocator(s string) (Locator, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return Locator{}, fmt.Errorf("%w: %q", ErrInvalidLocator, s)
	}
	for _, p := range parts {
		if p == "" {
			return Locator{}, fmt.Errorf("%w: %q", ErrInvalidLocator, s)
		}
	}
	if parts[0] != "v1" {
		return Locator{}, fmt.Errorf("%w: unsupported version %q", ErrInvalidLocator, parts[0])
	}
	return Locator{Version: parts[0], Cluster: parts[1], InstanceID: parts[2]}, nil
}

// Host returns the cluster host name.
func (l Locator) Host() string {
	return l.Cluster + "." + protocol.HostSuffix
}

// BaseURL returns the HTTPS origin for the cluster.
func (l Locator) BaseURL() string {
	return "https://" + l.Host()
}

func (l Locator) String() string {
	return l.Version + ":" + l.Cluster + ":" + l.InstanceID
}

// servicePath namespaces path as /services/<name>/<version>/<instance>/<path>.
func servicePath(name, version, instance, path string) string {
	return "/" + strings.Join([]string{
		protocol.ServicesPrefix, name, version, instance, strings.TrimLeft(path, "/"),
	}, "/")
}
