package protocol

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// SupportedVersions is the server's preference list of protocol version
// ranges, most preferred first.
var SupportedVersions = []string{"^0.4.0", "^0.3.0", "^0.2.0", "^0.1.0"}

// defaultClientVersions stands in for clients that offer no version list.
var defaultClientVersions = []string{"^0.1.0"}

// VersionError reports that no server range intersects any client range.
type VersionError struct {
	Server []string
	Client []string
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("Unsupported client protocol. Server: [%s]. Client: [%s]",
		strings.Join(e.Server, ","), strings.Join(e.Client, ","))
}

// NegotiateVersion returns the first server range that intersects any of the
// client's offered ranges. An empty client list is treated as ["^0.1.0"].
func NegotiateVersion(server, client []string) (string, error) {
	if len(client) == 0 {
		client = defaultClientVersions
	}
	for _, s := range server {
		for _, c := range client {
			if rangesIntersect(s, c) {
				return s, nil
			}
		}
	}
	return "", &VersionError{Server: server, Client: client}
}

// rangesIntersect reports whether two simple (caret, tilde, ">=" or exact)
// semver ranges overlap. A range whose floor cannot be read (such as "<2.0.0")
// only matches through the other range's floor. Two such ranges overlap iff one's floor
// version satisfies the other range.
func rangesIntersect(a, b string) bool {
	ca, err := semver.NewConstraint(a)
	if err != nil {
		return false
	}
	cb, err := semver.NewConstraint(b)
	if err != nil {
		return false
	}
	if min, err := rangeFloor(a); err == nil && cb.Check(min) {
		return true
	}
	if min, err := rangeFloor(b); err == nil && ca.Check(min) {
		return true
	}
	return false
}

// rangeFloor extracts the lowest version a simple range admits.
func rangeFloor(r string) (*semver.Version, error) {
	v := strings.TrimSpace(r)
	v = strings.TrimLeft(v, "^~>=v ")
	return semver.NewVersion(v)
}
