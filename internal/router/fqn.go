package router

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/kaonis/woly-cnc/internal/shared"
)

// fqn is the parsed form of a host's fully-qualified name: `hostname@percent-encoded-location`.
type fqn struct {
	Hostname string
	Location string
}

// parseFQN splits raw on its single '@' and percent-decodes the location half. Exactly one
// '@' is required; both halves must be non-empty; a malformed percent-escape in the location
// is rejected rather than silently passed through.
func parseFQN(raw string) (fqn, error) {
	idx := strings.Index(raw, "@")
	if idx < 0 || idx != strings.LastIndex(raw, "@") {
		return fqn{}, fmt.Errorf("%w: %q must contain exactly one '@'", shared.ErrInvalidFqnFormat, raw)
	}

	hostname := raw[:idx]
	encodedLocation := raw[idx+1:]
	if hostname == "" || encodedLocation == "" {
		return fqn{}, fmt.Errorf("%w: %q has an empty hostname or location", shared.ErrInvalidFqnFormat, raw)
	}

	location, err := url.PathUnescape(encodedLocation)
	if err != nil {
		return fqn{}, fmt.Errorf("%w: %q: %v", shared.ErrInvalidFqnEncoding, raw, err)
	}

	return fqn{Hostname: hostname, Location: location}, nil
}

// buildFQN is parseFQN's inverse: it percent-encodes location and joins it to hostname with
// '@'. Used by tests to assert the encode/decode round trip.
func buildFQN(hostname, location string) string {
	return hostname + "@" + url.PathEscape(location)
}
