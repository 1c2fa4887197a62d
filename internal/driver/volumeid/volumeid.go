// Package volumeid derives and validates the opaque volume identifiers
// this driver hands back to the orchestrator.
package volumeid

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

// driverNamespace is a fixed, private UUID used as the namespace for the
// UUIDv5 volume-id derivation. It is not one of the RFC 4122 well-known
// namespaces (DNS/URL/OID/X500) so ids from this driver never collide
// with UUIDv5s minted by unrelated systems over the same name.
var driverNamespace = uuid.MustParse("5b49d3d4-1b1a-4f0a-9c7a-0f6c9b7e6a11")

const prefix = "nlc-"

var idPattern = regexp.MustCompile(`^nlc-[0-9a-f-]{36}$`)

// New derives the deterministic volume id for a CreateVolume request
// name. Repeated calls with the same name always return the same id.
func New(name string) string {
	return prefix + uuid.NewSHA1(driverNamespace, []byte(name)).String()
}

// Validate reports whether id has the form this driver produces.
func Validate(id string) error {
	if !idPattern.MatchString(id) {
		return fmt.Errorf("volume id %q does not match expected format %q", id, idPattern.String())
	}
	return nil
}
