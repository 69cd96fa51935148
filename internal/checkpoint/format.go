package checkpoint

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"strings"

	"github.com/roach88/reaqtor/internal/artifact"
)

// ErrStateCorrupted is returned by DecodeState when the checksum does not
// match the payload.
var ErrStateCorrupted = errors.New("checkpoint: state record corrupted")

// DefinitionsCategory is the KV category holding definition records of kind.
func DefinitionsCategory(kind artifact.Kind) string {
	return "definitions/" + kind.String()
}

// StateCategory is the KV category holding runtime state of kind.
func StateCategory(kind artifact.Kind) string {
	return "state/" + kind.String()
}

// QuarantineCategory receives definition records of entities quarantined
// during recovery.
func QuarantineCategory(kind artifact.Kind) string {
	return "quarantine/" + kind.String()
}

// EncodeState frames state bytes as [CRC32 big-endian][bytes].
func EncodeState(state []byte) []byte {
	out := make([]byte, 4+len(state))
	binary.BigEndian.PutUint32(out, crc32.ChecksumIEEE(state))
	copy(out[4:], state)
	return out
}

// DecodeState verifies and strips the frame written by EncodeState.
func DecodeState(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, ErrStateCorrupted
	}
	body := data[4:]
	if binary.BigEndian.Uint32(data) != crc32.ChecksumIEEE(body) {
		return nil, ErrStateCorrupted
	}
	return body, nil
}

const (
	canaryPrefix     = "reaqtor://canary/"
	canaryExpression = "canary"
)

// CanaryKinds are the kinds that receive a canary definition on every
// checkpoint.
var CanaryKinds = []artifact.Kind{
	artifact.KindObservable,
	artifact.KindObserver,
	artifact.KindSubscription,
}

// CanaryURI returns the canary key for kind.
func CanaryURI(kind artifact.Kind) string {
	return canaryPrefix + kind.String()
}

// IsCanary reports whether uri is a canary key.
func IsCanary(uri string) bool {
	return strings.HasPrefix(uri, canaryPrefix)
}

// HasCanary reports whether kind receives a canary.
func HasCanary(kind artifact.Kind) bool {
	for _, k := range CanaryKinds {
		if k == kind {
			return true
		}
	}
	return false
}

func canaryArtifact(kind artifact.Kind, version uint64) *artifact.Artifact {
	return &artifact.Artifact{
		URI:  CanaryURI(kind),
		Kind: kind,
		Definition: artifact.Definition{
			Expression: canaryExpression,
			Params:     map[string]any{"version": version},
		},
	}
}

// VerifyCanary reports whether data is a well-formed canary record for kind.
func VerifyCanary(kind artifact.Kind, data []byte) bool {
	a, err := artifact.DecodeRecord(data)
	if err != nil {
		return false
	}
	return a.Kind == kind && a.URI == CanaryURI(kind) && a.Definition.Expression == canaryExpression
}
