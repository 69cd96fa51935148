package txlog

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/roach88/reaqtor/internal/artifact"
)

// ErrCorrupted is returned when a persisted entry fails its integrity check.
var ErrCorrupted = errors.New("log entry corrupted (CRC mismatch)")

// Entry is one registry mutation.
type Entry struct {
	Version  uint64        `json:"version"`
	Op       artifact.Op   `json:"op"`
	Kind     artifact.Kind `json:"kind"`
	EntityID string        `json:"entity_id"`

	// Payload is the encoded artifact record for Create and Update; empty
	// for Delete.
	Payload []byte `json:"payload,omitempty"`

	// Err is set on entries that were persisted but could not be decoded
	// when the log was opened. Replay surfaces them so the consumer can
	// report and skip them.
	Err error `json:"-"`
}

type entityKey struct {
	kind artifact.Kind
	id   string
}

func (e Entry) key() entityKey {
	return entityKey{kind: e.Kind, id: e.EntityID}
}

// Validate checks the fields a consumer relies on.
func (e Entry) Validate() error {
	if e.Err != nil {
		return e.Err
	}
	if !e.Op.IsValid() {
		return fmt.Errorf("entry %d: invalid op %d", e.Version, uint8(e.Op))
	}
	if !e.Kind.IsValid() {
		return fmt.Errorf("entry %d: invalid kind %d", e.Version, uint8(e.Kind))
	}
	if e.EntityID == "" {
		return fmt.Errorf("entry %d: entity id is required", e.Version)
	}
	if e.Op != artifact.OpDelete && len(e.Payload) == 0 {
		return fmt.Errorf("entry %d: %s requires a payload", e.Version, e.Op)
	}
	return nil
}

// encodeEntry frames an entry as [4-byte CRC32][JSON].
func encodeEntry(e Entry) ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode entry %d: %w", e.Version, err)
	}
	out := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(out[:4], crc32.ChecksumIEEE(body))
	copy(out[4:], body)
	return out, nil
}

// decodeEntry verifies the CRC and decodes an entry.
func decodeEntry(data []byte) (Entry, error) {
	if len(data) < 4 {
		return Entry{}, fmt.Errorf("%w: entry too short (%d bytes)", ErrCorrupted, len(data))
	}
	stored := binary.BigEndian.Uint32(data[:4])
	body := data[4:]
	if crc32.ChecksumIEEE(body) != stored {
		return Entry{}, ErrCorrupted
	}
	var e Entry
	if err := json.Unmarshal(body, &e); err != nil {
		return Entry{}, fmt.Errorf("decode entry: %w", err)
	}
	return e, nil
}
