package gateway

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/parallaxlabs/relay/pkg/models"
)

// DedupeWindow is how long an identical frame fingerprint suppresses
// redelivery on one connection. Duplicate emissions from overlapping
// publishers collapse inside this window without a global sequence
// number.
const DedupeWindow = 500 * time.Millisecond

// volatileFields never contribute to a frame's identity: two frames
// differing only in these are the same frame emitted twice.
var volatileFields = map[string]bool{
	"id":        true,
	"timestamp": true,
	"origin":    true,
}

// Fingerprint computes the normalized identity of an outgoing frame.
// Volatile fields are stripped at the top level and inside the
// payload; map key order does not matter because encoding/json
// serializes maps with sorted keys.
func Fingerprint(event models.Event) string {
	normalized := map[string]any{
		"type":   string(event.Type),
		"run_id": event.RunID,
	}
	if len(event.Payload) > 0 {
		payload := make(map[string]any, len(event.Payload))
		for k, v := range event.Payload {
			if volatileFields[k] {
				continue
			}
			payload[k] = v
		}
		normalized["payload"] = payload
	}

	data, err := json.Marshal(normalized)
	if err != nil {
		// Unmarshalable payloads cannot dedupe; deliver them all.
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
