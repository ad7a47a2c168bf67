package convstate

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/google/uuid"
)

// Fingerprint derives the stable conversation key (spec.md §4.2) from the
// identifiers available on a request: prefer an explicit session id
// (stable across reconnects of the same logical session); fall back to a
// content hash of the system prompt plus first user message, which keeps
// distinct sessions in the same working directory distinct even when no
// session id is present.
func Fingerprint(sessionID, systemPrompt, firstUserMessage string) string {
	if sessionID != "" {
		return "sess:" + sessionID
	}
	h := sha256.Sum256([]byte(systemPrompt + "\x00" + firstUserMessage))
	return "content:" + hex.EncodeToString(h[:16])
}

// ConvID derives a short, human-readable id from a fingerprint. It is
// deterministic: the same key always yields the same conv_id, which
// keeps dashboard URLs and the /v1/_reset{conv_id} contract stable across
// process restarts (the uuid namespace is fixed, not random).
func ConvID(key string) string {
	id := uuid.NewSHA1(convIDNamespace, []byte(key))
	return id.String()[:8]
}

// convIDNamespace is an arbitrary, fixed UUID used as the namespace for
// deriving deterministic conv_ids via uuid.NewSHA1 (RFC 4122 §4.3).
var convIDNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
