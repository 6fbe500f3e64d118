package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Detail keys whose values are replaced with salted hashes under
// redaction. Password material must never reach the record at all;
// callers are expected to drop it before Append.
var sensitiveDetailKeys = map[string]struct{}{
	"email":           {},
	"token":           {},
	"authorization":   {},
	"github_username": {},
}

func redactRecord(rec Record, salt []byte) Record {
	if rec.ActorRef != "" {
		rec.ActorRef = hashString(rec.ActorRef, salt)
	}
	rec.Detail = redactDetail(rec.Detail, salt)
	return rec
}

func redactDetail(raw json.RawMessage, salt []byte) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var detail map[string]interface{}
	if err := json.Unmarshal(raw, &detail); err != nil {
		payload := map[string]interface{}{
			"detail_hash":     hashBytes(raw, salt),
			"redaction_error": "invalid_json",
		}
		b, _ := json.Marshal(payload)
		return b
	}
	for key, value := range detail {
		if _, sensitive := sensitiveDetailKeys[key]; !sensitive {
			continue
		}
		s, ok := value.(string)
		if !ok {
			b, _ := json.Marshal(value)
			detail[key] = hashBytes(b, salt)
			continue
		}
		detail[key] = hashString(s, salt)
	}
	b, _ := json.Marshal(detail)
	return b
}

func hashString(v string, salt []byte) string {
	return hashBytes([]byte(v), salt)
}

func hashBytes(b []byte, salt []byte) string {
	h := sha256.New()
	if len(salt) > 0 {
		_, _ = h.Write(salt)
	}
	_, _ = h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}
