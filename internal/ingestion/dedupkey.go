package ingestion

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

const noPrevious = "<none>"

// DedupKey derives the value the store uses to make re-insertion of the same logical
// transition a no-op.
//
// With a token (the CRM's event id) the key is stable across redeliveries of that event.
// Without one, the key names the record the move starts from: writers that observe the same
// move from the same last record collide, while a stage that reverts and repeats
// (A -> B -> A -> B) gets a fresh key for every move. previousID is 0 when the entity has no
// history.
func DedupKey(entityID string, previousID int64, from *string, to, token string) string {
	fromValue := noPrevious
	if from != nil {
		fromValue = *from
	}

	discriminator := strings.TrimSpace(token)
	if discriminator != "" {
		discriminator = "token:" + discriminator
	} else {
		after := noPrevious
		if previousID > 0 {
			after = strconv.FormatInt(previousID, 10)
		}

		discriminator = "after:" + after
	}

	h := sha256.New()
	h.Write([]byte(entityID))
	h.Write([]byte{0})
	h.Write([]byte(fromValue))
	h.Write([]byte{0})
	h.Write([]byte(to))
	h.Write([]byte{0})
	h.Write([]byte(discriminator))

	return hex.EncodeToString(h.Sum(nil))
}
