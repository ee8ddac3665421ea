// Package lockid derives collision-resistant lock identifiers and
// ownership tokens. Identifiers fold in a millisecond timestamp and a
// random component, so two calls with identical logical inputs always
// produce distinct ids; the generator provides uniqueness, not
// idempotent deduplication.
package lockid

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	hashiuuid "github.com/hashicorp/go-uuid"
)

// Length is the hex length of generated lock identifiers.
const Length = 16

// ContextString builds a deterministic representation of a context map.
// Keys are sorted and joined as k:v pairs so identical maps hash
// identically regardless of insertion order; entries with empty values
// are dropped.
func ContextString(ctx map[string]string) string {
	if len(ctx) == 0 {
		return ""
	}
	keys := make([]string, 0, len(ctx))
	for k, v := range ctx {
		if v == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+":"+ctx[k])
	}
	return strings.Join(parts, "|")
}

// New generates a lock identifier for the given service, resource class
// and context.
func New(service, resource string, ctx map[string]string) string {
	content := fmt.Sprintf("%s:%s:%s:%d:%s",
		service, resource, ContextString(ctx),
		time.Now().UnixMilli(), uuid.NewString())
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])[:Length]
}

// Token generates a random ownership token stored as the lock value in
// the shared store.
func Token() (string, error) {
	return hashiuuid.GenerateUUID()
}
