package dispatch

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/maypok86/otter"
	"golang.org/x/text/unicode/norm"
)

// minCacheCapacity keeps the admission queue of the S3-FIFO policy non-empty;
// below ten entries otter rejects every Set.
const minCacheCapacity = 64

// LookupCache remembers lookup results by call signature. Entries are keyed
// by context version, so any accepted mutation makes earlier entries miss.
type LookupCache struct {
	cache otter.Cache[string, LookupOutcome]
}

// NewLookupCache creates a cache holding up to capacity results.
func NewLookupCache(capacity int) (*LookupCache, error) {
	cache, err := otter.MustBuilder[string, LookupOutcome](max(capacity, minCacheCapacity)).Build()
	if err != nil {
		return nil, fmt.Errorf("build lookup cache: %w", err)
	}
	return &LookupCache{cache: cache}, nil
}

func (c *LookupCache) Get(signature string) (LookupOutcome, bool) {
	return c.cache.Get(signature)
}

func (c *LookupCache) Put(signature string, outcome LookupOutcome) {
	c.cache.Set(signature, outcome)
}

func (c *LookupCache) Close() {
	c.cache.Close()
}

// Signature normalizes a call into a cache key: arguments are re-encoded
// with sorted keys and NFC-normalized before hashing with the version.
func Signature(tool string, args json.RawMessage, contextVersion int64) string {
	canonical := string(args)
	var decoded interface{}
	if err := json.Unmarshal(args, &decoded); err == nil {
		if data, err := json.Marshal(decoded); err == nil {
			canonical = string(data)
		}
	}
	h := sha256.New()
	h.Write([]byte(tool))
	h.Write([]byte{0})
	h.Write([]byte(norm.NFC.String(canonical)))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(contextVersion, 10)))
	return hex.EncodeToString(h.Sum(nil))
}
