package incident

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Granularity is the width of the time bucket that scopes a dedup key.
type Granularity string

const (
	// GranularitySecond scopes keys to the exact message timestamp.
	GranularitySecond Granularity = "second"
	GranularityMinute Granularity = "minute"
	GranularityHour   Granularity = "hour"
	GranularityDay    Granularity = "day"
	GranularityMonth  Granularity = "month"
)

var bucketLayouts = map[Granularity]string{
	GranularitySecond: "2006-01-02T15:04:05Z",
	GranularityMinute: "2006-01-02T15:04Z",
	GranularityHour:   "2006-01-02T15Z",
	GranularityDay:    "2006-01-02",
	GranularityMonth:  "2006-01",
}

// ParseGranularity maps a config string to a Granularity.
func ParseGranularity(s string) (Granularity, error) {
	g := Granularity(strings.ToLower(strings.TrimSpace(s)))
	if !g.Valid() {
		return "", fmt.Errorf("unknown dedup granularity %q (want second|minute|hour|day|month)", s)
	}
	return g, nil
}

// Valid reports whether g is a known granularity.
func (g Granularity) Valid() bool {
	_, ok := bucketLayouts[g]
	return ok
}

// Bucket formats at (in UTC) truncated to g. It panics on an unknown
// granularity; Config.Validate rejects those before any run starts.
func (g Granularity) Bucket(at time.Time) string {
	layout, ok := bucketLayouts[g]
	if !ok {
		panic(fmt.Sprintf("incident: unknown granularity %q", string(g)))
	}
	return at.UTC().Format(layout)
}

// PartitionKey is the storage partition for at: the UTC year-month.
func PartitionKey(at time.Time) string {
	return at.UTC().Format("2006-01")
}

// NormalizeLocation canonicalizes a location for key derivation: NFC, case
// folded, inner whitespace collapsed.
func NormalizeLocation(s string) string {
	s = strings.Join(strings.Fields(norm.NFC.String(s)), " ")
	return norm.NFC.String(cases.Fold().String(s))
}

// DeriveKey returns the dedup key for an incident within the time bucket that
// contains at. Fields are length-prefixed before hashing so distinct
// (location, crime) pairs only collide with SHA-256 collision probability.
func DeriveKey(location string, crime Crime, at time.Time, g Granularity) string {
	loc := NormalizeLocation(location)
	c := string(crime)
	h := sha256.New()
	fmt.Fprintf(h, "v1|%d:%s|%d:%s|%s", len(loc), loc, len(c), c, g.Bucket(at))
	return hex.EncodeToString(h.Sum(nil))
}
