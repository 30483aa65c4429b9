package tracker

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// Kind is the mutation an event reports.
type Kind int

const (
	KindUnknown Kind = iota
	Created
	Removed
)

func (k Kind) String() string {
	switch k {
	case Created:
		return "created"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// ParseKind maps "created"/"removed" to a Kind.
func ParseKind(s string) Kind {
	switch s {
	case "created", "Created", "CREATED":
		return Created
	case "removed", "Removed", "REMOVED":
		return Removed
	default:
		return KindUnknown
	}
}

// UnknownSize marks a Removed event whose notification carried no size.
const UnknownSize int64 = -1

// Event is one storage mutation.
type Event struct {
	BucketID  string
	ObjectKey string
	// SizeBytes is the object size. UnknownSize (or any negative value) is
	// accepted on Removed and resolved from the size index.
	SizeBytes int64
	Kind      Kind
	EventTime time.Time
	// Sequencer is the source's per-key ordering token, kept for logs.
	Sequencer string
}

// Validate rejects events that can never be applied.
func (e Event) Validate() error {
	switch {
	case e.BucketID == "":
		return malformed("empty bucket id")
	case e.ObjectKey == "":
		return malformed("empty object key in bucket %q", e.BucketID)
	case e.EventTime.IsZero():
		return malformed("zero event time for %s/%s", e.BucketID, e.ObjectKey)
	case e.Kind != Created && e.Kind != Removed:
		return malformed("unknown kind %d for %s/%s", e.Kind, e.BucketID, e.ObjectKey)
	case e.Kind == Created && e.SizeBytes < 0:
		return malformed("negative size %d on created %s/%s", e.SizeBytes, e.BucketID, e.ObjectKey)
	}
	return nil
}

// ID is the stable identity used for duplicate suppression: a hex SHA-256
// over bucket, key, event time (ms) and kind. Redelivery of the same
// notification yields the same ID.
func (e Event) ID() string {
	h := sha256.New()
	for _, part := range []string{
		e.BucketID,
		e.ObjectKey,
		strconv.FormatInt(e.EventTime.UnixMilli(), 10),
		e.Kind.String(),
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
