// Package s3event decodes storage-mutation notifications into tracker
// events. It understands four envelopes:
//
//   - S3 event notifications ({"Records":[{"eventName":"ObjectCreated:Put",...}]})
//   - the same notifications delivered through SQS or SNS
//   - EventBridge "Object Created" / "Object Deleted" events
//   - the plain schema {bucketId, objectKey, sizeBytes, kind, eventTime},
//     either one object or an array
//
// Records for other event types (restores, tagging, the s3:TestEvent probe)
// are skipped, not rejected.
package s3event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/eunmann/s3-size-history/pkg/s3client"
	"github.com/eunmann/s3-size-history/pkg/tracker"
)

// ErrUnrecognized is returned for payloads that match no known envelope.
var ErrUnrecognized = errors.New("s3event: unrecognized payload")

// S3 notification shape (also used for the EventBridge detail).
type notification struct {
	Records []record `json:"Records"`
	// Event is set on the s3:TestEvent sent when notifications are enabled.
	Event string `json:"Event"`
}

type record struct {
	EventSource string    `json:"eventSource"`
	EventName   string    `json:"eventName"`
	EventTime   time.Time `json:"eventTime"`
	S3          entity    `json:"s3"`

	// SQS wraps the notification in body, SNS in Sns.Message.
	Body string `json:"body"`
	Sns  *struct {
		Message string `json:"Message"`
	} `json:"Sns"`
}

type entity struct {
	Bucket struct {
		Name string `json:"name"`
		ARN  string `json:"arn"`
	} `json:"bucket"`
	Object struct {
		Key       string `json:"key"`
		Size      *int64 `json:"size"`
		Sequencer string `json:"sequencer"`
	} `json:"object"`
}

type eventBridge struct {
	DetailType string    `json:"detail-type"`
	Source     string    `json:"source"`
	Time       time.Time `json:"time"`
	Resources  []string  `json:"resources"`
	Detail     struct {
		Bucket struct {
			Name string `json:"name"`
		} `json:"bucket"`
		Object struct {
			Key       string `json:"key"`
			Size      *int64 `json:"size"`
			Sequencer string `json:"sequencer"`
		} `json:"object"`
	} `json:"detail"`
}

// Plain is the direct event schema accepted by POST /events.
type Plain struct {
	BucketID  string    `json:"bucketId"`
	ObjectKey string    `json:"objectKey"`
	SizeBytes *int64    `json:"sizeBytes,omitempty"`
	Kind      string    `json:"kind"`
	EventTime EventTime `json:"eventTime"`
}

// EventTime decodes either an RFC 3339 string or integer milliseconds.
type EventTime struct {
	time.Time
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *EventTime) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("parse event time %q: %w", s, err)
		}
		t.Time = parsed
		return nil
	}
	ms, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return fmt.Errorf("parse event time %s: %w", b, err)
	}
	t.Time = time.UnixMilli(ms).UTC()
	return nil
}

// MarshalJSON writes RFC 3339 with milliseconds.
func (t EventTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.UTC().Format("2006-01-02T15:04:05.000Z07:00"))
}

// Parse decodes a payload into events. Events are returned in payload order
// and are not validated; the tracker rejects malformed ones individually.
func Parse(data []byte) ([]tracker.Event, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrUnrecognized)
	}
	if data[0] == '[' {
		var plain []Plain
		if err := json.Unmarshal(data, &plain); err != nil {
			return nil, fmt.Errorf("decode event list: %w", err)
		}
		events := make([]tracker.Event, 0, len(plain))
		for _, p := range plain {
			events = append(events, p.Event())
		}
		return events, nil
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("decode event payload: %w", err)
	}
	switch {
	case probe["Records"] != nil:
		return parseNotification(data)
	case probe["detail-type"] != nil:
		return parseEventBridge(data)
	case probe["Event"] != nil:
		// s3:TestEvent
		return nil, nil
	case probe["bucketId"] != nil:
		var p Plain
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		return []tracker.Event{p.Event()}, nil
	}
	return nil, ErrUnrecognized
}

func parseNotification(data []byte) ([]tracker.Event, error) {
	var n notification
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("decode s3 notification: %w", err)
	}

	var events []tracker.Event
	for i, r := range n.Records {
		if inner := r.wrapped(); inner != "" {
			nested, err := Parse([]byte(inner))
			if err != nil {
				return nil, fmt.Errorf("decode wrapped record %d: %w", i, err)
			}
			events = append(events, nested...)
			continue
		}

		kind := kindFromEventName(r.EventName)
		if kind == tracker.KindUnknown {
			continue
		}
		key, err := decodeKey(r.S3.Object.Key)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		bucket := r.S3.Bucket.Name
		if bucket == "" && r.S3.Bucket.ARN != "" {
			if bucket, err = s3client.ParseBucketIdentifier(r.S3.Bucket.ARN); err != nil {
				return nil, fmt.Errorf("record %d: %w", i, err)
			}
		}
		events = append(events, tracker.Event{
			BucketID:  bucket,
			ObjectKey: key,
			SizeBytes: sizeOrUnknown(r.S3.Object.Size),
			Kind:      kind,
			EventTime: r.EventTime,
			Sequencer: r.S3.Object.Sequencer,
		})
	}
	return events, nil
}

func (r record) wrapped() string {
	if r.Sns != nil && r.Sns.Message != "" {
		return r.Sns.Message
	}
	if r.EventSource == "aws:sqs" {
		return r.Body
	}
	return ""
}

func parseEventBridge(data []byte) ([]tracker.Event, error) {
	var eb eventBridge
	if err := json.Unmarshal(data, &eb); err != nil {
		return nil, fmt.Errorf("decode eventbridge event: %w", err)
	}

	var kind tracker.Kind
	switch eb.DetailType {
	case "Object Created":
		kind = tracker.Created
	case "Object Deleted":
		kind = tracker.Removed
	default:
		return nil, nil
	}

	bucket := eb.Detail.Bucket.Name
	if bucket == "" && len(eb.Resources) > 0 {
		var err error
		if bucket, err = s3client.ParseBucketIdentifier(eb.Resources[0]); err != nil {
			return nil, fmt.Errorf("eventbridge resource: %w", err)
		}
	}
	// EventBridge keys are not URL-encoded.
	return []tracker.Event{{
		BucketID:  bucket,
		ObjectKey: eb.Detail.Object.Key,
		SizeBytes: sizeOrUnknown(eb.Detail.Object.Size),
		Kind:      kind,
		EventTime: eb.Time,
		Sequencer: eb.Detail.Object.Sequencer,
	}}, nil
}

// Event converts the plain schema. A missing size on a removal means
// "look it up".
func (p Plain) Event() tracker.Event {
	kind := tracker.ParseKind(p.Kind)
	return tracker.Event{
		BucketID:  p.BucketID,
		ObjectKey: p.ObjectKey,
		SizeBytes: sizeOrUnknown(p.SizeBytes),
		Kind:      kind,
		EventTime: p.EventTime.Time,
	}
}

// FromEvent is the inverse of Plain.Event.
func FromEvent(ev tracker.Event) Plain {
	p := Plain{
		BucketID:  ev.BucketID,
		ObjectKey: ev.ObjectKey,
		Kind:      ev.Kind.String(),
		EventTime: EventTime{ev.EventTime},
	}
	if ev.SizeBytes >= 0 {
		size := ev.SizeBytes
		p.SizeBytes = &size
	}
	return p
}

func kindFromEventName(name string) tracker.Kind {
	switch {
	case name == "ObjectRemoved:DeleteMarkerCreated":
		// Versioned delete: the object's bytes are still stored.
		return tracker.KindUnknown
	case strings.HasPrefix(name, "ObjectCreated:"):
		return tracker.Created
	case strings.HasPrefix(name, "ObjectRemoved:"):
		return tracker.Removed
	default:
		return tracker.KindUnknown
	}
}

// decodeKey undoes the form encoding S3 applies to notification keys
// ("my+file%3D1.txt" -> "my file=1.txt").
func decodeKey(key string) (string, error) {
	decoded, err := url.QueryUnescape(key)
	if err != nil {
		return "", fmt.Errorf("decode object key %q: %w", key, err)
	}
	return decoded, nil
}

// sizeOrUnknown maps a missing size to UnknownSize. The tracker resolves
// that for removals and rejects it for creations.
func sizeOrUnknown(size *int64) int64 {
	if size == nil {
		return tracker.UnknownSize
	}
	return *size
}
