package s3event

import (
	"encoding/json"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/eunmann/s3-size-history/pkg/tracker"
)

const notificationJSON = `{
  "Records": [
    {
      "eventVersion": "2.1",
      "eventSource": "aws:s3",
      "awsRegion": "us-east-1",
      "eventTime": "2024-03-01T12:00:00.001Z",
      "eventName": "ObjectCreated:Put",
      "s3": {
        "bucket": {"name": "b1", "arn": "arn:aws:s3:::b1"},
        "object": {"key": "reports/my+file%3D1.txt", "size": 100, "sequencer": "0055AED6DCD90281E5"}
      }
    },
    {
      "eventSource": "aws:s3",
      "eventTime": "2024-03-01T12:00:00.002Z",
      "eventName": "ObjectRemoved:Delete",
      "s3": {
        "bucket": {"name": "b1"},
        "object": {"key": "old.txt", "sequencer": "0055AED6DCD90281E6"}
      }
    },
    {
      "eventSource": "aws:s3",
      "eventTime": "2024-03-01T12:00:00.003Z",
      "eventName": "ObjectRestore:Completed",
      "s3": {"bucket": {"name": "b1"}, "object": {"key": "cold.txt", "size": 5}}
    },
    {
      "eventSource": "aws:s3",
      "eventTime": "2024-03-01T12:00:00.004Z",
      "eventName": "ObjectRemoved:DeleteMarkerCreated",
      "s3": {"bucket": {"name": "b1"}, "object": {"key": "versioned.txt"}}
    }
  ]
}`

func TestParse_S3Notification(t *testing.T) {
	events, err := Parse([]byte(notificationJSON))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2: %+v", len(events), events)
	}

	put := events[0]
	if put.BucketID != "b1" || put.ObjectKey != "reports/my file=1.txt" {
		t.Errorf("put = %s/%s, want b1/reports/my file=1.txt", put.BucketID, put.ObjectKey)
	}
	if put.Kind != tracker.Created || put.SizeBytes != 100 {
		t.Errorf("put kind=%v size=%d, want created 100", put.Kind, put.SizeBytes)
	}
	if put.EventTime.UnixMilli() != time.Date(2024, 3, 1, 12, 0, 0, 1e6, time.UTC).UnixMilli() {
		t.Errorf("put time = %v", put.EventTime)
	}
	if put.Sequencer != "0055AED6DCD90281E5" {
		t.Errorf("sequencer = %q", put.Sequencer)
	}

	del := events[1]
	if del.Kind != tracker.Removed || del.SizeBytes != tracker.UnknownSize {
		t.Errorf("delete kind=%v size=%d, want removed with unknown size", del.Kind, del.SizeBytes)
	}
	if err := del.Validate(); err != nil {
		t.Errorf("delete without size should validate: %v", err)
	}
}

func TestParse_BucketFromARN(t *testing.T) {
	payload := `{"Records":[{"eventName":"ObjectCreated:Copy","eventTime":"2024-03-01T12:00:00Z",
		"s3":{"bucket":{"arn":"arn:aws:s3:::from-arn"},"object":{"key":"k","size":1}}}]}`
	events, err := Parse([]byte(payload))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(events) != 1 || events[0].BucketID != "from-arn" {
		t.Errorf("events = %+v, want bucket from-arn", events)
	}
}

func TestParse_Wrapped(t *testing.T) {
	inner, err := json.Marshal(notificationJSON)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		payload string
	}{
		{"sqs", `{"Records":[{"eventSource":"aws:sqs","messageId":"m1","body":` + string(inner) + `}]}`},
		{"sns", `{"Records":[{"EventSource":"aws:sns","Sns":{"Message":` + string(inner) + `}}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := Parse([]byte(tt.payload))
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if len(events) != 2 {
				t.Fatalf("got %d events, want 2", len(events))
			}
			if events[0].ObjectKey != "reports/my file=1.txt" {
				t.Errorf("key = %q", events[0].ObjectKey)
			}
		})
	}
}

func TestParse_EventBridge(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		wantKind tracker.Kind
		wantSize int64
		wantNone bool
	}{
		{
			name: "created",
			payload: `{"version":"0","detail-type":"Object Created","source":"aws.s3",
				"time":"2024-03-01T12:00:00Z","resources":["arn:aws:s3:::b1"],
				"detail":{"bucket":{"name":"b1"},"object":{"key":"a b.txt","size":27,"sequencer":"01"},"reason":"PutObject"}}`,
			wantKind: tracker.Created,
			wantSize: 27,
		},
		{
			name: "deleted_bucket_from_resources",
			payload: `{"detail-type":"Object Deleted","source":"aws.s3","time":"2024-03-01T12:00:01Z",
				"resources":["arn:aws:s3:::b1"],"detail":{"object":{"key":"a b.txt"}}}`,
			wantKind: tracker.Removed,
			wantSize: tracker.UnknownSize,
		},
		{
			name: "other_detail_type",
			payload: `{"detail-type":"Object Tags Added","source":"aws.s3","time":"2024-03-01T12:00:01Z",
				"detail":{"bucket":{"name":"b1"},"object":{"key":"k"}}}`,
			wantNone: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := Parse([]byte(tt.payload))
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if tt.wantNone {
				if len(events) != 0 {
					t.Errorf("got %d events, want none", len(events))
				}
				return
			}
			if len(events) != 1 {
				t.Fatalf("got %d events, want 1", len(events))
			}
			ev := events[0]
			if ev.BucketID != "b1" || ev.ObjectKey != "a b.txt" {
				t.Errorf("event = %s/%s, want b1/a b.txt", ev.BucketID, ev.ObjectKey)
			}
			if ev.Kind != tt.wantKind || ev.SizeBytes != tt.wantSize {
				t.Errorf("kind=%v size=%d, want %v %d", ev.Kind, ev.SizeBytes, tt.wantKind, tt.wantSize)
			}
		})
	}
}

func TestParse_Plain(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    []tracker.Event
	}{
		{
			name:    "single_rfc3339",
			payload: `{"bucketId":"b1","objectKey":"a.txt","sizeBytes":100,"kind":"created","eventTime":"1970-01-01T00:00:00.001Z"}`,
			want: []tracker.Event{
				{BucketID: "b1", ObjectKey: "a.txt", SizeBytes: 100, Kind: tracker.Created, EventTime: time.UnixMilli(1).UTC()},
			},
		},
		{
			name: "list_with_millis",
			payload: `[
				{"bucketId":"b1","objectKey":"b.txt","sizeBytes":50,"kind":"created","eventTime":2},
				{"bucketId":"b1","objectKey":"c.txt","kind":"removed","eventTime":3}
			]`,
			want: []tracker.Event{
				{BucketID: "b1", ObjectKey: "b.txt", SizeBytes: 50, Kind: tracker.Created, EventTime: time.UnixMilli(2).UTC()},
				{BucketID: "b1", ObjectKey: "c.txt", SizeBytes: tracker.UnknownSize, Kind: tracker.Removed, EventTime: time.UnixMilli(3).UTC()},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse([]byte(tt.payload))
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d events, want %d", len(got), len(tt.want))
			}
			for i := range tt.want {
				g, w := got[i], tt.want[i]
				if g.BucketID != w.BucketID || g.ObjectKey != w.ObjectKey || g.SizeBytes != w.SizeBytes ||
					g.Kind != w.Kind || !g.EventTime.Equal(w.EventTime) {
					t.Errorf("event %d = %+v, want %+v", i, g, w)
				}
			}
		})
	}
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name             string
		payload          string
		wantUnrecognized bool
	}{
		{"empty", "  ", true},
		{"unknown_object", `{"hello":"world"}`, true},
		{"not_json", `<xml/>`, false},
		{"bad_key_escape", `{"Records":[{"eventName":"ObjectCreated:Put","eventTime":"2024-03-01T12:00:00Z","s3":{"bucket":{"name":"b"},"object":{"key":"%zz","size":1}}}]}`, false},
		{"bad_time", `{"bucketId":"b","objectKey":"k","kind":"created","eventTime":"yesterday"}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.payload))
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.wantUnrecognized && !errors.Is(err, ErrUnrecognized) {
				t.Errorf("err = %v, want ErrUnrecognized", err)
			}
		})
	}
}

func TestParse_TestEventIgnored(t *testing.T) {
	payload := `{"Service":"Amazon S3","Event":"s3:TestEvent","Time":"2024-03-01T12:00:00Z","Bucket":"b1"}`
	events, err := Parse([]byte(payload))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("got %d events for s3:TestEvent", len(events))
	}
}

func TestFromEvent_RoundTrip(t *testing.T) {
	events := []tracker.Event{
		{BucketID: "b", ObjectKey: "k", SizeBytes: 42, Kind: tracker.Created, EventTime: time.UnixMilli(1_700_000_000_123).UTC()},
		{BucketID: "b", ObjectKey: "k", SizeBytes: tracker.UnknownSize, Kind: tracker.Removed, EventTime: time.UnixMilli(1_700_000_000_456).UTC()},
	}
	for i, ev := range events {
		t.Run(strconv.Itoa(i), func(t *testing.T) {
			data, err := json.Marshal(FromEvent(ev))
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			got, err := Parse(data)
			if err != nil {
				t.Fatalf("Parse(%s): %v", data, err)
			}
			if len(got) != 1 || got[0].ID() != ev.ID() || got[0].SizeBytes != ev.SizeBytes {
				t.Errorf("round trip of %+v gave %+v", ev, got)
			}
		})
	}
}
