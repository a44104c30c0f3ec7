package models

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestParseKind(t *testing.T) {
	cases := map[string]Kind{
		"contact":       KindContact,
		" Career ":      KindCareer,
		"COLLABORATION": KindCollaboration,
	}
	for raw, want := range cases {
		got, err := ParseKind(raw)
		if err != nil {
			t.Fatalf("ParseKind(%q) unexpected error: %v", raw, err)
		}
		if got != want {
			t.Fatalf("ParseKind(%q) = %s, want %s", raw, got, want)
		}
	}

	if _, err := ParseKind("newsletter"); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
}

func TestOnlyCareerAcceptsAttachment(t *testing.T) {
	if !KindCareer.AcceptsAttachment() {
		t.Fatalf("expected career to accept attachments")
	}
	if KindContact.AcceptsAttachment() || KindCollaboration.AcceptsAttachment() {
		t.Fatalf("expected contact and collaboration to reject attachments")
	}
}

func TestSnapshotDropsStagedPath(t *testing.T) {
	sub := &Submission{
		ID:         "id-1",
		Kind:       KindCareer,
		Fields:     map[string]string{FieldName: "Asha"},
		ReceivedAt: time.Unix(100, 0).UTC(),
		Attachment: &AttachmentRef{Path: "/tmp/scratch/file.pdf", Filename: "cv.pdf", Size: 10},
	}

	snap := sub.Snapshot()
	snap.Fields[FieldName] = "changed"

	if sub.Fields[FieldName] != "Asha" {
		t.Fatalf("expected snapshot to deep copy fields")
	}
	if snap.Attachment == nil || snap.Attachment.Path != "" {
		t.Fatalf("expected snapshot attachment without path, got %#v", snap.Attachment)
	}

	raw, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("marshal snapshot: %v", err)
	}
	if strings.Contains(string(raw), "/tmp/scratch") {
		t.Fatalf("expected staged path to stay out of persisted json, got %s", raw)
	}
}

func TestOutcomeStatusJSON(t *testing.T) {
	raw, err := json.Marshal(DeliveryOutcome{Status: TransientFailure, Attempts: 2})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(raw), `"status":"transient_failure"`) {
		t.Fatalf("expected status by name, got %s", raw)
	}

	var back DeliveryOutcome
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Status != TransientFailure {
		t.Fatalf("expected transient failure, got %s", back.Status)
	}
}
