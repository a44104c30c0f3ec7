package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// OutcomeStatus classifies one dispatch of a submission.
type OutcomeStatus int

const (
	// Delivered means the operator notification was accepted by the transport.
	Delivered OutcomeStatus = iota + 1
	// TransientFailure covers network and timeout errors that may clear on
	// their own.
	TransientFailure
	// PermanentFailure covers authentication and configuration errors that
	// need an operator to fix before a send can succeed.
	PermanentFailure
)

var outcomeNames = map[OutcomeStatus]string{
	Delivered:        "delivered",
	TransientFailure: "transient_failure",
	PermanentFailure: "permanent_failure",
}

func (s OutcomeStatus) String() string {
	if name, ok := outcomeNames[s]; ok {
		return name
	}
	return "unknown"
}

// MarshalJSON encodes the status by name.
func (s OutcomeStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a status written by MarshalJSON.
func (s *OutcomeStatus) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	for k, v := range outcomeNames {
		if v == name {
			*s = k
			return nil
		}
	}
	return fmt.Errorf("models: unknown outcome status %q", name)
}

// ConfirmationStatus records the best-effort submitter acknowledgement.
type ConfirmationStatus struct {
	Attempted bool   `json:"attempted"`
	Sent      bool   `json:"sent"`
	Error     string `json:"error,omitempty"`
}

// DeliveryOutcome is the result of dispatching one submission.
type DeliveryOutcome struct {
	Status       OutcomeStatus      `json:"status"`
	Reason       string             `json:"reason,omitempty"`
	Attempts     int                `json:"attempts"`
	Confirmation ConfirmationStatus `json:"confirmation"`
}

// Delivered reports whether the primary notification went out.
func (o DeliveryOutcome) Delivered() bool {
	return o.Status == Delivered
}

// FallbackRecord is persisted when a submission could not be delivered.
type FallbackRecord struct {
	Submission Submission      `json:"submission"`
	Outcome    DeliveryOutcome `json:"outcome"`
	StoredAt   time.Time       `json:"stored_at"`
}
