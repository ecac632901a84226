package model

import "time"

// LeadStatus is the delivery state of a detected lead. There is no failed
// state: undelivered leads stay detected until a sweep succeeds.
type LeadStatus string

const (
	LeadStatusDetected  LeadStatus = "detected"
	LeadStatusDelivered LeadStatus = "delivered"
)

// DetectedLead is the core's output record. At most one exists per
// (TenantID, MessageID).
type DetectedLead struct {
	ID              string     `json:"id"`
	TenantID        string     `json:"tenant_id"`
	MessageID       int64      `json:"message_id"`
	Confidence      int        `json:"confidence_score"`
	Reasoning       string     `json:"reasoning"`
	MatchedCriteria []string   `json:"matched_criteria"`
	Draft           string     `json:"draft,omitempty"`
	Delivered       bool       `json:"is_delivered"`
	DeliveryID      string     `json:"delivery_id,omitempty"`
	DetectedAt      time.Time  `json:"detected_at"`
	DeliveredAt     *time.Time `json:"delivered_at,omitempty"`

	// Message is populated by queries that join the source row.
	Message *Message `json:"message,omitempty"`
}

// Status derives the lead's state from its delivered flag.
func (l DetectedLead) Status() LeadStatus {
	if l.Delivered {
		return LeadStatusDelivered
	}
	return LeadStatusDetected
}

// InsertResult reports the outcome of a unique insert. Inserted is false when
// a lead for the same (tenant, message) already existed.
type InsertResult struct {
	ID       string `json:"id"`
	Inserted bool   `json:"inserted"`
}
