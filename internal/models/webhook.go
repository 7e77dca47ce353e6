package models

import "time"

// WebhookLog is the audit copy of one inbound notification.
type WebhookLog struct {
	ID         string                 `json:"id" bson:"_id"`
	Gateway    string                 `json:"gateway" bson:"gateway"`
	EventType  string                 `json:"event_type" bson:"event_type"`
	Reference  string                 `json:"reference" bson:"reference"`
	Status     string                 `json:"status" bson:"status"`
	Outcome    string                 `json:"outcome" bson:"outcome"`
	RequestID  string                 `json:"request_id,omitempty" bson:"request_id,omitempty"`
	Payload    string                 `json:"payload" bson:"payload"`
	Metadata   map[string]interface{} `json:"metadata,omitempty" bson:"metadata,omitempty"`
	ReceivedAt time.Time              `json:"received_at" bson:"received_at"`
}
