// Package types defines the marketplace records carried by change events
// and query results. Change payloads arrive as loosely-typed maps; the
// decoders here validate them once, at the enrichment boundary, so the
// rest of the code works with concrete fields.
package types

import "fmt"

// UserSummary is the denormalized actor identity attached to
// notifications and messages.
type UserSummary struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

// UnknownUser is the placeholder actor used when an enrichment lookup
// fails; the notification is still surfaced.
func UnknownUser(id string) UserSummary {
	return UserSummary{ID: id, Username: "Nieznany", Email: ""}
}

// MessageRow is one row of the messages table.
type MessageRow struct {
	ID             string
	ConversationID string
	SenderID       string
	ReceiverID     string
	Text           string
	IsRead         bool
	CreatedAt      string
}

// OfferRow is one row of the offers table.
type OfferRow struct {
	ID          string
	TransportID string
	CreatorID   string
	IsAccepted  bool
	CreatedAt   string
}

// OfferMessageRow is one row of the offer_messages table.
type OfferMessageRow struct {
	ID         string
	OfferID    string
	SenderID   string
	ReceiverID string
	Text       string
	IsRead     bool
	CreatedAt  string
}

// ReportRow is one row of the reports table.
type ReportRow struct {
	ID         string
	Place      string
	Content    string
	Seen       bool
	CreatedAt  string
	UpdatedAt  string
	ReporterID string
	ReportedID string
	Status     string
	Type       string
	FileURL    string
	UserID     string
}

// MessageFromRecord decodes a messages row from a change payload.
func MessageFromRecord(rec map[string]any) (MessageRow, error) {
	id := stringField(rec, "id")
	if id == "" {
		return MessageRow{}, fmt.Errorf("message record missing id")
	}
	return MessageRow{
		ID:             id,
		ConversationID: stringField(rec, "conversation_id"),
		SenderID:       stringField(rec, "sender_id"),
		ReceiverID:     stringField(rec, "receiver_id"),
		Text:           stringField(rec, "text"),
		IsRead:         boolField(rec, "is_read"),
		CreatedAt:      stringField(rec, "created_at"),
	}, nil
}

// OfferFromRecord decodes an offers row from a change payload.
func OfferFromRecord(rec map[string]any) (OfferRow, error) {
	id := stringField(rec, "id")
	if id == "" {
		return OfferRow{}, fmt.Errorf("offer record missing id")
	}
	return OfferRow{
		ID:          id,
		TransportID: stringField(rec, "transport_id"),
		CreatorID:   stringField(rec, "creator_id"),
		IsAccepted:  boolField(rec, "is_accepted"),
		CreatedAt:   stringField(rec, "created_at"),
	}, nil
}

// OfferMessageFromRecord decodes an offer_messages row from a change payload.
func OfferMessageFromRecord(rec map[string]any) (OfferMessageRow, error) {
	id := stringField(rec, "id")
	if id == "" {
		return OfferMessageRow{}, fmt.Errorf("offer message record missing id")
	}
	return OfferMessageRow{
		ID:         id,
		OfferID:    stringField(rec, "offer_id"),
		SenderID:   stringField(rec, "sender_id"),
		ReceiverID: stringField(rec, "receiver_id"),
		Text:       stringField(rec, "text"),
		IsRead:     boolField(rec, "is_read"),
		CreatedAt:  stringField(rec, "created_at"),
	}, nil
}

// ReportFromRecord decodes a reports row from a change payload. The
// user_id column is newer than the table; older rows fall back to the
// reporter.
func ReportFromRecord(rec map[string]any) (ReportRow, error) {
	id := stringField(rec, "id")
	if id == "" {
		return ReportRow{}, fmt.Errorf("report record missing id")
	}
	createdAt := stringField(rec, "created_at")
	updatedAt := stringField(rec, "updated_at")
	if updatedAt == "" {
		updatedAt = createdAt
	}
	userID := stringField(rec, "user_id")
	if userID == "" {
		userID = stringField(rec, "reporter_id")
	}
	return ReportRow{
		ID:         id,
		Place:      stringField(rec, "place"),
		Content:    stringField(rec, "content"),
		Seen:       boolField(rec, "seen"),
		CreatedAt:  createdAt,
		UpdatedAt:  updatedAt,
		ReporterID: stringField(rec, "reporter_id"),
		ReportedID: stringField(rec, "reported_id"),
		Status:     stringField(rec, "status"),
		Type:       stringField(rec, "type"),
		FileURL:    stringField(rec, "file_url"),
		UserID:     userID,
	}, nil
}

// UserSummaryFromRecord decodes a users row into a summary.
func UserSummaryFromRecord(rec map[string]any) (UserSummary, error) {
	id := stringField(rec, "id")
	if id == "" {
		return UserSummary{}, fmt.Errorf("user record missing id")
	}
	return UserSummary{
		ID:       id,
		Username: stringField(rec, "username"),
		Email:    stringField(rec, "email"),
	}, nil
}

func stringField(rec map[string]any, key string) string {
	v, _ := rec[key].(string)
	return v
}

func boolField(rec map[string]any, key string) bool {
	v, _ := rec[key].(bool)
	return v
}
