package models

import (
	"strconv"
	"time"
)

// Lead is a contact record moving through the sales pipeline.
// The engine treats a Lead value as a snapshot; mutations go through the repository.
// DailySendLimit caps messages sent to the lead's number per civil day (zero means no
// cap) and BlackoutDates lists YYYY-MM-DD days on which nothing is sent to the lead.
type Lead struct {
	ID               string    `json:"id" yaml:"id"`
	FullName         string    `json:"full_name" yaml:"full_name"`
	Phone            string    `json:"phone" yaml:"phone"`
	Email            string    `json:"email,omitempty" yaml:"email,omitempty"`
	Status           string    `json:"status" yaml:"status"`
	Origin           string    `json:"origin,omitempty" yaml:"origin,omitempty"`
	City             string    `json:"city,omitempty" yaml:"city,omitempty"`
	State            string    `json:"state,omitempty" yaml:"state,omitempty"`
	Region           string    `json:"region,omitempty" yaml:"region,omitempty"`
	Owner            string    `json:"owner,omitempty" yaml:"owner,omitempty"`
	ContractType     string    `json:"contract_type,omitempty" yaml:"contract_type,omitempty"`
	PreviousProvider string    `json:"previous_provider,omitempty" yaml:"previous_provider,omitempty"`
	CreatedAt        time.Time `json:"created_at" yaml:"created_at"`
	LastContactAt    time.Time `json:"last_contact_at,omitempty" yaml:"last_contact_at,omitempty"`
	NextFollowUpAt   time.Time `json:"next_follow_up_at,omitempty" yaml:"next_follow_up_at,omitempty"`
	Archived         bool      `json:"archived" yaml:"archived"`
	Tags             []string  `json:"tags,omitempty" yaml:"tags,omitempty"`
	DailySendLimit   int       `json:"daily_send_limit,omitempty" yaml:"daily_send_limit,omitempty"`
	BlackoutDates    []string  `json:"blackout_dates,omitempty" yaml:"blackout_dates,omitempty"`
}

// FieldValue returns the scalar string form of a lead attribute.
// Timestamps are formatted as RFC3339 and a zero timestamp is reported as "".
// FieldTag has no scalar form; use Tags instead.
func (l Lead) FieldValue(f Field) string {
	switch f {
	case FieldFullName:
		return l.FullName
	case FieldPhone:
		return l.Phone
	case FieldEmail:
		return l.Email
	case FieldStatus:
		return l.Status
	case FieldOrigin:
		return l.Origin
	case FieldCity:
		return l.City
	case FieldState:
		return l.State
	case FieldRegion:
		return l.Region
	case FieldOwner:
		return l.Owner
	case FieldContractType:
		return l.ContractType
	case FieldPreviousProvider:
		return l.PreviousProvider
	case FieldCreatedAt:
		return formatTime(l.CreatedAt)
	case FieldLastContact:
		return formatTime(l.LastContactAt)
	case FieldNextFollowUp:
		return formatTime(l.NextFollowUpAt)
	case FieldArchived:
		return strconv.FormatBool(l.Archived)
	default:
		return ""
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}
