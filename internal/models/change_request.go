package models

import "time"

// RequestStatus is the review state of a change-set request.
type RequestStatus string

const (
	RequestStatusPending   RequestStatus = "pending"
	RequestStatusApproved  RequestStatus = "approved"
	RequestStatusRejected  RequestStatus = "rejected"
	RequestStatusCancelled RequestStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s RequestStatus) Terminal() bool {
	return s != RequestStatusPending
}

// Valid reports whether s is one of the known statuses.
func (s RequestStatus) Valid() bool {
	switch s {
	case RequestStatusPending, RequestStatusApproved, RequestStatusRejected, RequestStatusCancelled:
		return true
	}
	return false
}

// ChangeRequest is a user's finished feature branch awaiting admin review.
type ChangeRequest struct {
	ID           string        `json:"id"`
	Username     string        `json:"username"`
	BranchName   string        `json:"branchName"`
	Description  string        `json:"description"`
	Conversation []Message     `json:"conversation"`
	SubmittedAt  time.Time     `json:"submittedAt"`
	Status       RequestStatus `json:"status"`
	ReviewedBy   string        `json:"reviewedBy,omitempty"`
	ReviewedAt   *time.Time    `json:"reviewedAt,omitempty"`
	ReviewNote   string        `json:"reviewNote,omitempty"`
}

// Clone returns a deep copy safe to hand out of a locked store.
func (r *ChangeRequest) Clone() *ChangeRequest {
	c := *r
	if r.Conversation != nil {
		c.Conversation = append([]Message(nil), r.Conversation...)
	}
	if r.ReviewedAt != nil {
		t := *r.ReviewedAt
		c.ReviewedAt = &t
	}
	return &c
}
