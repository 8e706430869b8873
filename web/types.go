package web

import (
	"time"

	"dealflow/auth"
	"dealflow/condition"
)

type CreateTransactionRequest struct {
	DefinitionID   string            `json:"definition_id"   validate:"required"`
	Title          string            `json:"title"           validate:"max=200"`
	Status         string            `json:"status"          validate:"omitempty,max=40"`
	Profile        condition.Profile `json:"profile"`
	AcceptanceDate *time.Time        `json:"acceptance_date,omitempty"`
	ClosingDate    *time.Time        `json:"closing_date,omitempty"`
}

type CreateConditionRequest struct {
	TemplateID  string     `json:"template_id"`
	LabelFR     string     `json:"label_fr"    validate:"max=300"`
	LabelEN     string     `json:"label_en"    validate:"max=300"`
	Description string     `json:"description"`
	Type        string     `json:"type"        validate:"max=60"`
	Priority    string     `json:"priority"    validate:"omitempty,oneof=low medium high"`
	Level       string     `json:"level"       validate:"omitempty,oneof=blocking required recommended"`
	DueDate     *time.Time `json:"due_date,omitempty"`
}

type CompleteConditionRequest struct {
	ResolutionType      string `json:"resolution_type"       validate:"omitempty,oneof=completed waived not_applicable skipped_with_risk"`
	Note                string `json:"note"`
	EscapedWithoutProof bool   `json:"escaped_without_proof"`
	EscapeReason        string `json:"escape_reason"`
}

type AddEvidenceRequest struct {
	Kind  string `json:"kind"  validate:"required,oneof=file link note"`
	Title string `json:"title" validate:"max=300"`
	URL   string `json:"url"   validate:"omitempty,url"`
	Body  string `json:"body"`
}

type AddNoteRequest struct {
	Body string `json:"body" validate:"required"`
}

type ChangeLevelRequest struct {
	Level  string `json:"level"  validate:"required,oneof=blocking required recommended"`
	Reason string `json:"reason"`
}

type UserResponse struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	FullName  string    `json:"full_name"`
	Role      auth.Role `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

func newUserResponse(u auth.User) UserResponse {
	return UserResponse{ID: u.ID, Email: u.Email, FullName: u.FullName, Role: u.Role, CreatedAt: u.CreatedAt}
}

type LoginResponse struct {
	Token string       `json:"token"`
	User  UserResponse `json:"user"`
}
