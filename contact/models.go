package contact

import "time"

type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
	RoleAgent  Role = "agent"
	RoleNotary Role = "notary"
	RoleLender Role = "lender"
	RoleClient Role = "client"
)

func (r Role) Valid() bool {
	switch r {
	case RoleBuyer, RoleSeller, RoleAgent, RoleNotary, RoleLender, RoleClient:
		return true
	}
	return false
}

// Contact is a party to a transaction who may receive automated email.
type Contact struct {
	ID            string    `json:"id"`
	TransactionID string    `json:"transaction_id"`
	Role          Role      `json:"role"`
	FullName      string    `json:"full_name"`
	Email         *string   `json:"email,omitempty"`
	Language      string    `json:"language"`
	CreatedAt     time.Time `json:"created_at"`
}

// AddRequest carries the fields callers supply when adding a contact.
type AddRequest struct {
	TransactionID string `json:"-"`
	Role          Role   `json:"role" validate:"required,oneof=buyer seller agent notary lender client"`
	FullName      string `json:"full_name" validate:"required"`
	Email         string `json:"email" validate:"omitempty,email"`
	Language      string `json:"language" validate:"omitempty,oneof=fr en"`
}
