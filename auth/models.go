package auth

import "time"

type Role string

const (
	RoleAgent       Role = "agent"
	RoleAssistant   Role = "assistant"
	RoleBrokerAdmin Role = "broker_admin"
)

// IsAdmin reports whether the role may perform administrative overrides
// such as jumping steps or changing a condition level.
func (r Role) IsAdmin() bool {
	return r == RoleBrokerAdmin
}

// User is the domain representation of an authenticated user.
// It mirrors the users table and should not include JSON annotations so it
// can be reused by different presentation layers.
type User struct {
	ID           string
	Email        string
	FullName     string
	PasswordHash string
	Role         Role
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RegisterRequest contains user registration data supplied by callers.
type RegisterRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
	FullName string `json:"full_name" validate:"required"`
	Role     Role   `json:"role" validate:"omitempty,oneof=agent assistant broker_admin"`
}

// LoginRequest contains user login credentials.
type LoginRequest struct {
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// Identity is the verified caller extracted from a token.
type Identity struct {
	UserID string
	Role   Role
}
