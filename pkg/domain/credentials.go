package domain

import "strings"

// LoginCredentials identifies an account by username or email.
type LoginCredentials struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

func (c LoginCredentials) Validate() error {
	if strings.TrimSpace(c.Identifier) == "" {
		return &ValidationError{Field: "identifier", Message: "identifier is required"}
	}
	if c.Password == "" {
		return &ValidationError{Field: "password", Message: "password is required"}
	}
	return nil
}

type RegisterCredentials struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (c RegisterCredentials) Validate() error {
	if strings.TrimSpace(c.Username) == "" {
		return &ValidationError{Field: "username", Message: "username is required"}
	}
	if strings.TrimSpace(c.Email) == "" {
		return &ValidationError{Field: "email", Message: "email is required"}
	}
	if c.Password == "" {
		return &ValidationError{Field: "password", Message: "password is required"}
	}
	return nil
}

// ChangePassword carries a password rotation request. Confirmation
// equality is checked client-side, before any network call.
type ChangePassword struct {
	CurrentPassword      string `json:"currentPassword"`
	Password             string `json:"password"`
	PasswordConfirmation string `json:"passwordConfirmation"`
}

func (c ChangePassword) Validate() error {
	if c.CurrentPassword == "" {
		return &ValidationError{Field: "currentPassword", Message: "current password is required"}
	}
	if c.Password == "" {
		return &ValidationError{Field: "password", Message: "new password is required"}
	}
	if c.Password != c.PasswordConfirmation {
		return &ValidationError{Field: "passwordConfirmation", Message: "passwords do not match"}
	}
	return nil
}

// ProfileUpdate carries the client-mutable user fields. Empty fields are
// left unchanged by the identity service.
type ProfileUpdate struct {
	Username string `json:"username,omitempty"`
	Email    string `json:"email,omitempty"`
}

func (u ProfileUpdate) Validate() error {
	if strings.TrimSpace(u.Username) == "" && strings.TrimSpace(u.Email) == "" {
		return &ValidationError{Field: "profile", Message: "nothing to update"}
	}
	return nil
}
