package ticketing

import (
	"errors"
	"strings"

	"golang.org/x/text/cases"
)

var (
	ErrIdentityRequired  = errors.New("user_id or email is required")
	ErrIdentityAmbiguous = errors.New("identity must carry exactly one of user_id or email")
	ErrInvalidEmail      = errors.New("invalid email")
)

// Identity keys ticket uniqueness: an authenticated user id or a normalized
// guest email, never both.
type Identity struct {
	UserID string `json:"userId,omitempty"`
	Email  string `json:"email,omitempty"`
}

// NormalizeEmail trims and case-folds an email address.
func NormalizeEmail(email string) string {
	// Casers carry state and are not shared between goroutines.
	return cases.Fold().String(strings.TrimSpace(email))
}

func UserIdentity(userID string) Identity {
	return Identity{UserID: strings.TrimSpace(userID)}
}

func GuestIdentity(email string) (Identity, error) {
	normalized := NormalizeEmail(email)
	if normalized == "" {
		return Identity{}, ErrIdentityRequired
	}
	at := strings.IndexByte(normalized, '@')
	if at <= 0 || at == len(normalized)-1 || strings.ContainsAny(normalized, " \t\r\n") {
		return Identity{}, ErrInvalidEmail
	}
	return Identity{Email: normalized}, nil
}

// Resolve picks the identity for a purchase: the authenticated user id when
// present, otherwise the guest email supplied with the request.
func Resolve(userID, guestEmail string) (Identity, error) {
	if strings.TrimSpace(userID) != "" {
		return UserIdentity(userID), nil
	}
	return GuestIdentity(guestEmail)
}

func (i Identity) IsUser() bool { return i.UserID != "" }

func (i Identity) Validate() error {
	switch {
	case i.UserID == "" && i.Email == "":
		return ErrIdentityRequired
	case i.UserID != "" && i.Email != "":
		return ErrIdentityAmbiguous
	default:
		return nil
	}
}

func (i Identity) String() string {
	if i.IsUser() {
		return "user:" + i.UserID
	}
	return "email:" + i.Email
}
