package models

import (
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// User is an account holder. Agencies are users with role "agency".
type User struct {
	ID        int64     `db:"id" json:"id"`
	Username  string    `db:"username" json:"username"`
	Role      string    `db:"role" json:"role"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Client is a managed client of an agency.
type Client struct {
	ID        int64     `db:"id" json:"id"`
	AgencyID  int64     `db:"agency_id" json:"agency_id"`
	Name      string    `db:"name" json:"name"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Principal is the tenant on whose behalf an operation runs.
// UserID is the authenticated user. When the user is an agency, AgencyID
// equals UserID and accounts of the agency's clients are reachable too.
type Principal struct {
	UserID   int64
	AgencyID *int64
	System   bool
}

// SystemPrincipal returns the principal used by background enforcement for
// an account. It carries the account's own tenant, so ownership checks still
// run on automated paths.
func SystemPrincipal(account *Account, client *Client) Principal {
	p := Principal{System: true}
	switch {
	case account.UserID != nil:
		p.UserID = *account.UserID
	case client != nil:
		agency := client.AgencyID
		p.UserID = agency
		p.AgencyID = &agency
	}
	return p
}

// TenantKey identifies the tenant root of an account: "u:<id>" or "c:<id>".
func (a *Account) TenantKey() string {
	if a.UserID != nil {
		return "u:" + strconv.FormatInt(*a.UserID, 10)
	}
	if a.ClientID != nil {
		return "c:" + strconv.FormatInt(*a.ClientID, 10)
	}
	return ""
}

// Claims defines the structure of the JWT claims.
type Claims struct {
	UserID   int64  `json:"uid"`
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}
