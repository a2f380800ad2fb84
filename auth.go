package lineup

import (
	gojwt "github.com/golang-jwt/jwt/v5"
)

// session credentials established by the dashboard login flow.
// the cookie rides on every request; the jwt, when present, is also sent as
// a bearer header and carries the staff identity claims for display.
type SessionAuth struct {
	SessionCookie string
	ByJwt         string
}

type StaffIdentity struct {
	StaffId string
	Name    string
	Role    string
}

// the identity claims are display only, so the signature is not checked here
func ParseStaffUnverified(byJwt string) (*StaffIdentity, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(byJwt, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	staff := &StaffIdentity{}
	if staffId, ok := claims["staff_id"].(string); ok {
		staff.StaffId = staffId
	}
	if name, ok := claims["name"].(string); ok {
		staff.Name = name
	}
	if role, ok := claims["role"].(string); ok {
		staff.Role = role
	}
	return staff, nil
}
