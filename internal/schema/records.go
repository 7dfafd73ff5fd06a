package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// SubjectPrefix is prepended to password export ids to form the subject id
// used by the user export.
const SubjectPrefix = "auth0|"

// User is one record of the primary user-profile export.
type User struct {
	ID            string `json:"Id"`
	Email         string `json:"Email"`
	EmailVerified *bool  `json:"Email Verified"`
	GivenName     string `json:"Given Name"`
	FamilyName    string `json:"Family Name"`
}

// Password is one record of the password-hash export.
type Password struct {
	ID   exportID `json:"_id"`
	Hash string   `json:"passwordHash"`
}

// SubjectID returns the user export id this hash belongs to.
func (p Password) SubjectID() string {
	return SubjectPrefix + string(p.ID)
}

// OTPSecret is one record of the MFA-secret export.
type OTPSecret struct {
	UserID string `json:"user_id"`
	Type   string `json:"type"`
	Secret string `json:"otp_secret"`
}

// IsTOTP reports whether the record carries a usable TOTP secret.
// Other factor types (sms, email, recovery codes) are not migrated.
func (s OTPSecret) IsTOTP() bool {
	return s.Type == "otp" && s.Secret != ""
}

// exportID accepts both a bare string and the Mongo extended-JSON form
// {"$oid": "..."}; password exports have shipped in both shapes.
type exportID string

func (id *exportID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = exportID(s)
		return nil
	}

	var oid struct {
		OID string `json:"$oid"`
	}
	if err := json.Unmarshal(b, &oid); err != nil {
		return fmt.Errorf("_id: %w", err)
	}
	*id = exportID(oid.OID)
	return nil
}

// DecodeUser validates and decodes a user export record.
func (v *Validator) DecodeUser(raw []byte) (User, error) {
	var u User
	err := v.decode(KindUser, raw, &u)
	return u, err
}

// DecodePassword validates and decodes a password export record.
func (v *Validator) DecodePassword(raw []byte) (Password, error) {
	var p Password
	err := v.decode(KindPassword, raw, &p)
	return p, err
}

// DecodeOTPSecret validates and decodes an MFA export record.
func (v *Validator) DecodeOTPSecret(raw []byte) (OTPSecret, error) {
	var s OTPSecret
	err := v.decode(KindOTPSecret, raw, &s)
	return s, err
}
