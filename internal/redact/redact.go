// Package redact masks secret fields before data leaves the access layer.
package redact

import (
	"encoding/json"

	"clinicdash.org/internal/authz"
	"clinicdash.org/internal/practice"
)

// Mask is the fixed replacement for secret values.
const Mask = practice.SecretMask

// secretKeys are JSON keys masked wherever they appear in a snapshot.
var secretKeys = map[string]struct{}{
	"access_token":  {},
	"refresh_token": {},
}

func maskValue(v string) string {
	if v == "" {
		return ""
	}
	return Mask
}

// Credential returns c with its tokens masked.
func Credential(c practice.Credential) practice.Credential {
	c.AccessToken = maskValue(c.AccessToken)
	c.RefreshToken = maskValue(c.RefreshToken)
	return c
}

// Reveal reports whether ac may see secrets of a record owned by clinicID.
// Both the permission and an explicit request are required.
func Reveal(ac *authz.AuthContext, clinicID string, requested bool) bool {
	if !requested || !authz.HasAccess(ac, clinicID) {
		return false
	}
	role, ok := ac.RoleIn(clinicID)
	if !ok {
		return false
	}
	return authz.Permit(role, authz.ResourceCredentials, authz.OpViewCredentialSecret)
}

// Value masks secrets in any gateway record type. Records without secrets
// pass through unchanged.
func Value[T any](v T) T {
	switch x := any(v).(type) {
	case practice.Credential:
		return any(Credential(x)).(T)
	case *practice.Credential:
		if x == nil {
			return v
		}
		c := Credential(*x)
		return any(&c).(T)
	}
	return v
}

// Snapshot marshals v for an audit record with every secret key masked,
// including keys nested inside maps and slices.
func Snapshot(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(Value(v))
	if err != nil {
		return nil, err
	}
	return Raw(raw)
}

// Raw masks secret keys inside an already-encoded JSON document.
func Raw(raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		return raw, nil
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return json.Marshal(scrub(doc))
}

func scrub(node any) any {
	switch n := node.(type) {
	case map[string]any:
		for k, v := range n {
			if _, secret := secretKeys[k]; secret {
				if s, ok := v.(string); ok {
					n[k] = maskValue(s)
					continue
				}
				if v != nil {
					n[k] = Mask
				}
				continue
			}
			n[k] = scrub(v)
		}
		return n
	case []any:
		for i, v := range n {
			n[i] = scrub(v)
		}
		return n
	}
	return node
}
