package redact

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clinicdash.org/internal/authz"
	"clinicdash.org/internal/practice"
)

func TestCredentialIsIdempotent(t *testing.T) {
	c := practice.Credential{ID: "cr1", ClinicID: "x", AccessToken: "ya29.secret", RefreshToken: "1//refresh"}
	once := Credential(c)
	twice := Credential(once)
	assert.Equal(t, once, twice)
	assert.Equal(t, Mask, once.AccessToken)
	assert.Equal(t, Mask, once.RefreshToken)
	assert.Equal(t, "ya29.secret", c.AccessToken, "input must not be mutated")
}

func TestCredentialLeavesEmptySecretsEmpty(t *testing.T) {
	c := Credential(practice.Credential{AccessToken: "tok"})
	assert.Equal(t, "", c.RefreshToken)
}

func TestValueDispatch(t *testing.T) {
	c := practice.Credential{AccessToken: "tok"}
	assert.Equal(t, Mask, Value(c).AccessToken)
	assert.Equal(t, Mask, Value(&c).AccessToken)
	assert.Equal(t, "tok", c.AccessToken)

	m := practice.Metric{Name: "visits"}
	assert.Equal(t, m, Value(m))
}

func TestReveal(t *testing.T) {
	ms := []authz.Membership{
		{ID: "1", SubjectID: "u1", ClinicID: "x", Role: authz.RoleClinicAdmin, Active: true, CreatedAt: time.Now()},
		{ID: "2", SubjectID: "u1", ClinicID: "y", Role: authz.RoleProvider, Active: true, CreatedAt: time.Now()},
	}
	ac, err := authz.NewAuthContext("u1", "", ms, "x")
	require.NoError(t, err)

	assert.True(t, Reveal(ac, "x", true))
	assert.False(t, Reveal(ac, "x", false), "unmasking is opt-in")
	assert.False(t, Reveal(ac, "y", true), "provider role in y")
	assert.False(t, Reveal(ac, "z", true), "no access to z")
	assert.True(t, Reveal(authz.NewServiceContext("batch"), "z", true))
	assert.False(t, Reveal(nil, "x", true))
}

func TestSnapshotMasksNestedSecrets(t *testing.T) {
	payload := map[string]any{
		"id": "cr1",
		"nested": []any{
			map[string]any{"refresh_token": "deep-secret"},
		},
		"access_token": "top-secret",
	}
	raw, err := Snapshot(payload)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "secret")
	assert.True(t, strings.Contains(string(raw), Mask))

	again, err := Raw(raw)
	require.NoError(t, err)
	assert.JSONEq(t, string(raw), string(again))
}

func TestSnapshotOfCredential(t *testing.T) {
	raw, err := Snapshot(practice.Credential{ID: "cr1", AccessToken: "live"})
	require.NoError(t, err)
	var out practice.Credential
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, Mask, out.AccessToken)

	nilRaw, err := Snapshot(nil)
	require.NoError(t, err)
	assert.Nil(t, nilRaw)
}
