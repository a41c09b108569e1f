package practice

import (
	"math"
	"net/mail"
	"strings"
	"time"

	"clinicdash.org/internal/authz"
)

// SecretMask replaces secret values in outbound payloads.
const SecretMask = "********"

func blank(s string) bool { return strings.TrimSpace(s) == "" }

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

func clinicImmutable(requested *string, current string) error {
	if requested != nil && *requested != current {
		return authz.Invalid("clinic_id", "cannot be changed")
	}
	return nil
}

func (c Clinic) Validate() error {
	var ve authz.ValidationError
	if blank(c.Name) {
		ve.Add("name", "is required")
	}
	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			ve.Add("timezone", "is not a known time zone")
		}
	}
	return ve.Err()
}

func (u User) Validate() error {
	var ve authz.ValidationError
	if blank(u.ClinicID) {
		ve.Add("clinic_id", "is required")
	}
	if _, err := mail.ParseAddress(u.Email); err != nil {
		ve.Add("email", "must be a valid address")
	}
	if blank(u.FullName) {
		ve.Add("full_name", "is required")
	}
	return ve.Err()
}

func (m Metric) Validate() error {
	var ve authz.ValidationError
	if blank(m.ClinicID) {
		ve.Add("clinic_id", "is required")
	}
	if blank(m.Name) {
		ve.Add("name", "is required")
	}
	switch {
	case !finite(m.Value):
		ve.Add("value", "must be a number")
	case m.Value < 0:
		ve.Add("value", "must not be negative")
	}
	if m.RecordedOn.IsZero() {
		ve.Add("recorded_on", "is required")
	}
	return ve.Err()
}

func (g Goal) Validate() error {
	var ve authz.ValidationError
	if blank(g.ClinicID) {
		ve.Add("clinic_id", "is required")
	}
	if blank(g.Title) {
		ve.Add("title", "is required")
	}
	if !finite(g.TargetValue) || g.TargetValue <= 0 {
		ve.Add("target_value", "must be greater than zero")
	}
	if !g.Aggregation.Valid() {
		ve.Add("aggregation", "must be sum or latest")
	}
	if g.StartDate.IsZero() {
		ve.Add("start_date", "is required")
	}
	if g.EndDate.IsZero() {
		ve.Add("end_date", "is required")
	} else if !g.EndDate.After(g.StartDate) {
		ve.Add("end_date", "must be after start_date")
	}
	if g.Status != "" && !g.Status.Valid() {
		ve.Add("status", "is not a known status")
	}
	return ve.Err()
}

func (p ProgressEntry) Validate() error {
	var ve authz.ValidationError
	if blank(p.GoalID) {
		ve.Add("goal_id", "is required")
	}
	switch {
	case !finite(p.Value):
		ve.Add("value", "must be a number")
	case p.Value < 0:
		ve.Add("value", "must not be negative")
	}
	if p.EntryDate.IsZero() {
		ve.Add("entry_date", "is required")
	}
	return ve.Err()
}

func (c Credential) Validate() error {
	var ve authz.ValidationError
	if blank(c.ClinicID) {
		ve.Add("clinic_id", "is required")
	}
	if blank(c.Provider) {
		ve.Add("provider", "is required")
	}
	if blank(c.AccessToken) && blank(c.RefreshToken) {
		ve.Add("access_token", "a token is required")
	}
	if c.AccessToken == SecretMask {
		ve.Add("access_token", "must not be the mask value")
	}
	if c.RefreshToken == SecretMask {
		ve.Add("refresh_token", "must not be the mask value")
	}
	return ve.Err()
}

// ClinicPatch updates clinic settings.
type ClinicPatch struct {
	Name     *string `json:"name,omitempty"`
	Timezone *string `json:"timezone,omitempty"`
}

func (p ClinicPatch) Apply(c *Clinic) error {
	if p.Name != nil {
		c.Name = strings.TrimSpace(*p.Name)
	}
	if p.Timezone != nil {
		c.Timezone = strings.TrimSpace(*p.Timezone)
	}
	return c.Validate()
}

// UserPatch updates a roster entry.
type UserPatch struct {
	ClinicID  *string `json:"clinic_id,omitempty"`
	SubjectID *string `json:"subject_id,omitempty"`
	Email     *string `json:"email,omitempty"`
	FullName  *string `json:"full_name,omitempty"`
	Title     *string `json:"title,omitempty"`
}

func (p UserPatch) Apply(u *User) error {
	if err := clinicImmutable(p.ClinicID, u.ClinicID); err != nil {
		return err
	}
	if p.SubjectID != nil {
		u.SubjectID = strings.TrimSpace(*p.SubjectID)
	}
	if p.Email != nil {
		u.Email = strings.TrimSpace(*p.Email)
	}
	if p.FullName != nil {
		u.FullName = strings.TrimSpace(*p.FullName)
	}
	if p.Title != nil {
		u.Title = strings.TrimSpace(*p.Title)
	}
	return u.Validate()
}

// MetricPatch updates a metric.
type MetricPatch struct {
	ClinicID   *string    `json:"clinic_id,omitempty"`
	ProviderID *string    `json:"provider_id,omitempty"`
	Name       *string    `json:"name,omitempty"`
	Value      *float64   `json:"value,omitempty"`
	Unit       *string    `json:"unit,omitempty"`
	RecordedOn *time.Time `json:"recorded_on,omitempty"`
}

func (p MetricPatch) Apply(m *Metric) error {
	if err := clinicImmutable(p.ClinicID, m.ClinicID); err != nil {
		return err
	}
	if p.ProviderID != nil {
		m.ProviderID = strings.TrimSpace(*p.ProviderID)
	}
	if p.Name != nil {
		m.Name = strings.TrimSpace(*p.Name)
	}
	if p.Value != nil {
		m.Value = *p.Value
	}
	if p.Unit != nil {
		m.Unit = strings.TrimSpace(*p.Unit)
	}
	if p.RecordedOn != nil {
		m.RecordedOn = p.RecordedOn.UTC()
	}
	return m.Validate()
}

// GoalPatch updates a goal's definition. Status and current value are owned by
// the progress reactor and cannot be patched.
type GoalPatch struct {
	ClinicID    *string      `json:"clinic_id,omitempty"`
	ProviderID  *string      `json:"provider_id,omitempty"`
	Title       *string      `json:"title,omitempty"`
	MetricName  *string      `json:"metric_name,omitempty"`
	TargetValue *float64     `json:"target_value,omitempty"`
	Aggregation *Aggregation `json:"aggregation,omitempty"`
	StartDate   *time.Time   `json:"start_date,omitempty"`
	EndDate     *time.Time   `json:"end_date,omitempty"`
}

func (p GoalPatch) Apply(g *Goal) error {
	if err := clinicImmutable(p.ClinicID, g.ClinicID); err != nil {
		return err
	}
	if p.ProviderID != nil {
		g.ProviderID = strings.TrimSpace(*p.ProviderID)
	}
	if p.Title != nil {
		g.Title = strings.TrimSpace(*p.Title)
	}
	if p.MetricName != nil {
		g.MetricName = strings.TrimSpace(*p.MetricName)
	}
	if p.TargetValue != nil {
		g.TargetValue = *p.TargetValue
	}
	if p.Aggregation != nil {
		g.Aggregation = *p.Aggregation
	}
	if p.StartDate != nil {
		g.StartDate = p.StartDate.UTC()
	}
	if p.EndDate != nil {
		g.EndDate = p.EndDate.UTC()
	}
	return g.Validate()
}

// CredentialPatch rotates tokens or account details.
type CredentialPatch struct {
	ClinicID     *string    `json:"clinic_id,omitempty"`
	AccountEmail *string    `json:"account_email,omitempty"`
	AccessToken  *string    `json:"access_token,omitempty"`
	RefreshToken *string    `json:"refresh_token,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

func (p CredentialPatch) Apply(c *Credential) error {
	if err := clinicImmutable(p.ClinicID, c.ClinicID); err != nil {
		return err
	}
	if p.AccountEmail != nil {
		c.AccountEmail = strings.TrimSpace(*p.AccountEmail)
	}
	// A masked value echoed back from a read leaves the stored secret alone.
	if p.AccessToken != nil && *p.AccessToken != SecretMask {
		c.AccessToken = *p.AccessToken
	}
	if p.RefreshToken != nil && *p.RefreshToken != SecretMask {
		c.RefreshToken = *p.RefreshToken
	}
	if p.ExpiresAt != nil {
		t := p.ExpiresAt.UTC()
		c.ExpiresAt = &t
	}
	return c.Validate()
}

// AuditPatch is the only amendment a system context may apply to an audit record.
type AuditPatch struct {
	Annotation *string `json:"annotation,omitempty"`
}

func (p AuditPatch) Apply(a *AuditRecord) error {
	if p.Annotation == nil {
		return authz.Invalid("annotation", "is required")
	}
	a.Annotation = strings.TrimSpace(*p.Annotation)
	return nil
}
