package practice

import (
	"encoding/json"
	"time"
)

// Clinic is a tenant. Its own id is its clinic id.
type Clinic struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Timezone  string    `json:"timezone"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (c Clinic) RecordID() string { return c.ID }
func (c Clinic) TenantID() string { return c.ID }

func (c Clinic) Field(name string) (string, bool) {
	switch name {
	case "name":
		return c.Name, true
	case "timezone":
		return c.Timezone, true
	}
	return "", false
}

// User is a member of a clinic's staff roster.
type User struct {
	ID        string    `json:"id"`
	ClinicID  string    `json:"clinic_id"`
	SubjectID string    `json:"subject_id,omitempty"`
	Email     string    `json:"email"`
	FullName  string    `json:"full_name"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (u User) RecordID() string { return u.ID }
func (u User) TenantID() string { return u.ClinicID }

func (u User) Field(name string) (string, bool) {
	switch name {
	case "email":
		return u.Email, true
	case "subject_id":
		return u.SubjectID, true
	case "title":
		return u.Title, true
	}
	return "", false
}

// Metric is a recorded practice measurement, optionally attributed to a provider.
type Metric struct {
	ID         string    `json:"id"`
	ClinicID   string    `json:"clinic_id"`
	ProviderID string    `json:"provider_id,omitempty"`
	Name       string    `json:"name"`
	Value      float64   `json:"value"`
	Unit       string    `json:"unit,omitempty"`
	RecordedOn time.Time `json:"recorded_on"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (m Metric) RecordID() string { return m.ID }
func (m Metric) TenantID() string { return m.ClinicID }

func (m Metric) Field(name string) (string, bool) {
	switch name {
	case "name":
		return m.Name, true
	case "provider_id":
		return m.ProviderID, true
	case "unit":
		return m.Unit, true
	}
	return "", false
}

// GoalStatus is the lifecycle state of a goal.
type GoalStatus string

const (
	GoalNotStarted GoalStatus = "not_started"
	GoalActive     GoalStatus = "active"
	GoalAtRisk     GoalStatus = "at_risk"
	GoalAchieved   GoalStatus = "achieved"
	GoalCompleted  GoalStatus = "completed"
)

// Terminal reports whether no further transition is possible.
func (s GoalStatus) Terminal() bool {
	return s == GoalCompleted || s == GoalAchieved
}

func (s GoalStatus) Valid() bool {
	switch s {
	case GoalNotStarted, GoalActive, GoalAtRisk, GoalAchieved, GoalCompleted:
		return true
	}
	return false
}

// Aggregation selects how progress entries fold into a goal's current value.
type Aggregation string

const (
	AggregateSum    Aggregation = "sum"
	AggregateLatest Aggregation = "latest"
)

func (a Aggregation) Valid() bool { return a == AggregateSum || a == AggregateLatest }

// Goal is a target a clinic or provider works toward.
type Goal struct {
	ID           string      `json:"id"`
	ClinicID     string      `json:"clinic_id"`
	ProviderID   string      `json:"provider_id,omitempty"`
	Title        string      `json:"title"`
	MetricName   string      `json:"metric_name,omitempty"`
	TargetValue  float64     `json:"target_value"`
	CurrentValue float64     `json:"current_value"`
	Aggregation  Aggregation `json:"aggregation"`
	StartDate    time.Time   `json:"start_date"`
	EndDate      time.Time   `json:"end_date"`
	Status       GoalStatus  `json:"status"`
	CompletedAt  *time.Time  `json:"completed_at,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

func (g Goal) RecordID() string { return g.ID }
func (g Goal) TenantID() string { return g.ClinicID }

func (g Goal) Field(name string) (string, bool) {
	switch name {
	case "status":
		return string(g.Status), true
	case "provider_id":
		return g.ProviderID, true
	case "metric_name":
		return g.MetricName, true
	}
	return "", false
}

// ProgressEntry is a dated observation toward a goal.
type ProgressEntry struct {
	ID         string    `json:"id"`
	GoalID     string    `json:"goal_id"`
	ClinicID   string    `json:"clinic_id"`
	Value      float64   `json:"value"`
	EntryDate  time.Time `json:"entry_date"`
	Note       string    `json:"note,omitempty"`
	RecordedBy string    `json:"recorded_by"`
	CreatedAt  time.Time `json:"created_at"`
}

func (p ProgressEntry) RecordID() string { return p.ID }
func (p ProgressEntry) TenantID() string { return p.ClinicID }

func (p ProgressEntry) Field(name string) (string, bool) {
	switch name {
	case "goal_id":
		return p.GoalID, true
	case "recorded_by":
		return p.RecordedBy, true
	}
	return "", false
}

// Credential holds tokens an external sync integration uses on a clinic's behalf.
type Credential struct {
	ID           string     `json:"id"`
	ClinicID     string     `json:"clinic_id"`
	Provider     string     `json:"provider"`
	AccountEmail string     `json:"account_email,omitempty"`
	AccessToken  string     `json:"access_token,omitempty"`
	RefreshToken string     `json:"refresh_token,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

func (c Credential) RecordID() string { return c.ID }
func (c Credential) TenantID() string { return c.ClinicID }

func (c Credential) Field(name string) (string, bool) {
	switch name {
	case "provider":
		return c.Provider, true
	case "account_email":
		return c.AccountEmail, true
	}
	return "", false
}

// AuditAction is the mutation kind captured by an audit record.
type AuditAction string

const (
	AuditCreate AuditAction = "create"
	AuditUpdate AuditAction = "update"
	AuditDelete AuditAction = "delete"
)

// AuditRecord is an append-only trace of one accepted mutation.
type AuditRecord struct {
	ID          string          `json:"id"`
	TargetTable string          `json:"target_table"`
	TargetID    string          `json:"record_id"`
	ClinicID    string          `json:"clinic_id"`
	Action      AuditAction     `json:"action"`
	SubjectID   string          `json:"subject_id"`
	ExternalID  string          `json:"external_id,omitempty"`
	Before      json.RawMessage `json:"before,omitempty"`
	After       json.RawMessage `json:"after,omitempty"`
	RequestID   string          `json:"request_id,omitempty"`
	Annotation  string          `json:"annotation,omitempty"`
	OccurredAt  time.Time       `json:"occurred_at"`
}

func (a AuditRecord) RecordID() string { return a.ID }
func (a AuditRecord) TenantID() string { return a.ClinicID }

func (a AuditRecord) Field(name string) (string, bool) {
	switch name {
	case "target_table":
		return a.TargetTable, true
	case "record_id":
		return a.TargetID, true
	case "action":
		return string(a.Action), true
	case "subject_id":
		return a.SubjectID, true
	}
	return "", false
}
