package pg

import (
	"database/sql"

	"clinicdash.org/internal/authz"
	"clinicdash.org/internal/practice"
)

func clinicCodec() codec[practice.Clinic] {
	return codec[practice.Clinic]{
		name:    "clinics",
		columns: []string{"id", "name", "timezone", "created_at", "updated_at"},
		tenant:  "id",
		fields:  map[string]string{"name": "name", "timezone": "timezone"},
		scan: func(s scanner) (practice.Clinic, error) {
			var c practice.Clinic
			err := s.Scan(&c.ID, &c.Name, &c.Timezone, &c.CreatedAt, &c.UpdatedAt)
			c.CreatedAt, c.UpdatedAt = c.CreatedAt.UTC(), c.UpdatedAt.UTC()
			return c, err
		},
		values: func(c practice.Clinic) ([]any, error) {
			return []any{c.ID, c.Name, c.Timezone, c.CreatedAt, c.UpdatedAt}, nil
		},
	}
}

func userCodec() codec[practice.User] {
	return codec[practice.User]{
		name:    "users",
		columns: []string{"id", "clinic_id", "subject_id", "email", "full_name", "title", "created_at", "updated_at"},
		tenant:  "clinic_id",
		fields:  map[string]string{"email": "email", "subject_id": "subject_id", "title": "title"},
		scan: func(s scanner) (practice.User, error) {
			var u practice.User
			err := s.Scan(&u.ID, &u.ClinicID, &u.SubjectID, &u.Email, &u.FullName, &u.Title, &u.CreatedAt, &u.UpdatedAt)
			u.CreatedAt, u.UpdatedAt = u.CreatedAt.UTC(), u.UpdatedAt.UTC()
			return u, err
		},
		values: func(u practice.User) ([]any, error) {
			return []any{u.ID, u.ClinicID, u.SubjectID, u.Email, u.FullName, u.Title, u.CreatedAt, u.UpdatedAt}, nil
		},
	}
}

func membershipCodec() codec[authz.Membership] {
	return codec[authz.Membership]{
		name:    "memberships",
		columns: []string{"id", "clinic_id", "subject_id", "role", "active", "granted_by", "created_at", "updated_at"},
		tenant:  "clinic_id",
		fields:  map[string]string{"subject_id": "subject_id", "role": "role", "active": "active"},
		scan: func(s scanner) (authz.Membership, error) {
			var (
				m    authz.Membership
				role string
			)
			err := s.Scan(&m.ID, &m.ClinicID, &m.SubjectID, &role, &m.Active, &m.GrantedBy, &m.CreatedAt, &m.UpdatedAt)
			m.Role = authz.Role(role)
			m.CreatedAt, m.UpdatedAt = m.CreatedAt.UTC(), m.UpdatedAt.UTC()
			return m, err
		},
		values: func(m authz.Membership) ([]any, error) {
			return []any{m.ID, m.ClinicID, m.SubjectID, string(m.Role), m.Active, m.GrantedBy, m.CreatedAt, m.UpdatedAt}, nil
		},
	}
}

func metricCodec() codec[practice.Metric] {
	return codec[practice.Metric]{
		name:    "metrics",
		columns: []string{"id", "clinic_id", "provider_id", "name", "value", "unit", "recorded_on", "created_at", "updated_at"},
		tenant:  "clinic_id",
		fields:  map[string]string{"name": "name", "provider_id": "provider_id", "unit": "unit"},
		scan: func(s scanner) (practice.Metric, error) {
			var m practice.Metric
			err := s.Scan(&m.ID, &m.ClinicID, &m.ProviderID, &m.Name, &m.Value, &m.Unit, &m.RecordedOn, &m.CreatedAt, &m.UpdatedAt)
			m.RecordedOn, m.CreatedAt, m.UpdatedAt = m.RecordedOn.UTC(), m.CreatedAt.UTC(), m.UpdatedAt.UTC()
			return m, err
		},
		values: func(m practice.Metric) ([]any, error) {
			return []any{m.ID, m.ClinicID, m.ProviderID, m.Name, m.Value, m.Unit, m.RecordedOn, m.CreatedAt, m.UpdatedAt}, nil
		},
	}
}

var goalColumns = []string{
	"id", "clinic_id", "provider_id", "title", "metric_name", "target_value", "current_value",
	"aggregation", "start_date", "end_date", "status", "completed_at", "created_at", "updated_at",
}

func goalCodec() codec[practice.Goal] {
	return codec[practice.Goal]{
		name:    "goals",
		columns: goalColumns,
		tenant:  "clinic_id",
		fields:  map[string]string{"status": "status", "provider_id": "provider_id", "metric_name": "metric_name"},
		scan:    scanGoal,
		values: func(g practice.Goal) ([]any, error) {
			return []any{
				g.ID, g.ClinicID, g.ProviderID, g.Title, g.MetricName, g.TargetValue, g.CurrentValue,
				string(g.Aggregation), g.StartDate, g.EndDate, string(g.Status), nullTime(g.CompletedAt),
				g.CreatedAt, g.UpdatedAt,
			}, nil
		},
	}
}

func scanGoal(s scanner) (practice.Goal, error) {
	var (
		g           practice.Goal
		aggregation string
		status      string
		completed   sql.NullTime
	)
	err := s.Scan(&g.ID, &g.ClinicID, &g.ProviderID, &g.Title, &g.MetricName, &g.TargetValue, &g.CurrentValue,
		&aggregation, &g.StartDate, &g.EndDate, &status, &completed, &g.CreatedAt, &g.UpdatedAt)
	g.Aggregation = practice.Aggregation(aggregation)
	g.Status = practice.GoalStatus(status)
	g.CompletedAt = timePtr(completed)
	g.StartDate, g.EndDate = g.StartDate.UTC(), g.EndDate.UTC()
	g.CreatedAt, g.UpdatedAt = g.CreatedAt.UTC(), g.UpdatedAt.UTC()
	return g, err
}

func progressCodec() codec[practice.ProgressEntry] {
	return codec[practice.ProgressEntry]{
		name:    "goal_progress",
		columns: []string{"id", "clinic_id", "goal_id", "value", "entry_date", "note", "recorded_by", "created_at"},
		tenant:  "clinic_id",
		fields:  map[string]string{"goal_id": "goal_id", "recorded_by": "recorded_by"},
		order:   "entry_date, created_at, id",
		scan: func(s scanner) (practice.ProgressEntry, error) {
			var p practice.ProgressEntry
			err := s.Scan(&p.ID, &p.ClinicID, &p.GoalID, &p.Value, &p.EntryDate, &p.Note, &p.RecordedBy, &p.CreatedAt)
			p.EntryDate, p.CreatedAt = p.EntryDate.UTC(), p.CreatedAt.UTC()
			return p, err
		},
		values: func(p practice.ProgressEntry) ([]any, error) {
			return []any{p.ID, p.ClinicID, p.GoalID, p.Value, p.EntryDate, p.Note, p.RecordedBy, p.CreatedAt}, nil
		},
	}
}

// credentialCodec seals tokens on the way in and opens them on the way out.
func credentialCodec(sealer *Sealer) codec[practice.Credential] {
	return codec[practice.Credential]{
		name: "credentials",
		columns: []string{
			"id", "clinic_id", "provider", "account_email", "access_token", "refresh_token",
			"expires_at", "created_at", "updated_at",
		},
		tenant: "clinic_id",
		fields: map[string]string{"provider": "provider", "account_email": "account_email"},
		scan: func(s scanner) (practice.Credential, error) {
			var (
				c               practice.Credential
				access, refresh []byte
				expires         sql.NullTime
			)
			if err := s.Scan(&c.ID, &c.ClinicID, &c.Provider, &c.AccountEmail, &access, &refresh,
				&expires, &c.CreatedAt, &c.UpdatedAt); err != nil {
				return c, err
			}
			var err error
			if c.AccessToken, err = sealer.Open(access); err != nil {
				return c, err
			}
			if c.RefreshToken, err = sealer.Open(refresh); err != nil {
				return c, err
			}
			c.ExpiresAt = timePtr(expires)
			c.CreatedAt, c.UpdatedAt = c.CreatedAt.UTC(), c.UpdatedAt.UTC()
			return c, nil
		},
		values: func(c practice.Credential) ([]any, error) {
			access, err := sealer.Seal(c.AccessToken)
			if err != nil {
				return nil, err
			}
			refresh, err := sealer.Seal(c.RefreshToken)
			if err != nil {
				return nil, err
			}
			return []any{
				c.ID, c.ClinicID, c.Provider, c.AccountEmail, nullBytes(access), nullBytes(refresh),
				nullTime(c.ExpiresAt), c.CreatedAt, c.UpdatedAt,
			}, nil
		},
	}
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
