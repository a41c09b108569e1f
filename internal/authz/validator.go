package authz

import "strings"

// ClinicFilter bounds a query to a set of clinics.
type ClinicFilter struct {
	unrestricted bool
	clinicIDs    []string
}

// Unrestricted reports whether the filter places no clinic bound.
func (f ClinicFilter) Unrestricted() bool { return f.unrestricted }

// ClinicIDs returns the allowed clinics; nil when unrestricted.
func (f ClinicFilter) ClinicIDs() []string {
	if f.unrestricted {
		return nil
	}
	out := make([]string, len(f.clinicIDs))
	copy(out, f.clinicIDs)
	return out
}

// Allows reports whether clinicID passes the filter.
func (f ClinicFilter) Allows(clinicID string) bool {
	if f.unrestricted {
		return true
	}
	for _, id := range f.clinicIDs {
		if id == clinicID {
			return true
		}
	}
	return false
}

// Narrow keeps only clinics for which keep returns true. An unrestricted filter
// is returned unchanged.
func (f ClinicFilter) Narrow(keep func(clinicID string) bool) ClinicFilter {
	if f.unrestricted {
		return f
	}
	out := ClinicFilter{}
	for _, id := range f.clinicIDs {
		if keep(id) {
			out.clinicIDs = append(out.clinicIDs, id)
		}
	}
	return out
}

// HasAccess reports whether ac may act on clinicID.
func HasAccess(ac *AuthContext, clinicID string) bool {
	if ac == nil {
		return false
	}
	if ac.scope.all {
		return true
	}
	if clinicID == "" {
		return false
	}
	return ac.scope.Contains(clinicID)
}

// ScopedFilter turns an untrusted clinic id into a safe query bound. An empty
// requestedClinicID means every clinic in scope.
func ScopedFilter(ac *AuthContext, requestedClinicID string) (ClinicFilter, error) {
	if ac == nil {
		return ClinicFilter{}, ErrAccessDenied
	}
	requestedClinicID = strings.TrimSpace(requestedClinicID)
	if requestedClinicID != "" {
		if !HasAccess(ac, requestedClinicID) {
			return ClinicFilter{}, ErrAccessDenied
		}
		return ClinicFilter{clinicIDs: []string{requestedClinicID}}, nil
	}
	if ac.scope.all {
		return ClinicFilter{unrestricted: true}, nil
	}
	ids := ac.scope.Clinics()
	if len(ids) == 0 {
		return ClinicFilter{}, ErrAccessDenied
	}
	return ClinicFilter{clinicIDs: ids}, nil
}
