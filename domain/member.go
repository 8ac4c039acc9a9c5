package domain

// MemberRecord is the canonical shape of a project membership row.
type MemberRecord struct {
	ProjectID string `json:"projectId"`
	UserID    string `json:"userId"`
	Role      string `json:"role,omitempty"`
	Name      string `json:"name,omitempty"`
	Email     string `json:"email,omitempty"`
}

// JoinedMember is a membership row whose user fields arrive nested under
// the joined relation.
type JoinedMember struct {
	ProjectID string `json:"project_id"`
	Role      string `json:"role"`
	User      struct {
		ID    string `json:"id"`
		Name  string `json:"full_name"`
		Email string `json:"email"`
	} `json:"user"`
}

// FlatMember is a membership row from the fallback query, with the user
// fields at the top level.
type FlatMember struct {
	ProjectID string `json:"project_id"`
	Role      string `json:"role"`
	UserID    string `json:"user_id"`
	Name      string `json:"full_name"`
	Email     string `json:"email"`
}

// MemberRow is the tagged union of shapes membership rows arrive in.
// Exactly one side is expected to be set.
type MemberRow struct {
	Joined *JoinedMember
	Flat   *FlatMember
}

// Normalize maps either row shape to the canonical MemberRecord. It
// reports false when the row carries neither shape or no user identifier,
// so callers can skip unusable rows instead of propagating partial ones.
func (r MemberRow) Normalize() (MemberRecord, bool) {
	switch {
	case r.Joined != nil:
		m := MemberRecord{
			ProjectID: r.Joined.ProjectID,
			UserID:    r.Joined.User.ID,
			Role:      r.Joined.Role,
			Name:      r.Joined.User.Name,
			Email:     r.Joined.User.Email,
		}
		return m, m.UserID != ""
	case r.Flat != nil:
		m := MemberRecord{
			ProjectID: r.Flat.ProjectID,
			UserID:    r.Flat.UserID,
			Role:      r.Flat.Role,
			Name:      r.Flat.Name,
			Email:     r.Flat.Email,
		}
		return m, m.UserID != ""
	default:
		return MemberRecord{}, false
	}
}
