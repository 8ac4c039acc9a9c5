package domain

import "testing"

func TestMemberRowNormalizeJoined(t *testing.T) {
	row := MemberRow{Joined: &JoinedMember{ProjectID: "p1", Role: "editor"}}
	row.Joined.User.ID = "u1"
	row.Joined.User.Name = "Ada"
	row.Joined.User.Email = "ada@example.com"

	m, ok := row.Normalize()
	if !ok {
		t.Fatal("expected joined row to normalize")
	}
	want := MemberRecord{ProjectID: "p1", UserID: "u1", Role: "editor", Name: "Ada", Email: "ada@example.com"}
	if m != want {
		t.Fatalf("unexpected record: %+v", m)
	}
}

func TestMemberRowNormalizeFlat(t *testing.T) {
	row := MemberRow{Flat: &FlatMember{ProjectID: "p1", Role: "viewer", UserID: "u2", Name: "Grace", Email: "grace@example.com"}}

	m, ok := row.Normalize()
	if !ok {
		t.Fatal("expected flat row to normalize")
	}
	if m.UserID != "u2" || m.Role != "viewer" || m.ProjectID != "p1" {
		t.Fatalf("unexpected record: %+v", m)
	}
}

func TestMemberRowNormalizeRejectsUnusableRows(t *testing.T) {
	if _, ok := (MemberRow{}).Normalize(); ok {
		t.Fatal("empty row should not normalize")
	}
	if _, ok := (MemberRow{Flat: &FlatMember{ProjectID: "p1"}}).Normalize(); ok {
		t.Fatal("row without user id should not normalize")
	}
}
