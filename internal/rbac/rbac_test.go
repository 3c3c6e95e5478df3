package rbac

import "testing"

func TestCan(t *testing.T) {
	cases := []struct {
		name   string
		role   Role
		action Action
		allow  bool
	}{
		{name: "client write", role: RoleClient, action: ActionWrite, allow: true},
		{name: "client comment", role: RoleClient, action: ActionComment, allow: true},
		{name: "client moderate", role: RoleClient, action: ActionModerate, allow: false},
		{name: "moderator moderate", role: RoleModerator, action: ActionModerate, allow: true},
		{name: "moderator admin", role: RoleModerator, action: ActionAdmin, allow: false},
		{name: "admin admin", role: RoleAdmin, action: ActionAdmin, allow: true},
		{name: "unknown read", role: Role("ghost"), action: ActionRead, allow: true},
		{name: "unknown write", role: Role("ghost"), action: ActionWrite, allow: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Can(tc.role, tc.action); got != tc.allow {
				t.Fatalf("Can(%q, %q) = %v, want %v", tc.role, tc.action, got, tc.allow)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	if got := Normalize("moderator"); got != RoleModerator {
		t.Fatalf("Normalize(moderator) = %q", got)
	}
	if got := Normalize("editor"); got != RoleClient {
		t.Fatalf("Normalize(editor) = %q, want client", got)
	}
	if Privileged(RoleClient) || !Privileged(RoleModerator) || !Privileged(RoleAdmin) {
		t.Fatal("Privileged() returned unexpected result")
	}
}
