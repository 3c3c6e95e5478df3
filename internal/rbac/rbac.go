package rbac

type Role string
type Action string

const (
	RoleClient    Role = "client"
	RoleModerator Role = "moderator"
	RoleAdmin     Role = "admin"
)

const (
	ActionRead     Action = "read"
	ActionWrite    Action = "write"
	ActionComment  Action = "comment"
	ActionModerate Action = "moderate"
	ActionAdmin    Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleModerator:
		return action != ActionAdmin
	case RoleClient:
		return action == ActionRead || action == ActionWrite || action == ActionComment
	default:
		return action == ActionRead
	}
}

// Privileged reports whether the role bypasses story ownership checks.
func Privileged(role Role) bool {
	return Can(role, ActionModerate)
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleClient, RoleModerator, RoleAdmin:
		return Role(role)
	default:
		return RoleClient
	}
}
