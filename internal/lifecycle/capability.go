package lifecycle

import (
	"bookroom/api/internal/rbac"
	"bookroom/api/internal/store"
)

// Actor is the authenticated user performing an operation.
type Actor struct {
	UserID string
	Role   rbac.Role
}

func (a Actor) Privileged() bool {
	return rbac.Privileged(a.Role)
}

func isParticipant(parts []store.Participation, userID string) bool {
	for _, p := range parts {
		if p.UserID == userID {
			return true
		}
	}
	return false
}

// CanModify reports whether actor may change story-level data.
// Moderators and admins bypass ownership.
func CanModify(actor Actor, parts []store.Participation) bool {
	return actor.Privileged() || isParticipant(parts, actor.UserID)
}

// CanDelete allows the sole collaborator of a story, or a moderator/admin.
func CanDelete(actor Actor, parts []store.Participation) bool {
	if actor.Privileged() {
		return true
	}
	return len(parts) == 1 && parts[0].UserID == actor.UserID
}

// CanView hides unpublished stories from everyone but their collaborators
// and moderators.
func CanView(actor Actor, story store.Story, parts []store.Participation) bool {
	return story.Stage == store.StagePublished || CanModify(actor, parts)
}
