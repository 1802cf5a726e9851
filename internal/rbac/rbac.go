package rbac

type Role string
type Action string

const (
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
)

const (
	ActionRead    Action = "read"
	ActionPost    Action = "post"
	ActionComment Action = "comment"
	ActionDelete  Action = "delete"
)

// Can reports whether role may perform action. Deleting posts and comments
// is the only moderation capability and belongs to admins.
func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleMember:
		return action == ActionRead || action == ActionPost || action == ActionComment
	default:
		return false
	}
}
