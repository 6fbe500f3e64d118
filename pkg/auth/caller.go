package auth

import (
	"context"

	"github.com/aye-is/feedbacker/pkg/models"
)

// Capability is a named permission a route can require.
type Capability int

const (
	CapReadOwnFeedback Capability = iota
	CapSubmitFeedback
	CapManageProjects
	CapReadAllFeedback
	CapManageUsers
	CapAdministerSystem
)

func (c Capability) String() string {
	switch c {
	case CapReadOwnFeedback:
		return "read_own_feedback"
	case CapSubmitFeedback:
		return "submit_feedback"
	case CapManageProjects:
		return "manage_projects"
	case CapReadAllFeedback:
		return "read_all_feedback"
	case CapManageUsers:
		return "manage_users"
	case CapAdministerSystem:
		return "administer_system"
	default:
		return "unknown"
	}
}

// Authorize reports whether a role holds the capability. Pure function
// over the closed role and capability sets; admins hold everything,
// service accounts add project management to the standard grant.
func Authorize(role models.Role, capability Capability) bool {
	switch capability {
	case CapReadOwnFeedback, CapSubmitFeedback:
		return role == models.RoleUser || role == models.RoleAdmin || role == models.RoleService
	case CapManageProjects:
		return role == models.RoleAdmin || role == models.RoleService
	case CapReadAllFeedback, CapManageUsers, CapAdministerSystem:
		return role == models.RoleAdmin
	default:
		return false
	}
}

// Caller is the authenticated identity attached to a request after the
// freshness check against the user store. Never persisted.
type Caller struct {
	ID     string
	Email  string
	Name   string
	Role   models.Role
	Claims Claims
}

type contextKey string

const callerContextKey contextKey = "feedbacker.caller"

func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerContextKey, c)
}

func CallerFromContext(ctx context.Context) (Caller, bool) {
	v := ctx.Value(callerContextKey)
	if v == nil {
		return Caller{}, false
	}
	c, ok := v.(Caller)
	return c, ok
}
