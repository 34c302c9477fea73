package topic

import (
	"pushit-backend/internal/apperr"
	"pushit-backend/internal/model"
)

// DefaultPrivileged are the topics reserved for backend subscribers when none are configured.
var DefaultPrivileged = []string{"system", "admin", "critical"}

// Filter decides which topics a caller class may subscribe to or target.
type Filter struct {
	privileged map[string]struct{}
}

// NewFilter creates a filter for the given privileged topics.
func NewFilter(privileged []string) *Filter {
	set := make(map[string]struct{}, len(privileged))
	for _, t := range Normalize(privileged) {
		set[t] = struct{}{}
	}
	return &Filter{privileged: set}
}

// IsPrivileged reports whether t is reserved for backend subscribers.
func (f *Filter) IsPrivileged(t string) bool {
	_, ok := f.privileged[t]
	return ok
}

// Privileged returns the configured privileged topics, sorted.
func (f *Filter) Privileged() []string {
	out := make([]string, 0, len(f.privileged))
	for t := range f.privileged {
		out = append(out, t)
	}
	return Normalize(out)
}

// FilterForUserType returns the subset of requested topics the user type may subscribe to,
// together with the topics that were removed. Backend callers keep every topic.
func (f *Filter) FilterForUserType(requested []string, userType model.UserType) (allowed, blocked []string) {
	requested = Normalize(requested)
	if userType == model.UserTypeBackend {
		return requested, []string{}
	}

	allowed = make([]string, 0, len(requested))
	blocked = []string{}
	for _, t := range requested {
		if f.IsPrivileged(t) {
			blocked = append(blocked, t)
			continue
		}
		allowed = append(allowed, t)
	}
	return allowed, blocked
}

// AuthorizeTargets refuses privileged dispatch targets for callers that are not administrators.
func (f *Filter) AuthorizeTargets(topics []string, isAdmin bool) error {
	if isAdmin {
		return nil
	}
	for _, t := range topics {
		if f.IsPrivileged(t) {
			return apperr.Forbidden("topic " + t + " may only be targeted by administrators")
		}
	}
	return nil
}
