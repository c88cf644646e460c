package registry

// DependenciesSatisfied reports whether every listed prerequisite is
// satisfied: either Running, or a one-shot (RestartNever) service that
// already exited successfully. Dependencies are evaluated in
// declaration order; there is no topological sort, so a configuration
// with a cycle simply never satisfies and is observable as perpetual
// dependency failures.
func (r *Registry) DependenciesSatisfied(deps []string) bool {
	for _, dep := range deps {
		rec := r.records[dep]
		if rec == nil {
			return false
		}
		switch rec.State.Kind {
		case Running:
			// satisfied
		case Exited:
			if rec.Policy != RestartNever || !rec.Succeeded {
				return false
			}
		default:
			return false
		}
	}
	return true
}
