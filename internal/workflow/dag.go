package workflow

import "golang.org/x/exp/slices"

// UnmetDependencies returns the predecessors of p that block it, given the statuses of the stages registered for the
// same realisation. A predecessor that was never registered for the realisation doesn't block.
func UnmetDependencies(p ProcessType, siblings map[ProcessType]Status) []ProcessType {
	var unmet []ProcessType
	for _, dep := range p.Dependencies() {
		status, registered := siblings[dep]
		if registered && status != Completed {
			unmet = append(unmet, dep)
		}
	}
	return unmet
}

// Downstream returns every stage that transitively depends on p, in ordinal order.
func Downstream(p ProcessType) []ProcessType {
	var result []ProcessType
	for _, candidate := range AllProcessTypes() {
		if candidate != p && dependsOn(candidate, p) {
			result = append(result, candidate)
		}
	}
	return result
}

func dependsOn(p, target ProcessType) bool {
	for _, dep := range p.Dependencies() {
		if dep == target || dependsOn(dep, target) {
			return true
		}
	}
	return false
}

// WithDependencies expands a stage selection to include every transitive predecessor, in ordinal order.
func WithDependencies(ps []ProcessType) []ProcessType {
	result := slices.Clone(ps)
	for i := 0; i < len(result); i++ {
		for _, dep := range result[i].Dependencies() {
			if !slices.Contains(result, dep) {
				result = append(result, dep)
			}
		}
	}
	SortProcessTypes(result)
	return result
}
