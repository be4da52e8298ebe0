package utils

// Match checks if value matches pattern. Patterns may include the wildcard
// '*', which matches any run of characters (including none) anywhere in the
// pattern, e.g. "tournament:*" matches "tournament:create". The bare pattern
// "*" matches everything. Matching is case-sensitive and exact outside of the
// wildcard semantics.
func Match(value, pattern string) bool {
	if pattern == "*" || pattern == value {
		return true
	}
	return matchGlob(value, pattern)
}

// matchGlob matches value against pattern using iterative star backtracking.
func matchGlob(value, pattern string) bool {
	vIndex, pIndex := 0, 0
	vLen, pLen := len(value), len(pattern)
	// position to resume from after the most recent '*'
	star, backtrack := -1, 0

	for vIndex < vLen {
		switch {
		case pIndex < pLen && pattern[pIndex] == '*':
			star = pIndex
			backtrack = vIndex
			pIndex++
		case pIndex < pLen && pattern[pIndex] == value[vIndex]:
			vIndex++
			pIndex++
		case star >= 0:
			// widen the last '*' by one character and retry
			backtrack++
			vIndex = backtrack
			pIndex = star + 1
		default:
			return false
		}
	}

	// value consumed; remaining pattern must be all '*'
	for pIndex < pLen && pattern[pIndex] == '*' {
		pIndex++
	}
	return pIndex == pLen
}
