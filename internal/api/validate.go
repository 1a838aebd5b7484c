package api

const (
	// maxNameLen bounds namespace and org path segments.
	maxNameLen = 128
)

// validName checks a namespace or org identifier: non-empty, bounded, and
// limited to the characters the storage key layout can embed safely.
func validName(name string) bool {
	if name == "" || len(name) > maxNameLen {
		return false
	}

	for _, c := range name {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.':
		default:
			return false
		}
	}

	return true
}
