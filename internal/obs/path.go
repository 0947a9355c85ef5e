package obs

import "strings"

// CanonicalPath collapses per-resource path segments so metric labels stay
// low-cardinality. Token and command identifiers are replaced with ":id".
func CanonicalPath(path string) string {
	if path == "" {
		return "/"
	}
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	switch {
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "tokens" && parts[2] != "validate":
		return "/v1/tokens/:id"
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "policy" && parts[2] == "commands":
		return "/v1/policy/commands/:command"
	case len(parts) == 5 && parts[0] == "v1" && parts[1] == "policy" && parts[2] == "commands" && parts[4] == "move":
		return "/v1/policy/commands/:command/move"
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "targets" && parts[3] == "status":
		return "/v1/targets/:id/status"
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "targets":
		return "/v1/targets/:id"
	}
	return path
}
