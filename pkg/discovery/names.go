package discovery

import "github.com/cemwatch/cemwatch/pkg/cemapi"

// ResolveObjectName returns a display name for an object, climbing to parent
// objects when the object itself is unnamed. Returns the name and the id of
// the object that supplied it, or ("", 0) when no named ancestor exists.
// A visited set guards against parent cycles in backend data.
func ResolveObjectName(objectID int, objects map[int]cemapi.Object) (string, int) {
	if objectID == 0 {
		return "", 0
	}

	visited := make(map[int]bool)
	current := objectID

	for current != 0 && !visited[current] {
		visited[current] = true
		obj, ok := objects[current]
		if !ok {
			return "", 0
		}
		if obj.Name != "" {
			return obj.Name, current
		}
		current = obj.ParentID
	}

	return "", 0
}
