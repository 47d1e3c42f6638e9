package petal

import "fmt"

// ValidateDependencyGraph checks that every petal's declared
// dependencies exist among the candidate set and that no cycle exists,
// returning a topological order — startup_petals within a load group run
// in this order so a dependency always initializes before its dependent.
func ValidateDependencyGraph(metas map[string]Metadata) ([]string, error) {
	const (
		white = 0 // unvisited
		gray  = 1 // on the current DFS stack
		black = 2 // fully visited
	)
	color := make(map[string]int, len(metas))
	var order []string

	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		switch color[name] {
		case black:
			return nil
		case gray:
			return fmt.Errorf("dependency cycle detected: %v -> %s", path, name)
		}

		meta, ok := metas[name]
		if !ok {
			return fmt.Errorf("petal %q declares a dependency that is not a candidate for loading", name)
		}

		color[name] = gray
		for _, dep := range meta.Dependencies {
			if err := visit(dep, append(path, name)); err != nil {
				return err
			}
		}
		color[name] = black
		order = append(order, name)
		return nil
	}

	for name := range metas {
		if err := visit(name, nil); err != nil {
			return nil, err
		}
	}
	return order, nil
}
