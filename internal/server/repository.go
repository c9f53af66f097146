package server

import (
	"fmt"
	"os"
	"sort"
)

// DiscoverModels lists the model directories of a repository, sorted by
// name so sweeps visit models in a reproducible order.
func DiscoverModels(repository string) ([]string, error) {
	entries, err := os.ReadDir(repository)
	if err != nil {
		return nil, fmt.Errorf("read model repository %s: %w", repository, err)
	}
	var models []string
	for _, e := range entries {
		if e.IsDir() {
			models = append(models, e.Name())
		}
	}
	sort.Strings(models)
	return models, nil
}
