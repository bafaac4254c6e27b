package jail

import (
	"context"
	"path/filepath"
	"sort"

	"golang.org/x/sync/errgroup"
)

const probeParallelism = 8

// Resolve computes the transitive dependency closure of roots: the direct
// dependencies of each root, then theirs, until nothing new appears. The
// result is sorted, free of duplicates and never contains a root.
func Resolve(ctx context.Context, inspector Inspector, roots ...string) ([]string, error) {
	seen := make(map[string]bool, len(roots))
	for _, r := range roots {
		seen[filepath.Clean(r)] = true
	}
	frontier := make([]string, 0, len(roots))
	for r := range seen {
		frontier = append(frontier, r)
	}

	var closure []string
	for len(frontier) > 0 {
		found, err := probe(ctx, inspector, frontier)
		if err != nil {
			return nil, err
		}
		frontier = frontier[:0]
		for _, dep := range found {
			dep = filepath.Clean(dep)
			if seen[dep] {
				continue
			}
			seen[dep] = true
			closure = append(closure, dep)
			frontier = append(frontier, dep)
		}
	}
	sort.Strings(closure)
	return closure, nil
}

// probe inspects one frontier in parallel and returns every dependency found.
func probe(ctx context.Context, inspector Inspector, binaries []string) ([]string, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(probeParallelism)

	results := make([][]string, len(binaries))
	for i, bin := range binaries {
		g.Go(func() error {
			deps, err := inspector.Dependencies(gctx, bin)
			if err != nil {
				return err
			}
			results[i] = deps
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []string
	for _, deps := range results {
		out = append(out, deps...)
	}
	return out, nil
}
