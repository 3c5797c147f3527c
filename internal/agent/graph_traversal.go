package agent

import (
	"github.com/spherical-ai/nl2sql-engine/internal/kg"
)

// findBridgingTables finds the minimal set of intermediate tables needed
// to connect every pair of selectedTables through the KG's relationship
// graph, via a shortest-path BFS over the undirected adjacency implied by
// foreign keys. Tables already in selectedTables are never returned.
func findBridgingTables(g *kg.Graph, selectedTables []string) []string {
	if len(selectedTables) <= 1 {
		return nil
	}

	selected := make(map[string]bool, len(selectedTables))
	for _, t := range selectedTables {
		selected[t] = true
	}

	bridging := make(map[string]bool)
	for i := 0; i < len(selectedTables); i++ {
		for j := i + 1; j < len(selectedTables); j++ {
			path := shortestPath(g, selectedTables[i], selectedTables[j])
			if len(path) > 2 {
				for _, t := range path[1 : len(path)-1] {
					bridging[t] = true
				}
			}
		}
	}

	var out []string
	for t := range bridging {
		if !selected[t] {
			out = append(out, t)
		}
	}
	return out
}

// shortestPath runs a breadth-first search over the graph's single-hop
// neighbor relation and returns the node sequence from start to end
// inclusive, or nil if no path exists.
func shortestPath(g *kg.Graph, start, end string) []string {
	if start == end {
		return []string{start}
	}

	type queued struct {
		node string
		path []string
	}

	visited := map[string]bool{start: true}
	queue := []queued{{node: start, path: []string{start}}}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		for _, neighbor := range g.Neighbors(cur.node) {
			if neighbor == end {
				return append(append([]string{}, cur.path...), neighbor)
			}
			if !visited[neighbor] {
				visited[neighbor] = true
				nextPath := append(append([]string{}, cur.path...), neighbor)
				queue = append(queue, queued{node: neighbor, path: nextPath})
			}
		}
	}
	return nil
}

// validateConnections reports whether every table in allTables lies in the
// same connected component of the relationship graph. A false result is a
// warning signal only: the caller still proceeds, since the selected
// tables may simply lack a declared foreign key despite being joinable.
func validateConnections(g *kg.Graph, allTables []string) bool {
	if len(allTables) <= 1 {
		return true
	}

	reachable := connectedComponent(g, allTables[0])
	for _, t := range allTables {
		if !reachable[t] {
			return false
		}
	}
	return true
}

func connectedComponent(g *kg.Graph, start string) map[string]bool {
	visited := map[string]bool{}
	queue := []string{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if visited[cur] {
			continue
		}
		visited[cur] = true
		for _, neighbor := range g.Neighbors(cur) {
			if !visited[neighbor] {
				queue = append(queue, neighbor)
			}
		}
	}
	return visited
}
