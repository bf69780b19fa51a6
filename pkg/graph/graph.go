// Package graph provides connectivity and centrality algorithms —
// breadth-first traversal, PageRank, connected components, and
// approximate betweenness — over an abstract node/neighbor
// relationship, used to diagnose the shape of a built similarity graph
// rather than to model a domain-specific knowledge graph.
package graph

import (
	"math/rand"
	"sort"
)

// NeighborFunc returns the ids directly reachable from id. The graph is
// treated as undirected: callers are expected to pass a function whose
// edges are already symmetric (as the HNSW base layer's back-linked
// neighbor lists are), since PageRank below uses the same function for
// both in- and out-edges.
type NeighborFunc func(id uint64) []uint64

// Step records one edge crossed during a BFS traversal.
type Step struct {
	From uint64
	To   uint64
	Hop  int
}

// BFS performs a breadth-first walk from seedIDs out to maxHops hops or
// until maxNodes nodes have been visited, whichever comes first. It
// returns the visited ids in hop order, a map from id to hop distance,
// and the sequence of edges crossed.
func BFS(seedIDs []uint64, neighbors NeighborFunc, maxHops, maxNodes int) ([]uint64, map[uint64]int, []Step) {
	visited := make(map[uint64]int)
	var steps []Step

	queue := make([]uint64, 0, len(seedIDs))
	for _, sid := range seedIDs {
		if _, seen := visited[sid]; !seen {
			visited[sid] = 0
			queue = append(queue, sid)
		}
	}

	for len(queue) > 0 && len(visited) < maxNodes {
		current := queue[0]
		queue = queue[1:]

		hop := visited[current]
		if hop >= maxHops {
			continue
		}

		for _, next := range neighbors(current) {
			if _, seen := visited[next]; seen {
				continue
			}
			visited[next] = hop + 1
			queue = append(queue, next)
			steps = append(steps, Step{From: current, To: next, Hop: hop + 1})
			if len(visited) >= maxNodes {
				break
			}
		}
	}

	ids := make([]uint64, 0, len(visited))
	for id := range visited {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return visited[ids[i]] < visited[ids[j]] })

	return ids, visited, steps
}

// PageRank computes PageRank scores for nodeIDs over neighbors, treated
// as both the outgoing and incoming edge set (the graph is undirected).
func PageRank(nodeIDs []uint64, neighbors NeighborFunc, damping float64, iterations int) map[uint64]float64 {
	n := len(nodeIDs)
	if n == 0 {
		return nil
	}

	nodeSet := make(map[uint64]bool, n)
	for _, id := range nodeIDs {
		nodeSet[id] = true
	}

	outDegree := make(map[uint64]int, n)
	for _, id := range nodeIDs {
		count := 0
		for _, nb := range neighbors(id) {
			if nodeSet[nb] {
				count++
			}
		}
		outDegree[id] = count
	}

	scores := make(map[uint64]float64, n)
	for _, id := range nodeIDs {
		scores[id] = 1.0 / float64(n)
	}

	for iter := 0; iter < iterations; iter++ {
		next := make(map[uint64]float64, n)
		for _, id := range nodeIDs {
			sum := 0.0
			for _, nb := range neighbors(id) {
				if nodeSet[nb] && outDegree[nb] > 0 {
					sum += scores[nb] / float64(outDegree[nb])
				}
			}
			next[id] = (1-damping)/float64(n) + damping*sum
		}

		total := 0.0
		for _, s := range next {
			total += s
		}
		if total > 0 {
			for id := range next {
				next[id] /= total
			}
		}
		scores = next
	}

	return scores
}

// ConnectedComponents partitions nodeIDs into connected components under
// neighbors.
func ConnectedComponents(nodeIDs []uint64, neighbors NeighborFunc) [][]uint64 {
	nodeSet := make(map[uint64]bool, len(nodeIDs))
	for _, id := range nodeIDs {
		nodeSet[id] = true
	}

	visited := make(map[uint64]bool, len(nodeIDs))
	var components [][]uint64

	for _, start := range nodeIDs {
		if visited[start] {
			continue
		}

		var component []uint64
		queue := []uint64{start}
		visited[start] = true

		for len(queue) > 0 {
			curr := queue[0]
			queue = queue[1:]
			component = append(component, curr)

			for _, nb := range neighbors(curr) {
				if nodeSet[nb] && !visited[nb] {
					visited[nb] = true
					queue = append(queue, nb)
				}
			}
		}

		components = append(components, component)
	}

	return components
}

// Betweenness estimates betweenness centrality for nodeIDs by running an
// unweighted shortest-path accumulation (Brandes' algorithm) from every
// node, or from a random sample of sampleSize nodes if sampleSize > 0
// and smaller than len(nodeIDs).
func Betweenness(nodeIDs []uint64, neighbors NeighborFunc, sampleSize int) map[uint64]float64 {
	scores := make(map[uint64]float64, len(nodeIDs))
	for _, id := range nodeIDs {
		scores[id] = 0
	}

	nodeSet := make(map[uint64]bool, len(nodeIDs))
	for _, id := range nodeIDs {
		nodeSet[id] = true
	}

	sources := nodeIDs
	if sampleSize > 0 && sampleSize < len(nodeIDs) {
		sources = make([]uint64, sampleSize)
		perm := rand.Perm(len(nodeIDs))
		for i := 0; i < sampleSize; i++ {
			sources[i] = nodeIDs[perm[i]]
		}
	}

	for _, source := range sources {
		dist := map[uint64]int{source: 0}
		paths := map[uint64]int{source: 1}
		pred := make(map[uint64][]uint64)

		queue := []uint64{source}
		order := []uint64{source}

		for len(queue) > 0 {
			curr := queue[0]
			queue = queue[1:]

			for _, nb := range neighbors(curr) {
				if !nodeSet[nb] {
					continue
				}
				if _, seen := dist[nb]; !seen {
					dist[nb] = dist[curr] + 1
					paths[nb] = 0
					queue = append(queue, nb)
					order = append(order, nb)
				}
				if dist[nb] == dist[curr]+1 {
					paths[nb] += paths[curr]
					pred[nb] = append(pred[nb], curr)
				}
			}
		}

		dependency := make(map[uint64]float64)
		for i := len(order) - 1; i >= 0; i-- {
			w := order[i]
			for _, v := range pred[w] {
				if paths[w] == 0 {
					continue
				}
				dependency[v] += (float64(paths[v]) / float64(paths[w])) * (1 + dependency[w])
			}
			if w != source {
				scores[w] += dependency[w]
			}
		}
	}

	return scores
}
