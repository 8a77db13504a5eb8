package auth

import "sort"

// resolve computes the materialised {member → access} view at the causal
// frontier given by heads, implementing the bubble/concurrency resolver:
//
//  1. Removal strength: a Remove concurrent with an Add/Promote/Demote of
//     the same member wins, voiding the removed member's access and every
//     Add/Promote/Demote they authored within the same bubble. A Remove
//     authored by a member who is removed in the same bubble still applies.
//  2. Access lattice meet: among surviving concurrent grants, the meet
//     (not the join) is applied.
//  3. Authority is checked at prepare-time; this function re-checks it
//     against the accumulated state built from causally-earlier bubbles
//     so that an author whose manage access was stripped by an earlier,
//     concurrent removal has their later operations voided too.
//
// Concurrent operations are grouped into "bubbles": the transitive
// closure of the "is concurrent with" relation starting from any one
// operation in the group. Bubbles are resolved as a unit,
// in causal order (a bubble's position is the earliest topological index
// of any operation it contains), so the result does not depend on the
// order operations were delivered in.
func (s *State) resolve(heads []OperationID) map[string]Access {
	closure := s.ancestorClosure(heads)
	if len(closure) == 0 {
		return map[string]Access{}
	}

	topoIndex, order := topoSort(closure)
	ancestors := ancestorSets(closure, order)
	bubbles := groupBubbles(order, ancestors)

	sort.Slice(bubbles, func(i, j int) bool {
		return minIndex(bubbles[i], topoIndex) < minIndex(bubbles[j], topoIndex)
	})

	access := make(map[string]Access)
	for _, bubble := range bubbles {
		applyBubble(closure, bubble, access)
	}
	return access
}

// ancestorClosure returns every operation that is an ancestor of (or
// equal to) some id in heads, walking Previous links only — Dependencies
// may point outside this group's own DAG and are the
// coordinator's concern, not this resolver's.
func (s *State) ancestorClosure(heads []OperationID) map[OperationID]*Operation {
	out := make(map[OperationID]*Operation)
	var walk func(id OperationID)
	walk = func(id OperationID) {
		if _, ok := out[id]; ok {
			return
		}
		op, ok := s.ops[id]
		if !ok {
			return
		}
		out[id] = op
		for _, p := range op.Previous {
			walk(p)
		}
	}
	for _, h := range heads {
		walk(h)
	}
	return out
}

// topoSort returns a Kahn's-algorithm linear extension of closure
// consistent with the Previous partial order, plus each op's position in
// that order.
func topoSort(closure map[OperationID]*Operation) (map[OperationID]int, []OperationID) {
	indegree := make(map[OperationID]int, len(closure))
	children := make(map[OperationID][]OperationID, len(closure))
	for id, op := range closure {
		if _, ok := indegree[id]; !ok {
			indegree[id] = 0
		}
		for _, p := range op.Previous {
			if _, ok := closure[p]; !ok {
				continue
			}
			indegree[id]++
			children[p] = append(children[p], id)
		}
	}

	var queue []OperationID
	for id, d := range indegree {
		if d == 0 {
			queue = append(queue, id)
		}
	}
	sort.Slice(queue, func(i, j int) bool { return queue[i].Less(queue[j]) })

	order := make([]OperationID, 0, len(closure))
	for len(queue) > 0 {
		// Pop the smallest-id zero-indegree node to keep the extension
		// deterministic across replicas that process ops in different
		// arrival orders (P1 convergence).
		sort.Slice(queue, func(i, j int) bool { return queue[i].Less(queue[j]) })
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		for _, c := range children[id] {
			indegree[c]--
			if indegree[c] == 0 {
				queue = append(queue, c)
			}
		}
	}

	index := make(map[OperationID]int, len(order))
	for i, id := range order {
		index[id] = i
	}
	return index, order
}

// ancestorSets computes, for every op in order, the set of its proper
// ancestors within closure (via Previous), memoized bottom-up since order
// is already topologically sorted.
func ancestorSets(closure map[OperationID]*Operation, order []OperationID) map[OperationID]map[OperationID]struct{} {
	sets := make(map[OperationID]map[OperationID]struct{}, len(order))
	for _, id := range order {
		op := closure[id]
		set := make(map[OperationID]struct{})
		for _, p := range op.Previous {
			if _, ok := closure[p]; !ok {
				continue
			}
			set[p] = struct{}{}
			for a := range sets[p] {
				set[a] = struct{}{}
			}
		}
		sets[id] = set
	}
	return sets
}

// isConcurrent reports whether x and y are unrelated by ancestry.
func isConcurrent(x, y OperationID, ancestors map[OperationID]map[OperationID]struct{}) bool {
	if x == y {
		return false
	}
	if _, ok := ancestors[x][y]; ok {
		return false
	}
	if _, ok := ancestors[y][x]; ok {
		return false
	}
	return true
}

// groupBubbles partitions order into connected components of the
// "is concurrent with" relation (a simple union-find over all pairs).
func groupBubbles(order []OperationID, ancestors map[OperationID]map[OperationID]struct{}) [][]OperationID {
	parent := make(map[OperationID]OperationID, len(order))
	for _, id := range order {
		parent[id] = id
	}
	var find func(OperationID) OperationID
	find = func(id OperationID) OperationID {
		if parent[id] != id {
			parent[id] = find(parent[id])
		}
		return parent[id]
	}
	union := func(a, b OperationID) {
		ra, rb := find(a), find(b)
		if ra != rb {
			parent[ra] = rb
		}
	}

	for i := 0; i < len(order); i++ {
		for j := i + 1; j < len(order); j++ {
			if isConcurrent(order[i], order[j], ancestors) {
				union(order[i], order[j])
			}
		}
	}

	groups := make(map[OperationID][]OperationID)
	for _, id := range order {
		root := find(id)
		groups[root] = append(groups[root], id)
	}
	out := make([][]OperationID, 0, len(groups))
	for _, g := range groups {
		out = append(out, g)
	}
	return out
}

func minIndex(bubble []OperationID, index map[OperationID]int) int {
	min := -1
	for _, id := range bubble {
		i := index[id]
		if min == -1 || i < min {
			min = i
		}
	}
	return min
}

// applyBubble resolves one bubble as a unit and mutates access in place.
func applyBubble(closure map[OperationID]*Operation, bubble []OperationID, access map[string]Access) {
	sort.Slice(bubble, func(i, j int) bool { return bubble[i].Less(bubble[j]) })

	// Pass 1: find strong-removes whose author holds manage from earlier
	// bubbles.
	voidedAuthors := make(map[string]bool)
	removed := make(map[string]bool)
	for _, id := range bubble {
		op := closure[id]
		if op.Action.Kind == ActionRemove {
			if access[memberOf(op.Author).Key()] < AccessManage {
				continue
			}
			removed[op.Action.Remove.Key()] = true
			if op.Action.Remove.Individual != nil {
				voidedAuthors[memberOf(*op.Action.Remove.Individual).Key()] = true
			}
		}
	}

	// Pass 2: Create seeds initial access unconditionally (it is always
	// alone in its own bubble: it has no Previous, so nothing can be
	// concurrent with it in a well-formed DAG).
	for _, id := range bubble {
		op := closure[id]
		if op.Action.Kind == ActionCreate {
			for _, m := range op.Action.InitialMembers {
				key := m.Member.Key()
				access[key] = m.Access
			}
		}
	}

	// Pass 3: collect surviving grants (not authored by a voided author,
	// and whose author currently holds manage from earlier bubbles),
	// combined via meet per member.
	grants := make(map[string]Access)
	grantSeen := make(map[string]bool)
	for _, id := range bubble {
		op := closure[id]
		switch op.Action.Kind {
		case ActionAdd, ActionPromote, ActionDemote:
			authorKey := memberOf(op.Author).Key()
			if voidedAuthors[authorKey] {
				continue
			}
			if access[authorKey] < AccessManage {
				continue
			}
			key := op.Action.Member.Key()
			if removed[key] {
				continue // strong-remove wins regardless of grant
			}
			g, ok := grants[key]
			if !ok {
				grants[key] = op.Action.Access
			} else {
				grants[key] = meet(g, op.Action.Access)
			}
			grantSeen[key] = true
		}
	}

	for key := range removed {
		access[key] = AccessNone
	}
	for key, acc := range grants {
		if grantSeen[key] {
			access[key] = acc
		}
	}
}
