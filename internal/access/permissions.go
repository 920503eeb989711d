// Package access implements permission resolution and enforcement for
// agents, threads, and files. Resolution is pure set algebra; enforcement
// wraps directory lookups with typed errors.
package access

import "sort"

// Resolution is the outcome of resolving a requested access list against a
// parent scope: Applied is the effective access list persisted onto every
// chunk, Excluded are the requested ids the parent scope rejected.
type Resolution struct {
	Applied  []string
	Excluded []string
}

// ResolveFromAgent computes a file's effective access list from its parent
// agent's list and the uploader's request.
//
// Rules, in order:
//  1. Empty request: the file inherits the agent's list unchanged. A public
//     agent (empty list) therefore yields a public file.
//  2. Public agent: every requested id is applied.
//  3. Restricted agent: applied is the intersection of the agent's list and
//     the request; requested ids outside the agent's list are excluded.
//
// The owner is always a member of a non-empty applied set, and is never
// reported as excluded.
func ResolveFromAgent(agentUserIDs, requestedUserIDs []string, ownerUserID string) Resolution {
	agent := newIDSet(agentUserIDs)
	requested := newIDSet(requestedUserIDs)

	if len(requested) == 0 {
		return Resolution{Applied: agent.sorted(), Excluded: []string{}}
	}

	requested.add(ownerUserID)

	if len(agent) == 0 {
		return Resolution{Applied: requested.sorted(), Excluded: []string{}}
	}

	applied := agent.intersect(requested)
	excluded := requested.difference(agent)
	applied.add(ownerUserID)
	excluded.remove(ownerUserID)
	return Resolution{Applied: applied.sorted(), Excluded: excluded.sorted()}
}

// ResolveFromThread locks a file's access list to the thread owner. Threads
// are private: every other requested id is excluded.
func ResolveFromThread(threadOwnerUserID string, requestedUserIDs []string) Resolution {
	excluded := newIDSet(requestedUserIDs)
	excluded.remove(threadOwnerUserID)
	return Resolution{
		Applied:  []string{threadOwnerUserID},
		Excluded: excluded.sorted(),
	}
}

// HasAccess reports whether userID may read a resource with the given
// access list. An empty list means the resource is public.
func HasAccess(resourceUserIDs []string, userID string) bool {
	if len(resourceUserIDs) == 0 {
		return true
	}
	for _, id := range resourceUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// idSet collapses duplicates and ignores empty ids.
type idSet map[string]struct{}

func newIDSet(ids []string) idSet {
	s := make(idSet, len(ids))
	for _, id := range ids {
		s.add(id)
	}
	return s
}

func (s idSet) add(id string) {
	if id != "" {
		s[id] = struct{}{}
	}
}

func (s idSet) remove(id string) {
	delete(s, id)
}

func (s idSet) intersect(other idSet) idSet {
	out := make(idSet)
	for id := range s {
		if _, ok := other[id]; ok {
			out[id] = struct{}{}
		}
	}
	return out
}

func (s idSet) difference(other idSet) idSet {
	out := make(idSet)
	for id := range s {
		if _, ok := other[id]; !ok {
			out[id] = struct{}{}
		}
	}
	return out
}

// sorted returns the members in lexical order so results are deterministic.
func (s idSet) sorted() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
