package groupstore

import "sync"

// groupCache holds the currently materialized groups. The cache lock only guards
// the map itself, group state is guarded by each group's own lock.
type groupCache struct {
	lock   sync.RWMutex
	groups map[string]*Group
}

func newGroupCache() *groupCache {
	return &groupCache{groups: map[string]*Group{}}
}

func (c *groupCache) get(groupID string) *Group {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.groups[groupID]
}

// addIfAbsent returns the existing group when one is already cached, otherwise
// installs and returns the given group.
func (c *groupCache) addIfAbsent(g *Group) *Group {
	c.lock.Lock()
	defer c.lock.Unlock()
	if existing, ok := c.groups[g.id]; ok {
		return existing
	}
	c.groups[g.id] = g
	return g
}

// put installs a group unconditionally and returns any group it displaced.
func (c *groupCache) put(g *Group) *Group {
	c.lock.Lock()
	defer c.lock.Unlock()
	displaced := c.groups[g.id]
	c.groups[g.id] = g
	return displaced
}

func (c *groupCache) remove(groupID string) {
	c.lock.Lock()
	defer c.lock.Unlock()
	delete(c.groups, groupID)
}

func (c *groupCache) all() []*Group {
	c.lock.RLock()
	defer c.lock.RUnlock()
	groups := make([]*Group, 0, len(c.groups))
	for _, g := range c.groups {
		groups = append(groups, g)
	}
	return groups
}

// removeAllForPartition removes and returns every cached group owned by the given
// coordinator log partition.
func (c *groupCache) removeAllForPartition(partitionID int) []*Group {
	c.lock.Lock()
	defer c.lock.Unlock()
	var removed []*Group
	for id, g := range c.groups {
		if g.partitionID == partitionID {
			removed = append(removed, g)
			delete(c.groups, id)
		}
	}
	return removed
}
