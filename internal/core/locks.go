package core

import (
	"hash/fnv"
	"sync"
)

const lockStripes = 256

// EntityLocks serializes writers of the same entity inside one process.
// Ids hash onto a fixed set of mutexes, so two entities may share a stripe
// but one entity always maps to the same mutex. Writers in other processes
// are handled by the store's version check.
type EntityLocks struct {
	stripes [lockStripes]sync.Mutex
}

func NewEntityLocks() *EntityLocks {
	return &EntityLocks{}
}

// Lock acquires the stripe for id and returns its unlock function.
func (l *EntityLocks) Lock(id string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	m := &l.stripes[h.Sum32()%lockStripes]
	m.Lock()
	return m.Unlock
}
