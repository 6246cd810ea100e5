package group

// GroupLockCount reports the number of live per-group lock entries. Test
// hook only.
func (c *Coordinator) GroupLockCount() int {
	c.keysMu.Lock()
	defer c.keysMu.Unlock()
	return len(c.keys)
}
