package batch

// CacheEntry holds the rows fetched for one parent under one signature.
type CacheEntry struct {
	ParentID any
	// Rows are kept in rank order.
	Rows []Row
	// Fields lists the fields populated on the rows.
	Fields FieldSet
	// Window is the per-parent row limit of the fetch that produced Rows.
	Window int
	// Complete is set when the fetch returned fewer rows than Window, so no
	// larger window can add rows.
	Complete bool

	index map[string]int
}

// NewCacheEntry builds an entry from rows fetched with the given window.
// It returns the composite key of the first duplicate row, if any.
func NewCacheEntry(parentID any, rows []Row, keyFields []string, fields FieldSet, window int) (*CacheEntry, string, bool) {
	entry := &CacheEntry{
		ParentID: parentID,
		Rows:     rows,
		Fields:   fields,
		Window:   window,
		Complete: len(rows) < window,
		index:    make(map[string]int, len(rows)),
	}
	for i, row := range rows {
		local := LocalKey(row, keyFields)
		if _, dup := entry.index[local]; dup {
			return nil, local, false
		}
		entry.index[local] = i
	}
	if entry.Rows == nil {
		entry.Rows = []Row{}
	}
	return entry, "", true
}

// Covers reports whether the entry can serve fields with up to window rows
// without another fetch.
func (e *CacheEntry) Covers(fields FieldSet, window int) bool {
	return e.WindowCovers(window) && e.Fields.Covers(fields)
}

// WindowCovers reports whether the cached rows are enough for window.
func (e *CacheEntry) WindowCovers(window int) bool {
	return e.Complete || e.Window >= window
}

// RowIndex returns the position of the row with the given local key.
func (e *CacheEntry) RowIndex(local string) (int, bool) {
	i, ok := e.index[local]
	return i, ok
}

// Cache holds every row fetched during one execution, keyed by signature and
// parent. It is not safe for concurrent use.
type Cache struct {
	entries map[Signature]map[ParentKey]*CacheEntry
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[Signature]map[ParentKey]*CacheEntry)}
}

// Get returns the entry for a parent under sig.
func (c *Cache) Get(sig Signature, parent ParentKey) (*CacheEntry, bool) {
	byParent, ok := c.entries[sig]
	if !ok {
		return nil, false
	}
	entry, ok := byParent[parent]
	return entry, ok
}

// Put stores or replaces the entry for a parent under sig.
func (c *Cache) Put(sig Signature, parent ParentKey, entry *CacheEntry) {
	byParent, ok := c.entries[sig]
	if !ok {
		byParent = make(map[ParentKey]*CacheEntry)
		c.entries[sig] = byParent
	}
	byParent[parent] = entry
}

// Len returns the number of cached parent entries.
func (c *Cache) Len() int {
	n := 0
	for _, byParent := range c.entries {
		n += len(byParent)
	}
	return n
}
