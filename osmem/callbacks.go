package osmem

// ExtendArenaCallback is called after the arena's break has moved by delta bytes. prevEnd is
// the address of the arena's end before the extension.
type ExtendArenaCallback func(
	heap *Heap,
	prevEnd uintptr,
	delta int,
	userData interface{},
)

// MappingCallback is called after a mapping has been created, resized, or destroyed
type MappingCallback func(
	heap *Heap,
	address uintptr,
	length int,
	userData interface{},
)

// MemoryCallbackOptions is an optional set of hooks into the OS-level memory traffic of a Heap
type MemoryCallbackOptions struct {
	Extend ExtendArenaCallback
	Map    MappingCallback
	Remap  MappingCallback
	Unmap  MappingCallback
	// UserData is passed to every callback
	UserData interface{}
}

type memoryCallbacks struct {
	Callbacks *MemoryCallbackOptions
	Heap      *Heap
}

func (c *memoryCallbacks) Extend(prevEnd uintptr, delta int) {
	if c.Callbacks != nil && c.Callbacks.Extend != nil {
		c.Callbacks.Extend(c.Heap, prevEnd, delta, c.Callbacks.UserData)
	}
}

func (c *memoryCallbacks) Map(address uintptr, length int) {
	if c.Callbacks != nil && c.Callbacks.Map != nil {
		c.Callbacks.Map(c.Heap, address, length, c.Callbacks.UserData)
	}
}

func (c *memoryCallbacks) Remap(address uintptr, length int) {
	if c.Callbacks != nil && c.Callbacks.Remap != nil {
		c.Callbacks.Remap(c.Heap, address, length, c.Callbacks.UserData)
	}
}

func (c *memoryCallbacks) Unmap(address uintptr, length int) {
	if c.Callbacks != nil && c.Callbacks.Unmap != nil {
		c.Callbacks.Unmap(c.Heap, address, length, c.Callbacks.UserData)
	}
}
