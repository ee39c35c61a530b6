package memutils

// Validatable is used by the DebugValidate method to allow it to act upon
// all types with a Validate method
type Validatable interface {
	Validate() error
}

const (
	// CreatedFillPattern is written across fresh allocations in debug builds so reads of
	// uninitialized memory stand out
	CreatedFillPattern uint8 = 0xDC
	// DestroyedFillPattern is written across freed payloads in debug builds so use-after-free
	// reads stand out
	DestroyedFillPattern uint8 = 0xEF
)
