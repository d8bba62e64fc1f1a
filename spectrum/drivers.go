package spectrum

// NativeRegisters returns a RegisterInterface backed by the vendor kernel
// driver.  The cgo binding against the vendor SDK ships as a separate build;
// when it is absent ErrDriversNotFound is returned and callers fall back to
// MockRegisters.
func NativeRegisters() (RegisterInterface, error) {
	return nil, ErrDriversNotFound
}
