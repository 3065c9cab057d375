package nimble

// CommandPatch zeroes bytes of a serialized command before it is handed to
// the engine. Offsets index the full command packet (opcode, length, params).
type CommandPatch struct {
	OpCode  uint16
	Offsets []int
}

// DeviceOption is an interface which the controller should implement to allow using configuration options
type DeviceOption interface {
	SetErrorHandler(handler func(error)) error
	SetCommandPatches(patches []CommandPatch) error
	SetFlushBudget(n int) error
	SetLogger(l Logger) error
}

// An Option is a configuration function, which configures the controller.
type Option func(DeviceOption) error

// OptErrorHandler sets error handler
func OptErrorHandler(handler func(error)) Option {
	return func(opt DeviceOption) error {
		return opt.SetErrorHandler(handler)
	}
}

// OptCommandPatches replaces the command patch table.
func OptCommandPatches(patches ...CommandPatch) Option {
	return func(opt DeviceOption) error {
		return opt.SetCommandPatches(patches)
	}
}

// OptFlushBudget bounds how many times the drive loop re-delivers a pending
// command completion before running the next engine event.
func OptFlushBudget(n int) Option {
	return func(opt DeviceOption) error {
		return opt.SetFlushBudget(n)
	}
}

// OptLogger overrides the logger used by the controller.
func OptLogger(l Logger) Option {
	return func(opt DeviceOption) error {
		return opt.SetLogger(l)
	}
}
