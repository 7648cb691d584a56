// Package result models the 32-bit result codes services return in the data
// header of a response.
//
// A code packs a 9-bit module and a 13-bit description:
//
//	31          22 21                 9 8          0
//	┌─────────────┬────────────────────┬────────────┐
//	│  reserved   │    description     │   module   │
//	└─────────────┴────────────────────┴────────────┘
//
// Zero is success. Any other value is returned to callers as a Code, which
// implements error.
package result

import "fmt"

// Code is a non-success result code reported by a remote service.
type Code uint32

// Success is the zero code.
const Success Code = 0

// Modules used by this library.
const (
	// ModuleServiceFramework is the module of errors raised by the service
	// framework itself (bad headers, unknown commands, missing objects).
	ModuleServiceFramework = 10
	// ModuleLibrary is the module of errors raised by this client library.
	ModuleLibrary = 430
)

// Library submodules. Descriptions are submodule*100 + id.
const (
	submoduleIPCClient = 5
	submoduleIPCServer = 6
)

// Well-known codes.
var (
	// ResultInvalidOutDataHeaderMagic is the numeric form of a response data
	// header carrying the wrong magic.
	ResultInvalidOutDataHeaderMagic = New(ModuleLibrary, submoduleIPCClient*100+1)
	// ResultInternal is reported by the service emulator when a command
	// handler fails with an error that is not a Code.
	ResultInternal = New(ModuleLibrary, submoduleIPCServer*100+1)

	ResultInvalidInHeader    = New(ModuleServiceFramework, 202)
	ResultUnknownCommandID   = New(ModuleServiceFramework, 221)
	ResultTargetNotFound     = New(ModuleServiceFramework, 301)
	ResultInvalidSession     = New(ModuleServiceFramework, 302)
	ResultOutOfDomainEntries = New(ModuleServiceFramework, 303)
)

// New composes a code from its module and description.
func New(module, description uint32) Code {
	return Code(module&0x1FF | (description&0x1FFF)<<9)
}

// FromValue converts a raw value from a data header into an error: nil for
// success, the Code otherwise.
func FromValue(v uint32) error {
	if v == 0 {
		return nil
	}
	return Code(v)
}

// Module returns the module field.
func (c Code) Module() uint32 {
	return uint32(c) & 0x1FF
}

// Description returns the description field.
func (c Code) Description() uint32 {
	return (uint32(c) >> 9) & 0x1FFF
}

// IsSuccess reports whether c is zero.
func (c Code) IsSuccess() bool {
	return c == Success
}

// Value returns the raw 32-bit value.
func (c Code) Value() uint32 {
	return uint32(c)
}

// String formats c as 2MMM-DDDD, the form used in service documentation.
func (c Code) String() string {
	return fmt.Sprintf("%04d-%04d", 2000+c.Module(), c.Description())
}

func (c Code) Error() string {
	return fmt.Sprintf("result %s (%#x)", c.String(), uint32(c))
}
