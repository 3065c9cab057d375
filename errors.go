package nimble

import (
	"fmt"

	"github.com/pkg/errors"
)

// OsError is an error code shared with the engine's OS porting layer.
type OsError uint32

// NPL / OS error codes.
const (
	OK               OsError = 0
	ErrNoMem         OsError = 1
	ErrInvalid       OsError = 2
	ErrInvalidParam  OsError = 3
	ErrMemNotAligned OsError = 4
	ErrBadMutex      OsError = 5
	ErrTimeout       OsError = 6
	ErrInISR         OsError = 7
	ErrPrivileged    OsError = 8
	ErrNotStarted    OsError = 9
	ErrNoEnt         OsError = 10
	ErrBusy          OsError = 11
	ErrOS            OsError = 12
)

var osErrorNames = map[OsError]string{
	OK:               "ok",
	ErrNoMem:         "no memory",
	ErrInvalid:       "invalid",
	ErrInvalidParam:  "invalid parameter",
	ErrMemNotAligned: "memory not aligned",
	ErrBadMutex:      "bad mutex",
	ErrTimeout:       "timeout",
	ErrInISR:         "not allowed in isr",
	ErrPrivileged:    "privileged",
	ErrNotStarted:    "os not started",
	ErrNoEnt:         "no entry",
	ErrBusy:          "busy",
	ErrOS:            "os error",
}

func (e OsError) Error() string {
	if s, ok := osErrorNames[e]; ok {
		return fmt.Sprintf("npl: %s (%d)", s, uint32(e))
	}
	return fmt.Sprintf("npl: unknown error (%d)", uint32(e))
}

// Code returns the raw numeric code.
func (e OsError) Code() uint32 {
	return uint32(e)
}

// OsErrorFromCode maps a raw code to an OsError. Unknown codes map to ErrOS.
func OsErrorFromCode(code uint32) OsError {
	e := OsError(code)
	if _, ok := osErrorNames[e]; !ok {
		return ErrOS
	}
	return e
}

// CodeOf returns the numeric code carried by err: 0 for nil, the OsError code
// if the cause of err is an OsError, ErrOS otherwise.
func CodeOf(err error) uint32 {
	if err == nil {
		return 0
	}
	if e, ok := errors.Cause(err).(OsError); ok {
		return uint32(e)
	}
	return uint32(ErrOS)
}
