package npl

import (
	"math"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/rigado/nimble"
)

// Time is a tick count as seen by the engine. It wraps.
type Time = uint32

// Forever makes a wait unbounded.
const Forever Time = math.MaxUint32

// DefaultTickRate matches the 32.768 kHz RTC the controller runs from.
const DefaultTickRate = 32768

// TimeDriver is the host time source: a free running tick counter plus the
// ability to call a function once a deadline has passed.
type TimeDriver interface {
	// Now returns the current tick count.
	Now() uint64
	// ScheduleWake calls fn once Now() >= at. fn may run on any goroutine.
	// stop cancels the wake and reports whether it was still pending.
	ScheduleWake(at uint64, fn func()) (stop func() bool)
	// TickRate returns ticks per second.
	TickRate() uint32
}

// ClockDriver is a TimeDriver on top of a clock.Clock. Production code uses
// clock.New(); tests drive a clock.Mock.
type ClockDriver struct {
	clk   clock.Clock
	start time.Time
	hz    uint32
}

// NewClockDriver returns a driver counting hz ticks per second from now.
func NewClockDriver(clk clock.Clock, hz uint32) *ClockDriver {
	if hz == 0 {
		hz = DefaultTickRate
	}
	return &ClockDriver{clk: clk, start: clk.Now(), hz: hz}
}

func (d *ClockDriver) Now() uint64 {
	return d.ticks(d.clk.Since(d.start))
}

func (d *ClockDriver) ScheduleWake(at uint64, fn func()) func() bool {
	var wait time.Duration
	if now := d.Now(); at > now {
		wait = d.duration(at - now)
	}
	return d.clk.AfterFunc(wait, fn).Stop
}

func (d *ClockDriver) TickRate() uint32 {
	return d.hz
}

func (d *ClockDriver) ticks(el time.Duration) uint64 {
	if el < 0 {
		return 0
	}
	sec := uint64(el / time.Second)
	rem := uint64(el % time.Second)
	return sec*uint64(d.hz) + rem*uint64(d.hz)/uint64(time.Second)
}

// duration rounds up so a wake never fires before its tick.
func (d *ClockDriver) duration(ticks uint64) time.Duration {
	sec := ticks / uint64(d.hz)
	rem := ticks % uint64(d.hz)
	frac := (rem*uint64(time.Second) + uint64(d.hz) - 1) / uint64(d.hz)
	return time.Duration(sec)*time.Second + time.Duration(frac)
}

// TimeGet returns the current tick count.
func (p *Port) TimeGet() Time {
	return Time(p.time.Now())
}

// MsToTicks converts milliseconds to ticks. It fails with ErrInvalidParam
// when the result does not fit a Time.
func (p *Port) MsToTicks(ms uint32) (Time, error) {
	t := uint64(ms) * uint64(p.time.TickRate()) / 1000
	if t > math.MaxUint32 {
		return 0, nimble.ErrInvalidParam
	}
	return Time(t), nil
}

// TicksToMs converts ticks to milliseconds.
func (p *Port) TicksToMs(ticks Time) (uint32, error) {
	ms := uint64(ticks) * 1000 / uint64(p.time.TickRate())
	if ms > math.MaxUint32 {
		return 0, nimble.ErrInvalidParam
	}
	return uint32(ms), nil
}

// MsToTicks32 is MsToTicks without the range check.
func (p *Port) MsToTicks32(ms uint32) Time {
	return Time(uint64(ms) * uint64(p.time.TickRate()) / 1000)
}

// TicksToMs32 is TicksToMs without the range check.
func (p *Port) TicksToMs32(ticks Time) uint32 {
	return uint32(uint64(ticks) * 1000 / uint64(p.time.TickRate()))
}
