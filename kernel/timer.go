package kernel

import (
	"github.com/sisoputnfrba/tp-lithium-kernel/hal"
)

const (
	pitSquareWave = 0x36 // channel 0, lobyte/hibyte, mode 3
	msPerTick     = 5
	maxDivisor    = 0xFFFF
)

// SetTimerFrequency programs PIT channel 0 to fire hz times a second. Rates
// the 16-bit divisor cannot express are clamped.
func (k *Kernel) SetTimerFrequency(hz int) {
	divisor := maxDivisor
	if hz > 0 {
		divisor = min(max(hal.PITFrequency/hz, 1), maxDivisor)
	}
	k.machine.WritePort(hal.PortPITCommand, pitSquareWave)
	k.machine.WritePort(hal.PortPITChannel0, uint8(divisor))
	k.machine.WritePort(hal.PortPITChannel0, uint8(divisor>>8))
}

func (k *Kernel) installTimer(hz int) {
	k.SetTimerFrequency(hz)
	k.InstallIRQ(IRQTimer, k.timer)
}

// timer advances the clock and preempts the running thread.
func (k *Kernel) timer(frame *hal.TrapFrame) {
	k.ticks += msPerTick
	if err := k.sched.Tick(&frame.Registers); err != nil {
		k.Panic(frame, err)
	}
}

// Uptime is the time counted by the timer, in milliseconds at 200 Hz.
func (k *Kernel) Uptime() uint64 {
	k.machine.Lock()
	defer k.machine.Unlock()
	return k.ticks
}
