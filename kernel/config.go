package kernel

import (
	"github.com/sisoputnfrba/tp-lithium-kernel/kheap"
)

// Config is the kernel configuration file.
type Config struct {
	IPKernel   string         `json:"IP_KERNEL"`
	PortKernel int            `json:"PORT_KERNEL"`
	LogLevel   string         `json:"LOG_LEVEL"`
	MemorySize uint32         `json:"MEMORY_SIZE"`
	TimerHz    int            `json:"TIMER_HZ"`
	HeapEnd    uint32         `json:"HEAP_END,omitempty"`
	DumpPath   string         `json:"DUMP_PATH"`
	Programs   []string       `json:"PROGRAMS,omitempty"`
	Threads    []ThreadConfig `json:"THREADS,omitempty"`
	UseTTY     bool           `json:"USE_TTY"`
}

// ThreadConfig adds a thread to one of the boot programs. PIDs follow the
// order of PROGRAMS starting at 1.
type ThreadConfig struct {
	PID   uint32 `json:"PID"`
	Entry uint32 `json:"ENTRY"`
}

const (
	DefaultMemorySize = 32 << 20
	DefaultTimerHz    = 200

	// MinMemorySize covers the kernel image loaded at 16 MiB.
	MinMemorySize = kernelPhys + kernelSize + 0x100000
)

// WithDefaults fills the zero fields of c.
func (c Config) WithDefaults() Config {
	if c.IPKernel == "" {
		c.IPKernel = "127.0.0.1"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.MemorySize == 0 {
		c.MemorySize = DefaultMemorySize
	}
	if c.TimerHz <= 0 {
		c.TimerHz = DefaultTimerHz
	}
	if c.HeapEnd == 0 {
		c.HeapEnd = kheap.DefaultEnd
	}
	if c.DumpPath == "" {
		c.DumpPath = "dumps"
	}
	return c
}
