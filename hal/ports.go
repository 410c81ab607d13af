package hal

// I/O ports the simulated board decodes.
const (
	PortPIC1Command = 0x20
	PortPIC1Data    = 0x21
	PortPIC2Command = 0xA0
	PortPIC2Data    = 0xA1
	PortPITChannel0 = 0x40
	PortPITCommand  = 0x43
	PortKeyboard    = 0x60

	PICEndOfInterrupt = 0x20

	// PITFrequency is the input clock of the programmable interval timer.
	PITFrequency = 1193180
)

func (m *Machine) ReadPort(port uint16) uint8 {
	m.portMu.Lock()
	defer m.portMu.Unlock()

	return m.ports[port]
}

func (m *Machine) WritePort(port uint16, value uint8) {
	m.portMu.Lock()
	defer m.portMu.Unlock()

	m.ports[port] = value
	m.portLog = append(m.portLog, PortWrite{Port: port, Value: value})
	if len(m.portLog) > portLogSize {
		m.portLog = m.portLog[len(m.portLog)-portLogSize:]
	}

	switch port {
	case PortPITCommand:
		m.pitHigh = false
	case PortPITChannel0:
		if m.pitHigh {
			m.pitDivisor = m.pitDivisor&0x00FF | uint16(value)<<8
		} else {
			m.pitDivisor = m.pitDivisor&0xFF00 | uint16(value)
		}
		m.pitHigh = !m.pitHigh
	case PortPIC1Command:
		if value == PICEndOfInterrupt {
			m.eoi[0]++
		}
	case PortPIC2Command:
		if value == PICEndOfInterrupt {
			m.eoi[1]++
		}
	}
}

// PortWrites returns the most recent port writes, oldest first.
func (m *Machine) PortWrites() []PortWrite {
	m.portMu.Lock()
	defer m.portMu.Unlock()

	return append([]PortWrite(nil), m.portLog...)
}

// TimerHz is the rate programmed into PIT channel 0, or 0 if unprogrammed.
func (m *Machine) TimerHz() int {
	m.portMu.Lock()
	defer m.portMu.Unlock()

	if m.pitDivisor == 0 {
		return 0
	}
	return PITFrequency / int(m.pitDivisor)
}

// EOICount returns how many end-of-interrupt commands each PIC received.
func (m *Machine) EOICount() (master, slave int) {
	m.portMu.Lock()
	defer m.portMu.Unlock()

	return m.eoi[0], m.eoi[1]
}

// PressKey latches a scancode on the keyboard data port.
func (m *Machine) PressKey(scancode uint8) {
	m.portMu.Lock()
	defer m.portMu.Unlock()

	m.ports[PortKeyboard] = scancode
}
