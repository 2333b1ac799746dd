// Package serial drives the 16550-compatible UART the kernel uses as its
// serial console: port 0x3F8, 38400 bps, 8 data bits, no parity, one stop
// bit, FIFO enabled, interrupts disabled during bring-up. Output only —
// there is no flow control and nothing reads the receive register.
//
// Every register access is a single cpu.OutB/cpu.InB call; privileged
// instructions stay behind bodyless Go declarations backed by assembly.
package serial

import "github.com/ophion-os/ophion/kernel/cpu"

// COM1Port is the standard PC COM1 I/O port base.
const COM1Port = uint16(0x3F8)

const (
	regData        = 0
	regIntEnable   = 1
	regDivisorLo   = 0
	regDivisorHi   = 1
	regFIFOCtrl    = 2
	regLineControl = 3
	regModemCtrl   = 4
	regLineStatus  = 5

	lineControlDLAB  = 1 << 7
	lineControl8N1   = 0x03
	fifoEnableClear  = 0xC7
	modemCtrlDTRRTS  = 0x03
	lineStatusTxIdle = 1 << 5

	baseClock = 115200
	baudRate  = 38400
)

// UART16550 drives one 16550-compatible serial port.
type UART16550 struct {
	port uint16
}

// New returns a UART16550 for the given I/O port base, uninitialized until
// Init is called.
func New(port uint16) *UART16550 {
	return &UART16550{port: port}
}

// Init configures the port to 38400 8N1, FIFO enabled, interrupts disabled.
func (u *UART16550) Init() {
	cpu.OutB(u.port+regIntEnable, 0x00) // disable interrupts during bring-up

	divisor := uint16(baseClock / baudRate)
	cpu.OutB(u.port+regLineControl, lineControlDLAB)
	cpu.OutB(u.port+regDivisorLo, byte(divisor&0xFF))
	cpu.OutB(u.port+regDivisorHi, byte(divisor>>8))

	cpu.OutB(u.port+regLineControl, lineControl8N1)
	cpu.OutB(u.port+regFIFOCtrl, fifoEnableClear)
	cpu.OutB(u.port+regModemCtrl, modemCtrlDTRRTS)
}

func (u *UART16550) txReady() bool {
	return cpu.InB(u.port+regLineStatus)&lineStatusTxIdle != 0
}

// WriteByte blocks until the transmit holding register is empty, then
// writes b.
func (u *UART16550) WriteByte(b byte) error {
	for !u.txReady() {
	}
	cpu.OutB(u.port+regData, b)
	return nil
}

// Write implements io.Writer by writing every byte of p in order.
func (u *UART16550) Write(p []byte) (int, error) {
	for _, b := range p {
		_ = u.WriteByte(b)
	}
	return len(p), nil
}
