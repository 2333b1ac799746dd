// Package hal wires together the platform devices that exist before the
// kernel has any memory management of its own: the VGA text console and the
// Vt terminal multiplexer that sits on top of it. Everything in this
// package runs under the bootloader's identity map, so the physical and
// virtual addresses it touches are numerically identical.
package hal

import (
	"github.com/ophion-os/ophion/kernel/driver/tty"
	"github.com/ophion-os/ophion/kernel/driver/video/console"
)

// vgaTextPhysAddr and the 80x25 geometry are the standard PC VGA text-mode
// framebuffer location, the last-resort boot indicator.
const (
	vgaTextPhysAddr = uintptr(0xB8000)
	vgaTextWidth    = uint16(80)
	vgaTextHeight   = uint16(25)
)

var (
	vgaConsole = &console.VgaText{}

	// ActiveTerminal points to the currently active terminal.
	ActiveTerminal = &tty.Vt{}
)

// InitTerminal provides a basic terminal to allow the kernel to emit some output
// till everything is properly setup
func InitTerminal() {
	vgaConsole.Init(vgaTextWidth, vgaTextHeight, vgaTextPhysAddr)
	ActiveTerminal.AttachTo(vgaConsole)
}

// WriteBanner stamps a single-line identity string across the top of the
// VGA console, independent of the Vt cursor. Used once during bring-up
// before the serial path is confirmed to be working.
func WriteBanner(msg string) {
	vgaConsole.WriteBanner(msg)
}
