package serialmux

import "io"

// SerialPorter is the minimal port surface SerialMux needs.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}
