// Package gpio reads optional light sense lines with hardware abstraction.
// The real implementation uses the Linux GPIO character device.
// The fake implementation allows testing without hardware.
package gpio

// Line maps a GPIO line to the light whose on/off state it reports.
type Line struct {
	LightID string
	Offset  int
	// ActiveLow inverts the line: a low level means the light is on.
	ActiveLow bool
}

// Reader reads sense lines.
type Reader interface {
	// Read returns the logical on state of every line, keyed by light id.
	Read() (map[string]bool, error)

	// Close releases GPIO resources.
	Close() error
}
