//go:build linux

package gpio

import (
	"fmt"

	"github.com/warthog618/go-gpiocdev"
)

// RealReader reads sense lines from the Linux GPIO character device.
type RealReader struct {
	chip  *gpiocdev.Chip
	lines map[string]*gpiocdev.Line
}

// NewRealReader requests every line on chip as an input.
func NewRealReader(chipName string, lines []Line) (*RealReader, error) {
	chip, err := gpiocdev.NewChip(chipName)
	if err != nil {
		return nil, fmt.Errorf("open gpio chip %s: %w", chipName, err)
	}

	r := &RealReader{chip: chip, lines: make(map[string]*gpiocdev.Line, len(lines))}
	for _, l := range lines {
		opts := []gpiocdev.LineReqOption{gpiocdev.AsInput, gpiocdev.WithPullDown}
		if l.ActiveLow {
			opts = append(opts, gpiocdev.AsActiveLow)
		}
		line, err := chip.RequestLine(l.Offset, opts...)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("request line %d for %s: %w", l.Offset, l.LightID, err)
		}
		r.lines[l.LightID] = line
	}
	return r, nil
}

// Read returns the logical state of every line. Active-low lines are
// inverted by the kernel.
func (r *RealReader) Read() (map[string]bool, error) {
	out := make(map[string]bool, len(r.lines))
	for id, line := range r.lines {
		v, err := line.Value()
		if err != nil {
			return nil, fmt.Errorf("read line for %s: %w", id, err)
		}
		out[id] = v == 1
	}
	return out, nil
}

// Close releases GPIO resources. Lines are returned to input with
// pull-down, matching the Pi boot defaults, before closing.
func (r *RealReader) Close() error {
	var errs []error
	for id, line := range r.lines {
		if err := line.Reconfigure(gpiocdev.AsInput, gpiocdev.WithPullDown); err != nil {
			errs = append(errs, fmt.Errorf("reconfigure %s: %w", id, err))
		}
		if err := line.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", id, err))
		}
	}
	if r.chip != nil {
		if err := r.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}
