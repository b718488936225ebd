// Package quality classifies network conditions from peer statistics and
// signaling-transport health, and turns the classification into capture and
// ICE transport decisions.
package quality

import "fmt"

// Bound is an explicit min/ideal/max constraint on one capture dimension.
type Bound struct {
	Min   int
	Ideal int
	Max   int
}

// CaptureTier defines the video capture constraints for one device/network
// tier. Tiers are ordered from most constrained to least.
type CaptureTier struct {
	Name      string
	Width     Bound
	Height    Bound
	FrameRate Bound
}

func (t CaptureTier) String() string {
	return fmt.Sprintf("%s (%dx%d@%d)", t.Name, t.Width.Ideal, t.Height.Ideal, t.FrameRate.Ideal)
}

// CaptureTiers returns all capture tiers, most constrained first.
func CaptureTiers() []CaptureTier {
	return []CaptureTier{
		{
			Name:      "constrained-mobile",
			Width:     Bound{Min: 160, Ideal: 320, Max: 480},
			Height:    Bound{Min: 120, Ideal: 240, Max: 360},
			FrameRate: Bound{Min: 10, Ideal: 15, Max: 20},
		},
		{
			Name:      "standard-mobile",
			Width:     Bound{Min: 320, Ideal: 640, Max: 960},
			Height:    Bound{Min: 240, Ideal: 480, Max: 720},
			FrameRate: Bound{Min: 15, Ideal: 24, Max: 30},
		},
		{
			Name:      "desktop",
			Width:     Bound{Min: 640, Ideal: 1280, Max: 1920},
			Height:    Bound{Min: 360, Ideal: 720, Max: 1080},
			FrameRate: Bound{Min: 20, Ideal: 30, Max: 30},
		},
	}
}

// TierByName finds a capture tier by name.
func TierByName(name string) *CaptureTier {
	tiers := CaptureTiers()
	for i := range tiers {
		if tiers[i].Name == name {
			return &tiers[i]
		}
	}
	return nil
}

// DeviceClass is the coarse device category the agent runs on.
type DeviceClass int

const (
	DeviceMobile DeviceClass = iota
	DeviceDesktop
)

func (d DeviceClass) String() string {
	switch d {
	case DeviceMobile:
		return "mobile"
	case DeviceDesktop:
		return "desktop"
	default:
		return "unknown"
	}
}

// ParseDeviceClass converts a string to a DeviceClass.
func ParseDeviceClass(s string) (DeviceClass, error) {
	switch s {
	case "mobile":
		return DeviceMobile, nil
	case "desktop":
		return DeviceDesktop, nil
	default:
		return 0, fmt.Errorf("invalid device class: %s", s)
	}
}
