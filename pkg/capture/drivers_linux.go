//go:build linux

package capture

import (
	// Register the V4L2 camera, ALSA microphone and X11 screen drivers
	// with the mediadevices driver manager.
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
)
