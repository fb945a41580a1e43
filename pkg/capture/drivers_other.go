//go:build !linux

package capture

// No media drivers are registered on this platform. GetUserMedia and
// friends will return mediadevices errors until a platform driver set
// is added here.
