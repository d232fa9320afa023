// ABOUTME: Build-time version identity for harmoniad
package version

// Version is overridden at build time via -ldflags "-X .../version.Version=...".
var Version = "dev"

// Product and Manufacturer name this build. harmoniad logs Product with
// Version at startup; neither is sent over mDNS or HTTP.
const (
	Product      = "Harmonia"
	Manufacturer = "ChorusMesh"
)
