// ABOUTME: CLI flag parsing for cmd/harmoniad, one flat flag set matching the teacher's var block style
package config

import "flag"

// Config is every setting harmoniad accepts on its command line.
type Config struct {
	DisableLink bool
	Open        bool
	IP          string
	Port        int
	NoColor     bool
	Name        string
	LogFile     string
	Debug       bool
}

// Parse parses os.Args (via the flag package's default FlagSet) into a Config.
func Parse() Config {
	disableLink := flag.Bool("disable-link", false, "Don't start LAN beat-clock participation")
	open := flag.Bool("open", false, "Bind the HTTP API to all interfaces instead of loopback only")
	ip := flag.String("ip", "", "IP address to bind the HTTP API to (overrides --open)")
	port := flag.Int("port", 8927, "HTTP API port")
	noColor := flag.Bool("no-color", false, "Disable the color terminal dashboard")
	name := flag.String("name", "", "Nick override (default: previously saved nick, or hostname)")
	logFile := flag.String("log-file", "harmonia.log", "Log file path")
	debug := flag.Bool("debug", false, "Enable debug logging")

	flag.Parse()

	return Config{
		DisableLink: *disableLink,
		Open:        *open,
		IP:          *ip,
		Port:        *port,
		NoColor:     *noColor,
		Name:        *name,
		LogFile:     *logFile,
		Debug:       *debug,
	}
}
