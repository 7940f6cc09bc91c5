package main

import "flag"

// Options holds CLI options for the control tool.
type Options struct {
	ConfigPath   string
	Address      string
	Backend      string
	Speed        int
	Accel        int
	LaneDemo     bool
	TelemetryOut string
}

// ParseFlags parses CLI flags from args and returns Options.
func ParseFlags(args []string) Options {
	fs := flag.NewFlagSet("overdrive-ctl", flag.ExitOnError)
	var opts Options
	fs.StringVar(&opts.ConfigPath, "config", "", "Path to YAML config file")
	fs.StringVar(&opts.Address, "addr", "", "Vehicle MAC address (overrides config)")
	fs.StringVar(&opts.Backend, "backend", "", "Radio backend: bluez|mem (overrides config)")
	fs.IntVar(&opts.Speed, "speed", 500, "Initial speed (0-1000)")
	fs.IntVar(&opts.Accel, "accel", 1000, "Acceleration (0-1000)")
	fs.BoolVar(&opts.LaneDemo, "lane-demo", false, "Change one lane right after connecting")
	fs.StringVar(&opts.TelemetryOut, "telemetry-out", "", "Write CBOR telemetry events to this file")
	_ = fs.Parse(args)
	return opts
}
