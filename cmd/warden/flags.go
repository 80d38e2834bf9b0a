package main

import "time"

// Flag structs to decouple cobra from logic for testing.

// GlobalFlags holds persistent flags shared by all commands.
type GlobalFlags struct {
	ConfigPath string
}

// StatusFlags holds flags for the status command.
type StatusFlags struct {
	// Control API connection
	APIUrl     string
	APITimeout time.Duration
}

// StartFlags holds flags for the start command.
type StartFlags struct {
	APIUrl     string
	APITimeout time.Duration
}

// StopFlags holds flags for the stop command.
type StopFlags struct {
	APIUrl     string
	APITimeout time.Duration
}

// RestartFlags holds flags for the restart command.
type RestartFlags struct {
	APIUrl     string
	APITimeout time.Duration
}

// CallFlags holds flags for the call command.
type CallFlags struct {
	Method     string
	Data       string
	APIUrl     string
	APITimeout time.Duration
}

// ServeFlags holds flags for the serve command.
type ServeFlags struct {
	ConfigPath    string
	AutoStart     bool
	MetricsListen string
}
