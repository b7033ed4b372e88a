package model

// Well-known exit codes the Command Tracker synthesizes (spec §4.5, §7).
const (
	ExitLaunchENOENT    = 20002
	ExitExpandDelivery  = 20003
	ExitMinRuntimeViol  = 10110
)
