package proxyproc

import "time"

// Detection describes the copilot-api tooling found on this machine. Paths are only
// reported when they existed at detection time.
type Detection struct {
	Installed           bool     `json:"installed"`
	Version             string   `json:"version,omitempty"`
	CopilotBin          string   `json:"copilotBin,omitempty"`
	NpxBin              string   `json:"npxBin,omitempty"`
	NpmBin              string   `json:"npmBin,omitempty"`
	NodeBin             string   `json:"nodeBin,omitempty"`
	NodeVersion         string   `json:"nodeVersion,omitempty"`
	BunxBin             string   `json:"bunxBin,omitempty"`
	NodeAvailable       bool     `json:"nodeAvailable"`
	CheckedNodePaths    []string `json:"checkedNodePaths"`
	CheckedCopilotPaths []string `json:"checkedCopilotPaths"`
}

// InstallResult is the outcome of installing copilot-api.
type InstallResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Version string `json:"version,omitempty"`
}

// Status describes the managed process.
type Status struct {
	Running   bool      `json:"running"`
	PID       int       `json:"pid,omitempty"`
	Port      int       `json:"port,omitempty"`
	Command   string    `json:"command,omitempty"`
	LogFile   string    `json:"logFile,omitempty"`
	StartedAt time.Time `json:"startedAt,omitempty"`
	LastError string    `json:"lastError,omitempty"`
}
