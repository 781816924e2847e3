package core

// RunStatus represents the lifecycle state of a test run
type RunStatus int

const (
	RunPending   RunStatus = iota // Persisted, not yet picked up
	RunRunning                    // Scheduler is driving the run
	RunCompleted                  // Finished with zero failed tests
	RunFailed                     // Finished with at least one failed test
	RunCancelled                  // Cancelled by the caller
)

// String returns the string representation of RunStatus
func (s RunStatus) String() string {
	switch s {
	case RunPending:
		return "pending"
	case RunRunning:
		return "running"
	case RunCompleted:
		return "completed"
	case RunFailed:
		return "failed"
	case RunCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// IsTerminal returns true if the status is a final state.
// The scheduler never mutates a run again once it is terminal.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	default:
		return false
	}
}

// ParseRunStatus converts a stored string back into a RunStatus
func ParseRunStatus(s string) RunStatus {
	switch s {
	case "pending":
		return RunPending
	case "running":
		return RunRunning
	case "completed":
		return RunCompleted
	case "failed":
		return RunFailed
	case "cancelled":
		return RunCancelled
	default:
		return RunPending
	}
}

// ResultStatus represents the outcome of a single test attempt
type ResultStatus int

const (
	ResultFailed ResultStatus = iota // Rows are created pessimistically failed
	ResultPassed
)

// String returns the string representation of ResultStatus
func (s ResultStatus) String() string {
	if s == ResultPassed {
		return "passed"
	}
	return "failed"
}

// ParseResultStatus converts a stored string back into a ResultStatus
func ParseResultStatus(s string) ResultStatus {
	if s == "passed" {
		return ResultPassed
	}
	return ResultFailed
}

// Platform identifies the mobile platform a device runs
type Platform int

const (
	PlatformUnknown Platform = iota
	PlatformAndroid
	PlatformIOS
)

// String returns the string representation of Platform
func (p Platform) String() string {
	switch p {
	case PlatformAndroid:
		return "android"
	case PlatformIOS:
		return "ios"
	default:
		return "unknown"
	}
}

// ParsePlatform converts a platform name into a Platform
func ParsePlatform(s string) Platform {
	switch s {
	case "android", "Android", "ANDROID":
		return PlatformAndroid
	case "ios", "iOS", "IOS":
		return PlatformIOS
	default:
		return PlatformUnknown
	}
}

// ArtifactType classifies captured debug artifacts
type ArtifactType int

const (
	ArtifactScreenshot ArtifactType = iota
	ArtifactVideo
	ArtifactLog
)

// String returns the string representation of ArtifactType
func (t ArtifactType) String() string {
	switch t {
	case ArtifactScreenshot:
		return "screenshot"
	case ArtifactVideo:
		return "video"
	case ArtifactLog:
		return "log"
	default:
		return "unknown"
	}
}

// MimeType returns the default content type for the artifact type
func (t ArtifactType) MimeType() string {
	switch t {
	case ArtifactScreenshot:
		return "image/png"
	case ArtifactVideo:
		return "video/mp4"
	case ArtifactLog:
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}

// ParseArtifactType converts a stored string back into an ArtifactType
func ParseArtifactType(s string) ArtifactType {
	switch s {
	case "screenshot":
		return ArtifactScreenshot
	case "video":
		return ArtifactVideo
	default:
		return ArtifactLog
	}
}
