package resource

// EventKind identifies what happened to a download request.
type EventKind int

const (
	EventProgress EventKind = iota
	EventDownloadSuccess
	EventUnzipSuccess
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventProgress:
		return "progress"
	case EventDownloadSuccess:
		return "download-success"
	case EventUnzipSuccess:
		return "unzip-success"
	case EventError:
		return "resource-error"
	}
	return "unknown"
}

// Event is delivered on the channel returned by Manager.Download.
type Event struct {
	Kind EventKind
	ID   string
	// Progress is the completed fraction in [0, 1] for EventProgress.
	Progress float64
	// Err is set for EventError.
	Err *ResourceError
}
