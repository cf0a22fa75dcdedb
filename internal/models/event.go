package models

// EventKind enumerates import pipeline notifications.
type EventKind int

const (
	InstanceImported EventKind = iota + 1
	InstanceDeleted
	StoreCleared
)

func (k EventKind) String() string {
	switch k {
	case InstanceImported:
		return "instance_imported"
	case InstanceDeleted:
		return "instance_deleted"
	case StoreCleared:
		return "store_cleared"
	default:
		return "unknown"
	}
}

// Level is the granularity an event applies to.
type Level string

const (
	LevelPatient  Level = "PATIENT"
	LevelStudy    Level = "STUDY"
	LevelSeries   Level = "SERIES"
	LevelInstance Level = "IMAGE"
)

// ImportEvent is an immutable notification emitted by the import pipeline.
// UID is the study UID the event concerns.
type ImportEvent struct {
	Kind   EventKind
	UID    string
	Level  Level
	Failed bool
}
