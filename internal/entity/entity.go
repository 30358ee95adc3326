package entity

// Type identifies one of the synchronized domain record kinds.
type Type string

const (
	Employee     Type = "Employee"
	Project      Type = "Project"
	Task         Type = "Task"
	WorkEntry    Type = "WorkEntry"
	LeaveRequest Type = "LeaveRequest"
	Notification Type = "Notification"
)

// SyncOrder returns entity types in the fixed order used by a full sync.
// Employees come first because every other entity references them.
func SyncOrder() []Type {
	return []Type{Employee, Project, Task, WorkEntry, LeaveRequest, Notification}
}

// Valid reports whether t is a known entity type.
func (t Type) Valid() bool {
	switch t {
	case Employee, Project, Task, WorkEntry, LeaveRequest, Notification:
		return true
	}
	return false
}

// DisplayName returns the human-readable plural name for t.
func (t Type) DisplayName() string {
	switch t {
	case Employee:
		return "Employees"
	case Project:
		return "Projects"
	case Task:
		return "Tasks"
	case WorkEntry:
		return "Work Entries"
	case LeaveRequest:
		return "Leave Requests"
	case Notification:
		return "Notifications"
	default:
		return string(t)
	}
}

// Record is a snapshot of one entity instance as a field map. The engine
// treats records as opaque; only the conflict resolver inspects fields.
type Record map[string]any

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}
