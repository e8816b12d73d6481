package model

// ChangeType classifies a single entry in a resource-group update.
type ChangeType int

const (
	ChangeAdded ChangeType = iota
	ChangeModified
	ChangeRenamed
	ChangeRemoved
)

// String returns the wire name of the change type.
func (ct ChangeType) String() string {
	switch ct {
	case ChangeAdded:
		return "Added"
	case ChangeModified:
		return "Modified"
	case ChangeRenamed:
		return "Renamed"
	case ChangeRemoved:
		return "Removed"
	default:
		return "Unknown"
	}
}

// ParseChangeType maps a wire name back to its ChangeType.
func ParseChangeType(s string) (ChangeType, bool) {
	switch s {
	case "Added":
		return ChangeAdded, true
	case "Modified":
		return ChangeModified, true
	case "Renamed":
		return ChangeRenamed, true
	case "Removed":
		return ChangeRemoved, true
	}
	return 0, false
}

// MarshalText implements encoding.TextMarshaler so change types appear
// by name in JSON payloads and snapshots.
func (ct ChangeType) MarshalText() ([]byte, error) {
	return []byte(ct.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (ct *ChangeType) UnmarshalText(text []byte) error {
	parsed, ok := ParseChangeType(string(text))
	if !ok {
		return &UnknownChangeTypeError{Name: string(text)}
	}
	*ct = parsed
	return nil
}

// UnknownChangeTypeError reports an unrecognized change-type name.
type UnknownChangeTypeError struct {
	Name string
}

func (e *UnknownChangeTypeError) Error() string {
	return "unknown change type " + e.Name
}

// ResourceChange describes one resource inside a resource-group update.
// Name/ID/URL identify the resource as the tool saw it before the
// change; the New* fields carry the post-change identity for renames
// and identity-changing modifications.
type ResourceChange struct {
	Name       string     `json:"name"`
	ID         string     `json:"id"`
	URL        string     `json:"URL"`
	NewName    string     `json:"newName,omitempty"`
	NewID      string     `json:"newId,omitempty"`
	NewURL     string     `json:"newURL,omitempty"`
	ChangeType ChangeType `json:"changeType"`
}

// ChangesIdentity reports whether the change carries a new URL, name or
// id that differs from the current one.
func (rc *ResourceChange) ChangesIdentity() bool {
	return (rc.NewURL != "" && rc.NewURL != rc.URL) ||
		(rc.NewName != "" && rc.NewName != rc.Name) ||
		(rc.NewID != "" && rc.NewID != rc.ID)
}

// ResourceGroupChange is a resource-group update: the group's identity,
// the tool's new version for it, and the per-resource changes keyed by
// resource URL.
type ResourceGroupChange struct {
	Name      string                     `json:"name"`
	ToolID    string                     `json:"toolId"`
	URL       string                     `json:"URL"`
	Version   string                     `json:"version"`
	Resources map[string]*ResourceChange `json:"-"`
}

// NewResourceGroupChange returns a change set with an initialized
// resource map.
func NewResourceGroupChange(name, toolID, url, version string) *ResourceGroupChange {
	return &ResourceGroupChange{
		Name:      name,
		ToolID:    toolID,
		URL:       url,
		Version:   version,
		Resources: map[string]*ResourceChange{},
	}
}
