package datamodel

// DataLocation is one of Private, Shared, or Persistent. A Shared
// location names its disk, and the central topology table (see
// resource.Topology, keyed by (diskName, host)) resolves which hosts mount
// it, rather than having LogicalData and SharedDisk hold pointers to each
// other, per the runtime's re-architecture of the source's
// bidirectional-reference design.
type DataLocation struct {
	Kind LocationKind

	// Private
	Host string
	Path string

	// Shared
	DiskName     string
	RelativePath string

	// Persistent
	ObjectId string
}

type LocationKind int

const (
	LocPrivate LocationKind = iota
	LocShared
	LocPersistent
)

func NewPrivate(host, path string) DataLocation {
	return DataLocation{Kind: LocPrivate, Host: host, Path: path}
}

func NewShared(diskName, relPath string) DataLocation {
	return DataLocation{Kind: LocShared, DiskName: diskName, RelativePath: relPath}
}

func NewPersistent(objectId string) DataLocation {
	return DataLocation{Kind: LocPersistent, ObjectId: objectId}
}

// IsTarget reports whether loc represents the same physical place as
// other. The comparison is against the *other* location, not a
// self-comparison.
func (loc DataLocation) IsTarget(other DataLocation) bool {
	if loc.Kind != other.Kind {
		return false
	}
	switch loc.Kind {
	case LocPrivate:
		return loc.Host == other.Host && loc.Path == other.Path
	case LocShared:
		return loc.DiskName == other.DiskName && loc.RelativePath == other.RelativePath
	case LocPersistent:
		return loc.ObjectId == other.ObjectId
	default:
		return false
	}
}

// LogicalData is the per-DataInstanceId record: physical replicas,
// optional persistent-object binding, and the set of transfers still in
// flight toward it.
type LogicalData struct {
	Instance        DataInstanceId
	Locations       []DataLocation
	PersistentId    string
	PendingTransfers map[string]struct{} // keyed by transfer plan id

	// SizeBytes is the replica's size once known; 0 means not yet
	// reported by anything that moved or wrote it.
	SizeBytes int64
}

func NewLogicalData(inst DataInstanceId) *LogicalData {
	return &LogicalData{
		Instance:         inst,
		PendingTransfers: make(map[string]struct{}),
	}
}

func (ld *LogicalData) AddLocation(loc DataLocation) {
	for _, existing := range ld.Locations {
		if existing.IsTarget(loc) {
			return
		}
	}
	ld.Locations = append(ld.Locations, loc)
}

// EffectiveSize is the byte weight the data-locality scheduling policy
// should give this instance. An instance nothing has reported a size for
// yet still counts as one resident unit, so locality scoring reflects how
// many of a task's inputs are already on a resource even before every
// write path plumbs through a real size.
func (ld *LogicalData) EffectiveSize() int64 {
	if ld.SizeBytes > 0 {
		return ld.SizeBytes
	}
	return 1
}

// HasReplicaOn reports whether ld has a replica reachable from host,
// either directly (Private on host) or via a shared disk host mounts.
func (ld *LogicalData) HasReplicaOn(host string, mounts func(disk, host string) bool) bool {
	for _, loc := range ld.Locations {
		switch loc.Kind {
		case LocPrivate:
			if loc.Host == host {
				return true
			}
		case LocShared:
			if mounts(loc.DiskName, host) {
				return true
			}
		case LocPersistent:
			return true
		}
	}
	return false
}
