package config

import (
	"encoding/json"
	"os"

	"github.com/alexbarcelo/compss/internal/errkind"
	"github.com/alexbarcelo/compss/internal/resource"
)

// resourceSpec is one entry of a resources file: a worker descriptor in
// the shape Constraints matches pointwise against.
type resourceSpec struct {
	Name                 string   `json:"name"`
	Host                 string   `json:"host"`
	Cores                int      `json:"cores"`
	Architecture         string   `json:"architecture"`
	SpeedGHz             float64  `json:"speedGHz"`
	MemoryPhysicalMB     int64    `json:"memoryPhysicalMB"`
	MemoryVirtualMB      int64    `json:"memoryVirtualMB"`
	StorageMB            int64    `json:"storageMB"`
	OperatingSystemType  string   `json:"operatingSystemType"`
	Software             []string `json:"software"`
	Queues               []string `json:"queues"`
	Images               []string `json:"images"`
}

// sharedDiskMount is one (disk, host) mount entry feeding resource.Topology.
type sharedDiskMount struct {
	Disk       string `json:"disk"`
	Host       string `json:"host"`
	MountPoint string `json:"mountPoint"`
}

// resourcesFile is the on-disk shape of COMPSS_RESOURCES_FILE: a JSON
// document listing workers and the shared disks they mount (see
// DESIGN.md for why JSON rather than an XML schema).
type resourcesFile struct {
	Resources   []resourceSpec    `json:"resources"`
	SharedDisks []sharedDiskMount `json:"sharedDisks"`
}

// LoadTopology parses path into a Catalog of workers and the Topology of
// shared-disk mounts between them. An empty path is a valid "no static
// topology" configuration: a Catalog with no resources and an empty
// Topology, for deployments that populate both entirely through
// dynamic scale events instead.
func LoadTopology(path string) (*resource.Catalog, *resource.Topology, error) {
	catalog := resource.NewCatalog()
	topo := resource.NewTopology()
	if path == "" {
		return catalog, topo, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, errkind.Wrap(errkind.InvalidTopology, err).WithField("path", path)
	}
	var rf resourcesFile
	if err := json.Unmarshal(data, &rf); err != nil {
		return nil, nil, errkind.Wrap(errkind.InvalidTopology, err).WithField("path", path)
	}

	for _, rs := range rf.Resources {
		if rs.Name == "" || rs.Host == "" {
			return nil, nil, errkind.New(errkind.InvalidTopology, "resource entry missing name or host").WithField("path", path)
		}
		procs := []resource.Processor{{
			Name:         rs.Name,
			Architecture: rs.Architecture,
			Speed:        rs.SpeedGHz,
			Cores:        rs.Cores,
			Type:         "CPU",
		}}
		catalog.Add(resource.NewResource(rs.Name, rs.Host, procs, rs.MemoryPhysicalMB, rs.MemoryVirtualMB, rs.StorageMB, rs.OperatingSystemType, rs.Software, rs.Queues, rs.Images))
	}
	for _, m := range rf.SharedDisks {
		if m.Disk == "" || m.Host == "" || m.MountPoint == "" {
			return nil, nil, errkind.New(errkind.InvalidTopology, "shared disk entry missing disk, host, or mountPoint").WithField("path", path)
		}
		topo.Mount(m.Disk, m.Host, m.MountPoint)
	}
	return catalog, topo, nil
}
