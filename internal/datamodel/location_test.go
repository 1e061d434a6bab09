package datamodel

import "testing"

func TestIsTargetComparesOtherNotSelf(t *testing.T) {
	a := NewPrivate("host1", "/data/x")
	b := NewPrivate("host1", "/data/x")
	c := NewPrivate("host2", "/data/x")

	if !a.IsTarget(b) {
		t.Fatalf("expected equal private locations to match")
	}
	if a.IsTarget(c) {
		t.Fatalf("expected different hosts not to match")
	}
}

func TestLogicalDataAddLocationDedups(t *testing.T) {
	ld := NewLogicalData(DataInstanceId{Id: "D", Version: 1})
	ld.AddLocation(NewPrivate("h1", "/p"))
	ld.AddLocation(NewPrivate("h1", "/p"))
	if len(ld.Locations) != 1 {
		t.Fatalf("expected dedup, got %d locations", len(ld.Locations))
	}
}

func TestHasReplicaOnShared(t *testing.T) {
	ld := NewLogicalData(DataInstanceId{Id: "D", Version: 1})
	ld.AddLocation(NewShared("disk1", "f.bin"))
	mounts := func(disk, host string) bool { return disk == "disk1" && host == "h2" }
	if !ld.HasReplicaOn("h2", mounts) {
		t.Fatalf("expected shared disk reachability")
	}
	if ld.HasReplicaOn("h3", mounts) {
		t.Fatalf("h3 does not mount disk1")
	}
}
