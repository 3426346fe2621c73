package gatekeeper

import "testing"

func TestPermissionCacheVersionedKeys(t *testing.T) {
	c, err := NewPermissionCache(CacheConfig{})
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	defer c.Close()

	at5 := c.stamp(5)
	ap := &actorPermissions{
		actor:   Actor{ID: "u1", TenantID: "t1"},
		perms:   map[Permission]grantSource{perm("view:invoice"): sourceRole},
		version: 5,
	}
	c.setActor(ap, at5)
	c.Wait()

	got, ok := c.getActor("t1", "u1", at5)
	if !ok || got.source(perm("view:invoice")) != sourceRole {
		t.Fatalf("expected hit at version 5")
	}
	if _, ok := c.getActor("t1", "u1", c.stamp(6)); ok {
		t.Fatalf("version 6 must miss")
	}
	if _, ok := c.getActor("t2", "u1", at5); ok {
		t.Fatalf("other tenant must miss")
	}
	hits, misses := c.Stats()
	if hits != 1 || misses != 2 {
		t.Fatalf("expected 1 hit and 2 misses, got %d/%d", hits, misses)
	}

	c.setCatalog("t1", at5, PermissionSet{perm("view:invoice"): {}})
	c.Wait()
	if set, ok := c.getCatalog("t1", at5); !ok || !set.Has(perm("view:invoice")) {
		t.Fatalf("expected catalog hit")
	}
	c.Clear()
	if _, ok := c.getCatalog("t1", at5); ok {
		t.Fatalf("expected miss after clear")
	}
}

func TestInvalidateHidesEntriesOfTheSameVersion(t *testing.T) {
	c, err := NewPermissionCache(CacheConfig{})
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	defer c.Close()

	// a load that started before the invalidation lands after it
	before := c.stamp(9)
	c.Invalidate()
	c.setRole("t1", "manager", before, PermissionSet{perm("approve:invoice"): {}})
	c.Wait()

	if _, ok := c.getRole("t1", "manager", c.stamp(9)); ok {
		t.Fatalf("entry resolved before Invalidate must not be served")
	}
	if _, ok := c.getRole("t1", "manager", before); !ok {
		t.Fatalf("entry must still be stored under its own generation")
	}
}

func TestKeysDoNotCollideAcrossKinds(t *testing.T) {
	st := cacheStamp{version: 1}
	if actorKey("t1", "x", st) == roleKey("t1", "x", st) {
		t.Fatalf("actor and role keys collide")
	}
	if actorKey("t1", "x", st) == actorKey("t1", "x", cacheStamp{version: 2}) {
		t.Fatalf("versions collide")
	}
	if actorKey("t1", "x", st) == actorKey("t1", "x", cacheStamp{version: 1, generation: 1}) {
		t.Fatalf("generations collide")
	}
}

func TestNilCacheStamp(t *testing.T) {
	var c *PermissionCache
	if st := c.stamp(4); st.version != 4 || st.generation != 0 {
		t.Fatalf("unexpected stamp %+v", st)
	}
}

func TestNilActorPermissionsSource(t *testing.T) {
	var ap *actorPermissions
	if ap.source(perm("view:invoice")) != 0 {
		t.Fatalf("nil receiver must report no source")
	}
}
