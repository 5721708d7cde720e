package remotefs

import (
	"sync"
	"testing"
)

func TestAttributedList(t *testing.T) {
	t.Parallel()
	dir := NewPath("/pub", TypeDirectory)
	l := NewAttributedList()

	b := dir.Child("b.txt", TypeFile)
	sub := dir.Child("sub", TypeDirectory)
	a := dir.Child("a.txt", TypeFile)
	v1 := dir.Child("a.txt", TypeFile)
	v1.Attributes.VersionID = "v1"
	v1.Attributes.Duplicate = true

	for _, p := range []*Path{b, sub, a, v1} {
		if !l.Add(p) {
			t.Fatalf("Add(%s) rejected", p)
		}
	}
	if l.Add(dir.Child("a.txt", TypeFile)) {
		t.Error("duplicate reference must be rejected")
	}
	if l.Len() != 4 {
		t.Fatalf("Len() = %d", l.Len())
	}
	if l.Find(v1.Reference()) != v1 {
		t.Error("Find() by version reference failed")
	}

	l.SortByName()
	var names []string
	for _, e := range l.Entries() {
		names = append(names, e.DisplayName())
	}
	want := []string{"sub", "a.txt", "a.txt (v1)", "b.txt"}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("sorted names = %v, want %v", names, want)
		}
	}
	if l.Find(b.Reference()) != b {
		t.Error("index not rebuilt after sort")
	}

	files := l.Filter(func(p *Path) bool { return p.IsFile() && !p.Attributes.Duplicate })
	if files.Len() != 2 {
		t.Errorf("Filter() returned %d entries", files.Len())
	}
}

func TestCacheConcurrentAccess(t *testing.T) {
	t.Parallel()
	c := NewCache()
	dir := NewPath("/pub", TypeDirectory)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				c.Put(dir, NewAttributedList())
				c.Get(dir)
			}
		}()
	}
	wg.Wait()

	if !c.Contains(dir) {
		t.Fatal("expected cached listing")
	}
	c.Invalidate(dir)
	if c.Contains(dir) {
		t.Error("Invalidate() did not remove listing")
	}
	c.Put(dir, NewAttributedList())
	c.Clear()
	if c.Contains(dir) {
		t.Error("Clear() did not remove listing")
	}
}
