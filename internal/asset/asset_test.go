package asset

import (
	"path/filepath"
	"testing"
)

func TestNew_pendingWithFreshID(t *testing.T) {
	a := New("https://example.com/a.m3u8")
	b := New("https://example.com/a.m3u8")

	if a.State != StatePending {
		t.Errorf("state = %q, want pending", a.State)
	}
	if a.ID == "" || b.ID == "" {
		t.Fatal("empty ID")
	}
	if a.ID == b.ID {
		t.Errorf("two assets share ID %q", a.ID)
	}
	if a.BundleLocalPath != "" || a.KeyLocalPath != "" || a.TaskToken != "" {
		t.Errorf("new asset carries artifact fields: %+v", a)
	}
}

func TestDerivedPaths(t *testing.T) {
	root := "/var/lib/hlsvault/bundles"

	var a Asset
	if got := a.BundleAbsPath(root); got != "" {
		t.Errorf("BundleAbsPath on empty asset = %q, want empty", got)
	}
	if got := a.BootDescriptorPath(root); got != "" {
		t.Errorf("BootDescriptorPath on empty asset = %q, want empty", got)
	}

	a.BundleLocalPath = "a1b2/bundle"
	a.KeyLocalPath = "a1b2/bundle/v1/download.key"
	a.ManifestLocalPath = "a1b2/bundle/v1/v1.m3u8"

	if got, want := a.BundleAbsPath(root), filepath.Join(root, "a1b2/bundle"); got != want {
		t.Errorf("BundleAbsPath = %q, want %q", got, want)
	}
	if got, want := a.BootDescriptorPath(root), filepath.Join(root, "a1b2/bundle", BootDescriptorName); got != want {
		t.Errorf("BootDescriptorPath = %q, want %q", got, want)
	}
	if got, want := a.KeyAbsPath(root), filepath.Join(root, "a1b2/bundle/v1/download.key"); got != want {
		t.Errorf("KeyAbsPath = %q, want %q", got, want)
	}
	if got, want := a.ManifestAbsPath(root), filepath.Join(root, "a1b2/bundle/v1/v1.m3u8"); got != want {
		t.Errorf("ManifestAbsPath = %q, want %q", got, want)
	}
}

func TestStatePredicates(t *testing.T) {
	cases := []struct {
		state      State
		active     bool
		downloaded bool
	}{
		{StatePending, false, false},
		{StateDownloading, true, false},
		{StateSuspended, true, false},
		{StateMissingKey, false, false},
		{StateDownloaded, false, true},
	}
	for _, tc := range cases {
		a := Asset{State: tc.state}
		if a.Active() != tc.active {
			t.Errorf("%s: Active = %t, want %t", tc.state, a.Active(), tc.active)
		}
		if a.Downloaded() != tc.downloaded {
			t.Errorf("%s: Downloaded = %t, want %t", tc.state, a.Downloaded(), tc.downloaded)
		}
	}
}

func TestCatalogFind(t *testing.T) {
	c := NewCatalog()
	a := New("https://example.com/a.m3u8")
	b := New("https://example.com/b.m3u8")
	c.Assets = append(c.Assets, a, b)

	if got, ok := c.FindByURL(b.SourceURL); !ok || got.ID != b.ID {
		t.Errorf("FindByURL = %+v %t", got, ok)
	}
	if got, ok := c.FindByID(a.ID); !ok || got.SourceURL != a.SourceURL {
		t.Errorf("FindByID = %+v %t", got, ok)
	}
	if _, ok := c.FindByURL("https://example.com/nope.m3u8"); ok {
		t.Error("FindByURL matched missing URL")
	}
	if _, ok := c.FindByID("nope"); ok {
		t.Error("FindByID matched missing ID")
	}
}
