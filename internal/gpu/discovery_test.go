package gpu

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/jaypipes/pcidb"
)

func TestDiscover(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	card0 := filepath.Join(root, "class", "drm", "card0", "device")
	writeFile(t, filepath.Join(card0, "uevent"), "DRIVER=amdgpu\nPCI_SLOT_NAME=0000:0a:00.0\nPCI_ID=1002:73DF\nPCI_ID_NAME=AMD Radeon RX 6800\n")

	card2 := filepath.Join(root, "class", "drm", "card2", "device")
	writeFile(t, filepath.Join(card2, "vendor"), "0x1002\n")
	writeFile(t, filepath.Join(card2, "device"), "0x731f\n")
	writeFile(t, filepath.Join(card2, "product_name"), "AMD Radeon Pro Test\n")

	// Connector entries and non-card entries are ignored.
	if err := os.MkdirAll(filepath.Join(root, "class", "drm", "card0-DP-1"), 0o750); err != nil {
		t.Fatalf("mkdir connector: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(root, "class", "drm", "renderD128"), 0o750); err != nil {
		t.Fatalf("mkdir render node: %v", err)
	}

	infos, err := Discover(root, logger)
	if err != nil {
		t.Fatalf("Discover returned error: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("expected 2 GPUs, got %d: %+v", len(infos), infos)
	}

	first := infos[0]
	if first.Index != 0 || first.ID != "card0" {
		t.Fatalf("unexpected first card: %+v", first)
	}
	if first.PCI != "0000:0a:00.0" {
		t.Errorf("unexpected PCI slot: %q", first.PCI)
	}
	if first.Name != "AMD Radeon RX 6800" {
		t.Errorf("unexpected name: %q", first.Name)
	}
	if first.Driver != "amdgpu" {
		t.Errorf("unexpected driver: %q", first.Driver)
	}
	if first.DevicePath != card0 {
		t.Errorf("unexpected device path: %q", first.DevicePath)
	}

	second := infos[1]
	if second.Index != 2 || second.ID != "card2" {
		t.Fatalf("unexpected second card: %+v", second)
	}
	if second.PCIID != "1002:731f" {
		t.Errorf("expected PCI ID fallback to vendor/device, got %q", second.PCIID)
	}
	if second.Name == "" {
		t.Errorf("expected a name for card2")
	}
}

func TestDiscoverMissingDRMClass(t *testing.T) {
	t.Parallel()

	infos, err := Discover(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Discover returned error: %v", err)
	}
	if len(infos) != 0 {
		t.Fatalf("expected 0 GPUs, got %d", len(infos))
	}
}

func TestDiscoverMissingRoot(t *testing.T) {
	t.Parallel()

	if _, err := Discover(filepath.Join(t.TempDir(), "absent"), nil); err == nil {
		t.Fatal("expected error for missing sysfs root")
	}
}

func TestDiscoverFollowsSymlinks(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	classPath := filepath.Join(root, "class", "drm")
	if err := os.MkdirAll(classPath, 0o750); err != nil {
		t.Fatalf("mkdir class: %v", err)
	}

	target := filepath.Join(root, "devices", "pci0000:00", "0000:00:01.0", "drm", "card1")
	writeFile(t, filepath.Join(target, "device", "uevent"), "PCI_SLOT_NAME=0000:00:01.0\nPCI_ID=10DE:2684\n")

	relTarget, err := filepath.Rel(classPath, target)
	if err != nil {
		t.Fatalf("filepath.Rel: %v", err)
	}
	if err := os.Symlink(relTarget, filepath.Join(classPath, "card1")); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	infos, err := Discover(root, nil)
	if err != nil {
		t.Fatalf("Discover returned error: %v", err)
	}
	if len(infos) != 1 || infos[0].ID != "card1" || infos[0].Index != 1 {
		t.Fatalf("expected symlinked gpu, got %+v", infos)
	}
}

func TestParseCardIndex(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name  string
		index int
		ok    bool
	}{
		{"card0", 0, true},
		{"card12", 12, true},
		{"card", 0, false},
		{"card0-HDMI-A-1", 0, false},
		{"renderD128", 0, false},
		{"cardX", 0, false},
	}
	for _, tc := range testCases {
		index, ok := ParseCardIndex(tc.name)
		if index != tc.index || ok != tc.ok {
			t.Errorf("ParseCardIndex(%q) = (%d, %v), want (%d, %v)", tc.name, index, ok, tc.index, tc.ok)
		}
	}
}

func TestDiscoverUsesPCIDatabase(t *testing.T) {
	t.Parallel()

	db, err := pcidb.New()
	if err != nil {
		t.Skipf("pcidb unavailable: %v", err)
	}

	product := db.Products["100273bf"]
	if product == nil || product.Name == "" {
		t.Skip("pcidb missing product 1002:73bf")
	}

	root := t.TempDir()
	deviceDir := filepath.Join(root, "class", "drm", "card0", "device")
	writeFile(t, filepath.Join(deviceDir, "uevent"), "DRIVER=amdgpu\nPCI_SLOT_NAME=0000:00:01.0\nPCI_ID=1002:73BF\n")

	infos, err := Discover(root, nil)
	if err != nil {
		t.Fatalf("Discover returned error: %v", err)
	}
	if len(infos) != 1 {
		t.Fatalf("expected 1 GPU, got %d", len(infos))
	}
	if infos[0].Name != product.Name {
		t.Fatalf("expected name %q, got %q", product.Name, infos[0].Name)
	}
}

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatalf("mkdir %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
