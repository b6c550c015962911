package hostdrv

import (
	"testing"

	"github.com/spf13/afero"
)

func seedSysfs(t *testing.T, files map[string]string) afero.Fs {
	t.Helper()
	fsys := afero.NewMemMapFs()
	for name, content := range files {
		if err := afero.WriteFile(fsys, name, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	return fsys
}

func readAttr(t *testing.T, fsys afero.Fs, name string) string {
	t.Helper()
	content, err := afero.ReadFile(fsys, name)
	if err != nil {
		t.Fatalf("failed to read %s: %v", name, err)
	}
	return string(content)
}

func TestBind(t *testing.T) {
	fsys := seedSysfs(t, map[string]string{
		"bus/usb/drivers/usbip-host/match_busid": "",
		"bus/usb/drivers/usbip-host/bind":        "",
		"bus/usb/drivers/usbip-host/unbind":      "",
		"bus/usb/drivers_probe":                  "",
		"bus/usb/devices/1-1/driver/unbind":      "",
		"bus/usb/devices/1-1/product":            "Test Keyboard\n",
	})
	drv := NewSysfsDriver(fsys, nil)

	if err := drv.Bind("1-1"); err != nil {
		t.Fatalf("bind failed: %v", err)
	}

	if got := readAttr(t, fsys, "bus/usb/drivers/usbip-host/match_busid"); got != "add 1-1" {
		t.Errorf("match_busid: got %q; want %q", got, "add 1-1")
	}
	if got := readAttr(t, fsys, "bus/usb/devices/1-1/driver/unbind"); got != "1-1" {
		t.Errorf("native unbind: got %q; want %q", got, "1-1")
	}
	if got := readAttr(t, fsys, "bus/usb/drivers/usbip-host/bind"); got != "1-1" {
		t.Errorf("bind: got %q; want %q", got, "1-1")
	}
}

func TestBindWithoutNativeDriver(t *testing.T) {
	fsys := seedSysfs(t, map[string]string{
		"bus/usb/drivers/usbip-host/match_busid": "",
		"bus/usb/drivers/usbip-host/bind":        "",
	})
	drv := NewSysfsDriver(fsys, nil)

	if err := drv.Bind("3-2"); err != nil {
		t.Fatalf("bind failed: %v", err)
	}
	if got := readAttr(t, fsys, "bus/usb/drivers/usbip-host/bind"); got != "3-2" {
		t.Errorf("bind: got %q; want %q", got, "3-2")
	}
}

func TestBindIdempotent(t *testing.T) {
	fsys := seedSysfs(t, map[string]string{
		"bus/usb/drivers/usbip-host/1-1":  "",
		"bus/usb/drivers/usbip-host/bind": "",
	})
	drv := NewSysfsDriver(fsys, nil)

	if !drv.IsBound("1-1") {
		t.Fatal("expected 1-1 to be reported bound")
	}
	if err := drv.Bind("1-1"); err != nil {
		t.Fatalf("bind failed: %v", err)
	}
	if got := readAttr(t, fsys, "bus/usb/drivers/usbip-host/bind"); got != "" {
		t.Errorf("bind attribute written for already-bound device: %q", got)
	}
}

func TestBindMissingDriver(t *testing.T) {
	drv := NewSysfsDriver(afero.NewMemMapFs(), nil)
	if err := drv.Bind("1-1"); err == nil {
		t.Error("expected error when usbip-host is not loaded")
	}
}

func TestUnbind(t *testing.T) {
	fsys := seedSysfs(t, map[string]string{
		"bus/usb/drivers/usbip-host/1-1":         "",
		"bus/usb/drivers/usbip-host/match_busid": "",
		"bus/usb/drivers/usbip-host/unbind":      "",
		"bus/usb/drivers_probe":                  "",
	})
	drv := NewSysfsDriver(fsys, nil)

	if err := drv.Unbind("1-1"); err != nil {
		t.Fatalf("unbind failed: %v", err)
	}
	if got := readAttr(t, fsys, "bus/usb/drivers/usbip-host/unbind"); got != "1-1" {
		t.Errorf("unbind: got %q; want %q", got, "1-1")
	}
	if got := readAttr(t, fsys, "bus/usb/drivers/usbip-host/match_busid"); got != "del 1-1" {
		t.Errorf("match_busid: got %q; want %q", got, "del 1-1")
	}
	if got := readAttr(t, fsys, "bus/usb/drivers_probe"); got != "1-1" {
		t.Errorf("drivers_probe: got %q; want %q", got, "1-1")
	}
}

func TestProductName(t *testing.T) {
	fsys := seedSysfs(t, map[string]string{
		"bus/usb/devices/1-1/product": "Test Keyboard\n",
	})
	drv := NewSysfsDriver(fsys, nil)

	if got := drv.ProductName("1-1"); got != "Test Keyboard" {
		t.Errorf("got %q; want %q", got, "Test Keyboard")
	}
	if got := drv.ProductName("2-4"); got != "2-4" {
		t.Errorf("fallback: got %q; want %q", got, "2-4")
	}
}
