package driver

import (
	"testing"

	"github.com/spf13/afero"
)

const (
	statusHeader = "hub port sta spd dev      sockfd local_busid\n"
)

func seedFs(t *testing.T, files map[string]string) afero.Fs {
	t.Helper()
	fsys := afero.NewMemMapFs()
	for name, content := range files {
		if err := afero.WriteFile(fsys, name, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return fsys
}

func compareSlots(t *testing.T, driver VHCIDriver, expectedSlots map[int]VHCISlot) {
	slots := driver.GetDeviceSlots()
	for i, slot := range expectedSlots {
		if slots[i] != slot {
			t.Errorf("port %d: got %v; want %v", i, slots[i], slot)
		}
	}

	for i, slot := range slots {
		_, isExpected := expectedSlots[i]
		if !slot.IsEmpty() && !isExpected {
			t.Errorf("port %d: status is %d, expected null", i, slot.Status)
		}
	}
}

func TestSlotEnumeration(t *testing.T) {
	for _, tc := range []struct {
		name    string
		files   map[string]string
		slots   map[int]VHCISlot
		wantErr bool
	}{
		{
			name:    "sysfs unreadable",
			files:   map[string]string{},
			wantErr: true,
		},
		{
			name: "detect",
			files: map[string]string{
				"bus/platform/devices/vhci_hcd.0/nports": "4\n",
				"bus/platform/devices/vhci_hcd.0/status": statusHeader +
					"hs  0000 006 002 00010002 000010 2-1\n" +
					"hs  0001 004 000 00000000 000000 0-0\n" +
					"hs  0002 004 000 00000000 000000 0-0\n" +
					"ss  0003 006 002 00080002 000011 2-2\n",
				"bus/usb/devices/2-1/idVendor":  "dead\n",
				"bus/usb/devices/2-1/idProduct": "beef\n",
				"bus/usb/devices/2-1/busnum":    "02\n",
				"bus/usb/devices/2-1/devnum":    "33\n",
				"bus/usb/devices/2-2/idVendor":  "dead\n",
				"bus/usb/devices/2-2/idProduct": "beef\n",
				"bus/usb/devices/2-2/busnum":    "02\n",
				"bus/usb/devices/2-2/devnum":    "34\n",
			},
			slots: map[int]VHCISlot{
				0: {
					HubSpeed:        HubSpeedHigh,
					Port:            VirtualPort(0),
					Status:          VDevStatusUsed,
					DeviceID:        0x00010002,
					SysPath:         "bus/usb/devices/2-1",
					DevMountPath:    "/dev/bus/usb/002/033",
					LocalDeviceInfo: USBDevice{USBID(0xdead), USBID(0xbeef), "2-1"},
				},
				3: {
					HubSpeed:        HubSpeedSuper,
					Port:            VirtualPort(3),
					Status:          VDevStatusUsed,
					DeviceID:        0x00080002,
					SysPath:         "bus/usb/devices/2-2",
					DevMountPath:    "/dev/bus/usb/002/034",
					LocalDeviceInfo: USBDevice{USBID(0xdead), USBID(0xbeef), "2-2"},
				},
			},
		},
		{
			name: "handle partially missing data",
			files: map[string]string{
				"bus/platform/devices/vhci_hcd.0/nports": "4\n",
				"bus/platform/devices/vhci_hcd.0/status": statusHeader +
					"hs  0000 006 002 00010002 000010 2-1\n" +
					"hs  0001 004 000 00000000 000000 0-0\n" +
					"hs  0002 004 000 00000000 000000 0-0\n" +
					"ss  0003 006 002 00080002 000011 2-2\n",
				"bus/usb/devices/2-1/idVendor":  "dead\n",
				"bus/usb/devices/2-1/idProduct": "beef\n",
				"bus/usb/devices/2-1/busnum":    "02\n",
				"bus/usb/devices/2-1/devnum":    "33\n",
				"bus/usb/devices/2-2/idVendor":  "dead\n",
				"bus/usb/devices/2-2/idProduct": "beef\n",
			},
			wantErr: true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			driver, err := NewSysfsVHCIDriver(seedFs(t, tc.files), nil)
			if (err != nil) != tc.wantErr {
				t.Errorf("expected error: %v; got %v", tc.wantErr, err)
			}
			if err != nil {
				return
			}
			compareSlots(t, driver, tc.slots)
		})
	}
}

func occupiedSysfs(t *testing.T) afero.Fs {
	return seedFs(t, map[string]string{
		"bus/platform/devices/vhci_hcd.0/nports": "4\n",
		"bus/platform/devices/vhci_hcd.0/status": statusHeader +
			"hs  0000 006 002 00010002 000010 2-1\n" +
			"hs  0001 004 000 00000000 000000 0-0\n" +
			"hs  0002 004 000 00000000 000000 0-0\n" +
			"ss  0003 006 002 00080002 000011 2-2\n",
		"bus/usb/devices/2-1/idVendor":  "dead\n",
		"bus/usb/devices/2-1/idProduct": "beef\n",
		"bus/usb/devices/2-1/busnum":    "02\n",
		"bus/usb/devices/2-1/devnum":    "33\n",
		"bus/usb/devices/2-2/idVendor":  "dead\n",
		"bus/usb/devices/2-2/idProduct": "beef\n",
		"bus/usb/devices/2-2/busnum":    "02\n",
		"bus/usb/devices/2-2/devnum":    "34\n",
	})
}

func TestDetachUpdate(t *testing.T) {
	fsys := occupiedSysfs(t)

	driver, err := NewSysfsVHCIDriver(fsys, nil)
	if err != nil {
		t.Fatal(err)
	}

	err = afero.WriteFile(fsys, "bus/platform/devices/vhci_hcd.0/status", []byte(
		statusHeader+
			"hs  0000 006 002 00010002 000010 2-1\n"+
			"hs  0001 004 000 00000000 000000 0-0\n"+
			"hs  0002 004 000 00000000 000000 0-0\n"+
			"ss  0003 004 000 00080000 000000 0-0\n",
	), 0o644)
	if err != nil {
		t.Fatal(err)
	}

	err = driver.UpdateAttachedDevices()
	if err != nil {
		t.Fatal(err)
	}

	expectedSlots := map[int]VHCISlot{
		0: {
			HubSpeed:        HubSpeedHigh,
			Port:            VirtualPort(0),
			Status:          VDevStatusUsed,
			DeviceID:        0x00010002,
			SysPath:         "bus/usb/devices/2-1",
			DevMountPath:    "/dev/bus/usb/002/033",
			LocalDeviceInfo: USBDevice{USBID(0xdead), USBID(0xbeef), "2-1"},
		},
	}

	compareSlots(t, driver, expectedSlots)
}

func TestAttachUpdate(t *testing.T) {
	fsys := seedFs(t, map[string]string{
		"bus/platform/devices/vhci_hcd.0/nports": "4\n",
		"bus/platform/devices/vhci_hcd.0/status": statusHeader +
			"hs  0000 006 002 00010002 000010 2-1\n" +
			"hs  0001 004 000 00000000 000000 0-0\n" +
			"hs  0002 004 000 00000000 000000 0-0\n" +
			"ss  0003 004 000 00080000 000000 0-0\n",
		"bus/usb/devices/2-1/idVendor":  "dead\n",
		"bus/usb/devices/2-1/idProduct": "beef\n",
		"bus/usb/devices/2-1/busnum":    "02\n",
		"bus/usb/devices/2-1/devnum":    "33\n",
	})

	driver, err := NewSysfsVHCIDriver(fsys, nil)
	if err != nil {
		t.Fatal(err)
	}

	for name, content := range map[string]string{
		"bus/platform/devices/vhci_hcd.0/status": statusHeader +
			"hs  0000 006 002 00010002 000010 2-1\n" +
			"hs  0001 004 000 00000000 000000 0-0\n" +
			"hs  0002 004 000 00000000 000000 0-0\n" +
			"ss  0003 006 002 00080002 000011 2-2\n",
		"bus/usb/devices/2-2/idVendor":  "dead\n",
		"bus/usb/devices/2-2/idProduct": "beef\n",
		"bus/usb/devices/2-2/busnum":    "02\n",
		"bus/usb/devices/2-2/devnum":    "34\n",
	} {
		if err := afero.WriteFile(fsys, name, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	err = driver.UpdateAttachedDevices()
	if err != nil {
		t.Fatal(err)
	}

	expectedSlots := map[int]VHCISlot{
		0: {
			HubSpeed:        HubSpeedHigh,
			Port:            VirtualPort(0),
			Status:          VDevStatusUsed,
			DeviceID:        0x00010002,
			SysPath:         "bus/usb/devices/2-1",
			DevMountPath:    "/dev/bus/usb/002/033",
			LocalDeviceInfo: USBDevice{USBID(0xdead), USBID(0xbeef), "2-1"},
		},
		3: {
			HubSpeed:        HubSpeedSuper,
			Port:            VirtualPort(3),
			Status:          VDevStatusUsed,
			DeviceID:        0x00080002,
			SysPath:         "bus/usb/devices/2-2",
			DevMountPath:    "/dev/bus/usb/002/034",
			LocalDeviceInfo: USBDevice{USBID(0xdead), USBID(0xbeef), "2-2"},
		},
	}

	compareSlots(t, driver, expectedSlots)
}

func TestDetachWritesPortNumber(t *testing.T) {
	fsys := occupiedSysfs(t)
	if err := afero.WriteFile(fsys, "bus/platform/devices/vhci_hcd.0/detach", nil, 0o644); err != nil {
		t.Fatal(err)
	}

	driver, err := NewSysfsVHCIDriver(fsys, nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := driver.DetachDevice(VirtualPort(3)); err != nil {
		t.Fatal(err)
	}
	content, err := afero.ReadFile(fsys, "bus/platform/devices/vhci_hcd.0/detach")
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != "3" {
		t.Errorf("detach attribute: got %q; want %q", content, "3")
	}
}

func TestDetachRejectsOutOfRangePort(t *testing.T) {
	fsys := occupiedSysfs(t)
	if err := afero.WriteFile(fsys, "bus/platform/devices/vhci_hcd.0/detach", nil, 0o644); err != nil {
		t.Fatal(err)
	}

	driver, err := NewSysfsVHCIDriver(fsys, nil)
	if err != nil {
		t.Fatal(err)
	}

	// the controller has 4 ports, so port 4 is already out of range
	if err := driver.DetachDevice(VirtualPort(4)); err == nil {
		t.Error("expected error for out-of-range port")
	}
	content, err := afero.ReadFile(fsys, "bus/platform/devices/vhci_hcd.0/detach")
	if err != nil {
		t.Fatal(err)
	}
	if len(content) != 0 {
		t.Errorf("detach attribute written despite invalid port: %q", content)
	}
}
