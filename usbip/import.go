package usbip

import (
	"encoding/binary"
	"time"

	"github.com/efficientgo/core/errors"

	"github.com/MatthiasValvekens/usbip-orchestrator/driver"
)

const (
	waitForDeviceReadyStep     = 500 * time.Millisecond
	waitForDeviceReadyAttempts = 5
)

type usbipImportRequest struct {
	usbipHeader
	BusId [32]byte
}

type usbipImportResponse struct {
	usbipHeader
	DeviceDescription
}

func (c *Connection) ImportRequest(busId string) (*DeviceDescription, error) {
	var now = time.Now()
	var busIdBin [32]byte
	copy(busIdBin[:], busId)

	conn := c.connection

	err := conn.SetReadDeadline(now.Add(5 * time.Second))
	if err != nil {
		return nil, err
	}

	err = binary.Write(
		conn, binary.BigEndian,
		usbipImportRequest{
			usbipHeader{protocolVersion, opReqImport, 0},
			busIdBin,
		},
	)

	if err != nil {
		return nil, errors.Wrap(err, "failed to write import command")
	}

	resp := usbipImportResponse{}
	err = binary.Read(conn, binary.BigEndian, &resp)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read import response")
	}
	if resp.Status != 0 {
		return nil, errors.New("import command returned error")
	}

	if resp.BusId != busIdBin {
		return nil, errors.New("import command returned unexpected busId")
	}

	return &resp.DeviceDescription, nil
}

// Import fetches busId from the remote export and plugs it into a free
// VHCI port. The kernel takes over the socket; the returned record ties the
// remote bus id to the local port for later detaching.
func Import(busId string, t Target, vhci driver.VHCIDriver) (*AttachedDevice, error) {
	c, err := t.Dial()
	if err != nil {
		return nil, err
	}

	defer c.Close()

	resp, err := c.ImportRequest(busId)
	if err != nil {
		return nil, err
	}

	port, err := attachImported(c, *resp, vhci)
	if err != nil {
		return nil, errors.Wrap(err, "failed to attach imported device")
	}
	var slot *driver.VHCISlot
	for i := 0; i < waitForDeviceReadyAttempts; i++ {
		if err = vhci.UpdateAttachedDevices(); err != nil {
			break
		}
		if slot, err = driver.DescribeAttached(port, vhci); err == nil {
			break
		}
		time.Sleep(waitForDeviceReadyStep)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to describe attached device")
	}
	attachedDev := &AttachedDevice{
		USBDevice: driver.USBDevice{
			Vendor:  driver.USBID(resp.Vendor),
			Product: driver.USBID(resp.Product),
			BusId:   busId,
		},
		Target:       c.Target,
		Port:         port,
		DevMountPath: slot.DevMountPath,
	}

	return attachedDev, nil
}

// Detach frees the VHCI port and waits for the kernel to report it empty.
func Detach(port driver.VirtualPort, vhci driver.VHCIDriver) error {
	err := vhci.DetachDevice(port)
	if err != nil {
		return err
	}

	for i := 0; i < waitForDeviceReadyAttempts; i++ {
		if err = vhci.UpdateAttachedDevices(); err != nil {
			break
		}
		slots := vhci.GetDeviceSlots()
		if int(port) >= len(slots) || slots[port].IsEmpty() {
			break
		}
		time.Sleep(waitForDeviceReadyStep)
	}
	return err
}

func attachImported(c *Connection, resp DeviceDescription, vhci driver.VHCIDriver) (driver.VirtualPort, error) {
	port, err := vhci.AttachDevice(
		c.TCP(),
		resp.BusNum<<16|resp.DevNum,
		driver.USBDeviceSpeed(resp.Speed),
	)
	if err != nil {
		return driver.VirtualPort(0), err
	}

	return port, err
}
