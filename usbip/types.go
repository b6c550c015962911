package usbip

import (
	"github.com/MatthiasValvekens/usbip-orchestrator/driver"
)

// USBID is a representation of a platform or vendor ID under the USB standard (see gousb.ID)
type USBID uint16

type Target struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type Device struct {
	// Vendor is the USB Vendor ID of the device.
	Vendor USBID `json:"vendor"`
	// Product is the USB Product ID of the device.
	Product USBID `json:"product"`
	// BusId describes USB Bus ID of the device.
	BusId string `json:"bus_id"`
}

type AttachedDevice struct {
	driver.USBDevice
	Target       Target             `json:"target"`
	Port         driver.VirtualPort `json:"vhc_port"`
	DevMountPath string             `json:"dev_mount_path"`
}

// DeviceDescription is the on-the-wire device record shared by the devlist
// and import replies of the USB/IP protocol.
type DeviceDescription struct {
	Path                     [256]byte
	BusId                    [32]byte
	BusNum                   uint32
	DevNum                   uint32
	Speed                    uint32
	Vendor                   uint16
	Product                  uint16
	BCDDevice                uint16
	DeviceClass              uint8
	DeviceSubClass           uint8
	DeviceProtocol           uint8
	DeviceConfigurationValue uint8
	NumConfigurations        uint8
	NumInterfaces            uint8
}

type usbipHeader struct {
	Version uint16
	Code    uint16
	Status  uint32
}

const (
	protocolVersion uint16 = 0x0111
	opReqDevlist    uint16 = 0x8005
	opReqImport     uint16 = 0x8003
)
