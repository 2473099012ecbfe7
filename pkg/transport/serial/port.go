package serial

import (
	"io"
	"path/filepath"
	"time"

	bugst "go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// Port is the subset of a serial port used by Link.
type Port interface {
	io.ReadWriteCloser
	// SetReadTimeout makes Read return (0, nil) when nothing arrives in time.
	SetReadTimeout(time.Duration) error
	// ResetInputBuffer discards received but unread bytes.
	ResetInputBuffer() error
	// Drain waits until written bytes are transmitted.
	Drain() error
}

// PortInfo describes an enumerated port.
type PortInfo struct {
	Device       string
	SerialNumber string
}

// OpenFunc opens device at the given baud rate.
type OpenFunc func(device string, baudRate int) (Port, error)

// ListFunc enumerates the ports present on the system.
type ListFunc func() ([]PortInfo, error)

// OpenPort opens a real serial port in 8N1 mode.
func OpenPort(device string, baudRate int) (Port, error) {
	port, err := bugst.Open(device, &bugst.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   bugst.NoParity,
		StopBits: bugst.OneStopBit,
	})
	if err != nil {
		return nil, err
	}
	return port, nil
}

// ListPorts enumerates USB serial ports with their serial numbers.
func ListPorts() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, err
	}
	ports := make([]PortInfo, 0, len(details))
	for _, d := range details {
		info := PortInfo{Device: d.Name}
		if d.IsUSB {
			info.SerialNumber = d.SerialNumber
		}
		ports = append(ports, info)
	}
	return ports, nil
}

// FindPort returns the device whose serial number is sn, or "".
func FindPort(ports []PortInfo, sn string) string {
	if sn == "" {
		return ""
	}
	for _, p := range ports {
		if p.SerialNumber == sn {
			return p.Device
		}
	}
	return ""
}

// SerialNumberOf returns the serial number of device, or "".
// device may be a symlink like /dev/serial/by-id/...
func SerialNumberOf(ports []PortInfo, device string) string {
	resolved, err := filepath.EvalSymlinks(device)
	if err != nil {
		resolved = device
	}
	for _, p := range ports {
		if p.Device == device || p.Device == resolved {
			return p.SerialNumber
		}
	}
	return ""
}
