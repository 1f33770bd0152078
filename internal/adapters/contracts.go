package adapters

import (
	"context"

	"go2tv.app/go2tv/v2/devices"
	"go2tv.app/go2tv/v2/soapcalls"
)

// Discovery provides LAN hardware discovery primitives.
type Discovery interface {
	LoadAllDevices(delaySeconds int) ([]devices.Device, error)
}

// DLNAPayload represents a DLNA control channel.
type DLNAPayload interface {
	SendtoTV(action string) error
	GetTransportInfo() ([]string, error)
	GetPositionInfo() ([]string, error)
	SeekSoapCall(reltime string) error
	SetContext(ctx context.Context)
	SetMediaURL(mediaURL string)
}

// DLNAFactory creates DLNA payload/controller instances.
type DLNAFactory interface {
	NewTVPayload(o *soapcalls.Options) (DLNAPayload, error)
}

// ListenResolver picks the local address a renderer can reach us on.
type ListenResolver interface {
	ListenIP(deviceURL string) (string, error)
}
