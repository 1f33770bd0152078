package go2tv

import (
	"context"
	"fmt"
	"net"

	"go2tv.app/go2tv/v2/devices"
	"go2tv.app/go2tv/v2/soapcalls"
	"go2tv.app/go2tv/v2/utils"

	"go2tv.app/loopcast/internal/adapters"
)

// Bundle wires all external go2tv-backed adapters in one place.
type Bundle struct {
	Discovery      adapters.Discovery
	DLNAFactory    adapters.DLNAFactory
	ListenResolver adapters.ListenResolver
}

func NewBundle() Bundle {
	return Bundle{
		Discovery:      DiscoveryAdapter{},
		DLNAFactory:    DLNAFactory{},
		ListenResolver: ListenResolver{},
	}
}

type DiscoveryAdapter struct{}

func (DiscoveryAdapter) LoadAllDevices(delaySeconds int) ([]devices.Device, error) {
	return devices.LoadAllDevices(delaySeconds)
}

type DLNAFactory struct{}

func (DLNAFactory) NewTVPayload(o *soapcalls.Options) (adapters.DLNAPayload, error) {
	payload, err := soapcalls.NewTVPayload(o)
	if err != nil {
		return nil, err
	}

	return &DLNAPayloadAdapter{payload: payload}, nil
}

type DLNAPayloadAdapter struct {
	payload *soapcalls.TVPayload
}

func (d *DLNAPayloadAdapter) SendtoTV(action string) error {
	return d.payload.SendtoTV(action)
}

func (d *DLNAPayloadAdapter) GetTransportInfo() ([]string, error) {
	return d.payload.GetTransportInfo()
}

func (d *DLNAPayloadAdapter) GetPositionInfo() ([]string, error) {
	return d.payload.GetPositionInfo()
}

func (d *DLNAPayloadAdapter) SeekSoapCall(reltime string) error {
	return d.payload.SeekSoapCall(reltime)
}

func (d *DLNAPayloadAdapter) SetContext(ctx context.Context) {
	d.payload.SetContext(ctx)
}

func (d *DLNAPayloadAdapter) SetMediaURL(mediaURL string) {
	d.payload.MediaURL = mediaURL
}

type ListenResolver struct{}

// ListenIP returns the local interface address that routes to deviceURL.
func (ListenResolver) ListenIP(deviceURL string) (string, error) {
	hostPort, err := utils.URLtoListenIPandPort(deviceURL)
	if err != nil {
		return "", err
	}
	host, _, err := net.SplitHostPort(hostPort)
	if err != nil {
		return "", fmt.Errorf("split listen address %q: %w", hostPort, err)
	}
	return host, nil
}

var (
	_ adapters.Discovery      = DiscoveryAdapter{}
	_ adapters.DLNAFactory    = DLNAFactory{}
	_ adapters.DLNAPayload    = (*DLNAPayloadAdapter)(nil)
	_ adapters.ListenResolver = ListenResolver{}
)
