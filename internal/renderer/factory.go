package renderer

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"go2tv.app/loopcast/internal/adapters"
	"go2tv.app/loopcast/internal/domain"
)

// Factory builds Clients with the dialect matching a device's type.
type Factory struct {
	DLNA       adapters.DLNAFactory
	HTTPClient *http.Client
	Monitor    MonitorConfig
	Retry      RetryConfig
	Logger     *zerolog.Logger
}

func (f Factory) New(info domain.DeviceInfo, onProgress func(domain.PlaybackProgress)) (*Client, error) {
	endpoint := strings.TrimSpace(info.ActionEndpoint)
	if endpoint == "" {
		return nil, domain.NewError(domain.CodeInvalidArgument, "device %s has no action endpoint", info.Name)
	}

	var dialect Dialect
	switch strings.ToLower(info.Type) {
	case domain.TypeAVTransport:
		dialect = newSOAPDialect(endpoint, f.HTTPClient)
	case domain.TypeDLNA, "":
		if f.DLNA == nil {
			return nil, domain.NewError(domain.CodeProtocolError, "no DLNA backend configured for %s", info.Name)
		}
		dialect = newDLNADialect(endpoint, f.DLNA)
	default:
		return nil, domain.NewError(domain.CodeProtocolError, "unsupported device type %q", info.Type)
	}

	return NewClient(Options{
		DeviceName: info.Name,
		Dialect:    dialect,
		Monitor:    f.Monitor,
		Retry:      f.Retry,
		OnProgress: onProgress,
		Logger:     f.Logger,
	}), nil
}
