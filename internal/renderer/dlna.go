package renderer

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"
	"sync"

	"go2tv.app/go2tv/v2/soapcalls"

	"go2tv.app/loopcast/internal/adapters"
	"go2tv.app/loopcast/internal/media"
)

// dlnaDialect drives a renderer through go2tv's SOAP payload. The endpoint
// is the device description URL; go2tv resolves the AVTransport control URL
// from it when the payload is built.
type dlnaDialect struct {
	endpoint string
	factory  adapters.DLNAFactory

	mu         sync.Mutex
	payload    adapters.DLNAPayload
	payloadURL string
	pending    bool
}

func newDLNADialect(endpoint string, factory adapters.DLNAFactory) *dlnaDialect {
	return &dlnaDialect{endpoint: endpoint, factory: factory}
}

func (d *dlnaDialect) SetURI(ctx context.Context, mediaURL string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.payload == nil || d.payloadURL != mediaURL {
		payload, err := d.factory.NewTVPayload(&soapcalls.Options{
			Ctx:   ctx,
			DMR:   d.endpoint,
			Media: mediaURL,
			Mtype: mimeForURL(mediaURL),
			Seek:  true,
		})
		if err != nil {
			return fmt.Errorf("initialize DLNA payload: %w", err)
		}
		d.payload = payload
		d.payloadURL = mediaURL
	}
	d.payload.SetMediaURL(mediaURL)
	// go2tv sends SetAVTransportURI and Play together as Play1.
	d.pending = true
	return nil
}

func (d *dlnaDialect) Play(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	payload, err := d.payloadLocked(ctx)
	if err != nil {
		return err
	}
	action := "Play"
	if d.pending {
		action = "Play1"
	}
	if err := payload.SendtoTV(action); err != nil {
		return err
	}
	d.pending = false
	return nil
}

func (d *dlnaDialect) Stop(ctx context.Context) error {
	return d.send(ctx, "Stop")
}

func (d *dlnaDialect) Pause(ctx context.Context) error {
	return d.send(ctx, "Pause")
}

func (d *dlnaDialect) Seek(ctx context.Context, target string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	payload, err := d.payloadLocked(ctx)
	if err != nil {
		return err
	}
	return payload.SeekSoapCall(target)
}

func (d *dlnaDialect) TransportInfo(ctx context.Context) (TransportInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	payload, err := d.payloadLocked(ctx)
	if err != nil {
		return TransportInfo{}, err
	}
	fields, err := payload.GetTransportInfo()
	if err != nil {
		return TransportInfo{}, err
	}
	info := TransportInfo{}
	if len(fields) > 0 {
		info.State = normalizeDLNAState(fields[0])
	}
	if len(fields) > 1 {
		info.Status = strings.TrimSpace(fields[1])
	}
	return info, nil
}

func (d *dlnaDialect) PositionInfo(ctx context.Context) (PositionInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	payload, err := d.payloadLocked(ctx)
	if err != nil {
		return PositionInfo{}, err
	}
	fields, err := payload.GetPositionInfo()
	if err != nil {
		return PositionInfo{}, err
	}
	info := PositionInfo{}
	if len(fields) > 0 {
		info.Duration, _ = parseClock(fields[0])
	}
	if len(fields) > 1 {
		info.Position, _ = parseClock(fields[1])
	}
	return info, nil
}

func (d *dlnaDialect) send(ctx context.Context, action string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	payload, err := d.payloadLocked(ctx)
	if err != nil {
		return err
	}
	return payload.SendtoTV(action)
}

func (d *dlnaDialect) payloadLocked(ctx context.Context) (adapters.DLNAPayload, error) {
	if d.payload == nil {
		return nil, fmt.Errorf("no media set on %s", d.endpoint)
	}
	d.payload.SetContext(ctx)
	return d.payload, nil
}

func mimeForURL(mediaURL string) string {
	name := mediaURL
	if u, err := url.Parse(mediaURL); err == nil {
		name = u.Path
	}
	return media.ContentType(path.Base(name))
}
