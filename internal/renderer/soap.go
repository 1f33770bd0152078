package renderer

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/hashicorp/go-cleanhttp"

	"go2tv.app/loopcast/internal/media"
)

const (
	avTransportService = "urn:schemas-upnp-org:service:AVTransport:1"
	maxSOAPResponse    = 1 << 20
)

// soapDialect speaks AVTransport:1 directly against a control URL.
type soapDialect struct {
	controlURL string
	client     *http.Client
}

func newSOAPDialect(controlURL string, client *http.Client) *soapDialect {
	if client == nil {
		client = cleanhttp.DefaultPooledClient()
	}
	return &soapDialect{controlURL: controlURL, client: client}
}

type soapArg struct {
	name  string
	value string
}

// SOAPError is a UPnP fault or non-2xx answer from the control endpoint.
type SOAPError struct {
	Action     string
	StatusCode int
	Code       string
	Message    string
}

func (e *SOAPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s failed: upnp error %s %s", e.Action, e.Code, e.Message)
	}
	return fmt.Sprintf("%s failed: http status %d", e.Action, e.StatusCode)
}

func (d *soapDialect) SetURI(ctx context.Context, mediaURL string) error {
	_, err := d.call(ctx, "SetAVTransportURI",
		soapArg{"CurrentURI", mediaURL},
		soapArg{"CurrentURIMetaData", didlLite(mediaURL)},
	)
	return err
}

func (d *soapDialect) Play(ctx context.Context) error {
	_, err := d.call(ctx, "Play", soapArg{"Speed", "1"})
	return err
}

func (d *soapDialect) Stop(ctx context.Context) error {
	_, err := d.call(ctx, "Stop")
	return err
}

func (d *soapDialect) Pause(ctx context.Context) error {
	_, err := d.call(ctx, "Pause")
	return err
}

func (d *soapDialect) Seek(ctx context.Context, target string) error {
	_, err := d.call(ctx, "Seek", soapArg{"Unit", "REL_TIME"}, soapArg{"Target", target})
	return err
}

func (d *soapDialect) TransportInfo(ctx context.Context) (TransportInfo, error) {
	out, err := d.call(ctx, "GetTransportInfo")
	if err != nil {
		return TransportInfo{}, err
	}
	return TransportInfo{
		State:  normalizeDLNAState(out["CurrentTransportState"]),
		Status: out["CurrentTransportStatus"],
	}, nil
}

func (d *soapDialect) PositionInfo(ctx context.Context) (PositionInfo, error) {
	out, err := d.call(ctx, "GetPositionInfo")
	if err != nil {
		return PositionInfo{}, err
	}
	info := PositionInfo{}
	info.Duration, _ = parseClock(out["TrackDuration"])
	info.Position, _ = parseClock(out["RelTime"])
	return info, nil
}

func (d *soapDialect) call(ctx context.Context, action string, args ...soapArg) (map[string]string, error) {
	body := soapEnvelope(action, args)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.controlURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", action, err)
	}
	req.Header.Set("Content-Type", `text/xml; charset="utf-8"`)
	req.Header.Set("SOAPAction", fmt.Sprintf(`"%s#%s"`, avTransportService, action))

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxSOAPResponse))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", action, err)
	}
	fields := soapFields(raw)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &SOAPError{
			Action:     action,
			StatusCode: resp.StatusCode,
			Code:       fields["errorCode"],
			Message:    fields["errorDescription"],
		}
	}
	return fields, nil
}

func soapEnvelope(action string, args []soapArg) []byte {
	var b bytes.Buffer
	b.WriteString(`<?xml version="1.0" encoding="utf-8"?>`)
	b.WriteString(`<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/"><s:Body>`)
	fmt.Fprintf(&b, `<u:%s xmlns:u="%s"><InstanceID>0</InstanceID>`, action, avTransportService)
	for _, arg := range args {
		fmt.Fprintf(&b, "<%s>", arg.name)
		_ = xml.EscapeText(&b, []byte(arg.value))
		fmt.Fprintf(&b, "</%s>", arg.name)
	}
	fmt.Fprintf(&b, `</u:%s></s:Body></s:Envelope>`, action)
	return b.Bytes()
}

// soapFields flattens the leaf elements of a SOAP response into a map keyed
// by local name. Malformed documents yield whatever was read before the error.
func soapFields(raw []byte) map[string]string {
	out := map[string]string{}
	dec := xml.NewDecoder(bytes.NewReader(raw))
	var (
		current string
		text    strings.Builder
	)
	for {
		tok, err := dec.Token()
		if err != nil {
			return out
		}
		switch t := tok.(type) {
		case xml.StartElement:
			current = t.Name.Local
			text.Reset()
		case xml.CharData:
			if current != "" {
				text.Write(t)
			}
		case xml.EndElement:
			if current == t.Name.Local {
				out[current] = strings.TrimSpace(text.String())
			}
			current = ""
		}
	}
}

func didlLite(mediaURL string) string {
	name := mediaURL
	if u, err := url.Parse(mediaURL); err == nil {
		name = path.Base(u.Path)
	}
	var title, res bytes.Buffer
	_ = xml.EscapeText(&title, []byte(strings.TrimSuffix(name, path.Ext(name))))
	_ = xml.EscapeText(&res, []byte(mediaURL))

	class := "object.item.videoItem"
	switch {
	case strings.HasPrefix(media.ContentType(name), "audio/"):
		class = "object.item.audioItem.musicTrack"
	case strings.HasPrefix(media.ContentType(name), "image/"):
		class = "object.item.imageItem.photo"
	}

	return `<DIDL-Lite xmlns="urn:schemas-upnp-org:metadata-1-0/DIDL-Lite/" xmlns:dc="http://purl.org/dc/elements/1.1/" xmlns:upnp="urn:schemas-upnp-org:metadata-1-0/upnp/">` +
		`<item id="0" parentID="-1" restricted="1">` +
		`<dc:title>` + title.String() + `</dc:title>` +
		`<upnp:class>` + class + `</upnp:class>` +
		`<res protocolInfo="` + media.ProtocolInfo(name) + `">` + res.String() + `</res>` +
		`</item></DIDL-Lite>`
}
