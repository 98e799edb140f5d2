// Package device holds the immutable UPnP device and service model,
// built at startup from the embedded description documents.
package device

import (
	"embed"
	"encoding/xml"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

//go:embed data/device.xml data/RenderingControl.xml data/ConnectionManager.xml data/AVTransport.xml data/sink.txt data/icon.png
var dataFS embed.FS

// DeviceType is the advertised UPnP device type.
const DeviceType = "urn:schemas-upnp-org:device:MediaRenderer:1"

// ServerName identifies this renderer in Server headers, on both the
// discovery and the request side.
const ServerName = "dmrender"

// Fixed routing paths, matching the embedded device document.
const (
	DescriptionPath = "/D_S"
	IconPath        = "/icon.png"
)

// Argument directions.
const (
	DirIn  = "in"
	DirOut = "out"
)

// Argument describes one action argument and the constraints inherited
// from its related state variable.
type Argument struct {
	Name      string
	Direction string
	DataType  string
	Eventable bool
	Allowed   []string
	Default   *string
}

// Action is an immutable action schema: arguments in SCPD order.
type Action struct {
	Name      string
	Arguments []Argument
}

// In returns the in-arguments in declaration order.
func (a *Action) In() []Argument {
	var out []Argument
	for _, arg := range a.Arguments {
		if arg.Direction == DirIn {
			out = append(out, arg)
		}
	}
	return out
}

// Out returns the out-arguments in declaration order.
func (a *Action) Out() []Argument {
	var out []Argument
	for _, arg := range a.Arguments {
		if arg.Direction == DirOut {
			out = append(out, arg)
		}
	}
	return out
}

// Service is one of the renderer's three UPnP services.
type Service struct {
	Type        string
	ID          string
	ControlPath string
	EventPath   string
	ScpdPath    string

	// LastChange services wrap event properties in a LastChange
	// envelope instead of a flat propertyset.
	LastChange bool

	Scpd    []byte
	Actions []*Action

	byName map[string]*Action
}

// Action looks an action schema up by name.
func (s *Service) Action(name string) (*Action, bool) {
	a, ok := s.byName[name]
	return a, ok
}

// ShortName is the service type without the urn prefix and version.
func (s *Service) ShortName() string {
	parts := strings.Split(s.Type, ":")
	if len(parts) < 2 {
		return s.Type
	}
	return parts[len(parts)-2]
}

// Device is the complete renderer model. Read-only after New.
type Device struct {
	Name     string
	UDN      string
	Sink     string
	Icon     []byte
	Services []*Service

	description []byte
}

// UDNFor derives the stable device id for a renderer name.
func UDNFor(name string) string {
	return "uuid:" + uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}

type scpdSource struct {
	typ, id, file        string
	control, event, scpd string
	lastChange           bool
}

var scpdSources = []scpdSource{
	{
		typ: "urn:schemas-upnp-org:service:RenderingControl:1", id: "urn:upnp-org:serviceId:RenderingControl",
		file: "data/RenderingControl.xml", control: "/RC_C", event: "/RC_E", scpd: "/RC_S", lastChange: true,
	},
	{
		typ: "urn:schemas-upnp-org:service:ConnectionManager:1", id: "urn:upnp-org:serviceId:ConnectionManager",
		file: "data/ConnectionManager.xml", control: "/CM_C", event: "/CM_E", scpd: "/CM_S",
	},
	{
		typ: "urn:schemas-upnp-org:service:AVTransport:1", id: "urn:upnp-org:serviceId:AVTransport",
		file: "data/AVTransport.xml", control: "/AVT_C", event: "/AVT_E", scpd: "/AVT_S", lastChange: true,
	},
}

// New builds the device model for the given friendly name.
func New(name string) (*Device, error) {
	dev := &Device{
		Name: name,
		UDN:  UDNFor(name),
	}

	sink, err := dataFS.ReadFile("data/sink.txt")
	if err != nil {
		return nil, errors.Wrap(err, "New read sink")
	}
	dev.Sink = strings.TrimSpace(string(sink))

	dev.Icon, err = dataFS.ReadFile("data/icon.png")
	if err != nil {
		return nil, errors.Wrap(err, "New read icon")
	}

	desc, err := dataFS.ReadFile("data/device.xml")
	if err != nil {
		return nil, errors.Wrap(err, "New read description")
	}
	subst := strings.NewReplacer(
		"##NAME##", xmlEscape(name),
		"##UDN##", dev.UDN,
	)
	dev.description = []byte(subst.Replace(string(desc)))

	for _, src := range scpdSources {
		raw, err := dataFS.ReadFile(src.file)
		if err != nil {
			return nil, errors.Wrapf(err, "New read %s", src.file)
		}
		actions, err := parseSCPD(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "New parse %s", src.file)
		}
		svc := &Service{
			Type:        src.typ,
			ID:          src.id,
			ControlPath: src.control,
			EventPath:   src.event,
			ScpdPath:    src.scpd,
			LastChange:  src.lastChange,
			Scpd:        raw,
			Actions:     actions,
			byName:      make(map[string]*Action, len(actions)),
		}
		for _, a := range actions {
			svc.byName[a.Name] = a
		}
		dev.Services = append(dev.Services, svc)
	}
	return dev, nil
}

// Description returns the device document with name and UDN filled in.
// The bytes are stable across calls.
func (d *Device) Description() []byte {
	return d.description
}

// ServiceByType matches on the full service type urn.
func (d *Device) ServiceByType(typ string) *Service {
	for _, s := range d.Services {
		if s.Type == typ {
			return s
		}
	}
	return nil
}

// ServiceByControlPath routes a SOAP POST path to its service.
func (d *Device) ServiceByControlPath(path string) *Service {
	for _, s := range d.Services {
		if s.ControlPath == path {
			return s
		}
	}
	return nil
}

// ServiceByEventPath routes a SUBSCRIBE path to its service.
func (d *Device) ServiceByEventPath(path string) *Service {
	for _, s := range d.Services {
		if s.EventPath == path {
			return s
		}
	}
	return nil
}

// ServiceByScpdPath routes a description GET to its service.
func (d *Device) ServiceByScpdPath(path string) *Service {
	for _, s := range d.Services {
		if s.ScpdPath == path {
			return s
		}
	}
	return nil
}

type xmlSCPD struct {
	Actions []struct {
		Name      string `xml:"name"`
		Arguments []struct {
			Name       string `xml:"name"`
			Direction  string `xml:"direction"`
			RelatedVar string `xml:"relatedStateVariable"`
		} `xml:"argumentList>argument"`
	} `xml:"actionList>action"`
	Variables []struct {
		Name       string   `xml:"name"`
		SendEvents string   `xml:"sendEvents,attr"`
		DataType   string   `xml:"dataType"`
		Default    *string  `xml:"defaultValue"`
		Allowed    []string `xml:"allowedValueList>allowedValue"`
	} `xml:"serviceStateTable>stateVariable"`
}

func parseSCPD(raw []byte) ([]*Action, error) {
	var doc xmlSCPD
	if err := xml.Unmarshal(raw, &doc); err != nil {
		return nil, errors.Wrap(err, "parseSCPD unmarshal")
	}

	type varInfo struct {
		dataType  string
		eventable bool
		allowed   []string
		def       *string
	}
	vars := make(map[string]varInfo, len(doc.Variables))
	for _, v := range doc.Variables {
		vars[v.Name] = varInfo{
			dataType:  v.DataType,
			eventable: strings.EqualFold(v.SendEvents, "yes"),
			allowed:   v.Allowed,
			def:       v.Default,
		}
	}

	actions := make([]*Action, 0, len(doc.Actions))
	for _, xa := range doc.Actions {
		act := &Action{Name: xa.Name}
		for _, xarg := range xa.Arguments {
			v, ok := vars[xarg.RelatedVar]
			if !ok {
				return nil, errors.Errorf("parseSCPD action %s references unknown variable %s", xa.Name, xarg.RelatedVar)
			}
			act.Arguments = append(act.Arguments, Argument{
				Name:      xarg.Name,
				Direction: strings.ToLower(xarg.Direction),
				DataType:  v.dataType,
				Eventable: v.eventable,
				Allowed:   v.allowed,
				Default:   v.def,
			})
		}
		actions = append(actions, act)
	}
	return actions, nil
}

func xmlEscape(s string) string {
	r := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		`"`, "&quot;",
		"'", "&apos;",
	)
	return r.Replace(s)
}
