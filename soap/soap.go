// Package soap implements the SOAP control codec and the DIDL-Lite
// metadata handling used by the control points.
package soap

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
)

// Arg is one named SOAP argument. Order matters, so arguments travel
// as slices, never maps.
type Arg struct {
	Name  string
	Value string
}

// UPnP fault codes used by the renderer.
const (
	ErrInvalidAction   = 401
	ErrInvalidArgs     = 402
	ErrNotAvailable    = 701
	ErrResourceMissing = 716
)

var faultDescriptions = map[int]string{
	ErrInvalidAction:   "Invalid Action",
	ErrInvalidArgs:     "Invalid Args",
	ErrNotAvailable:    "Transition not available",
	ErrResourceMissing: "Resource not found",
}

// ActionName extracts the action fragment from a SOAPACTION header
// value for the given service short name, for example
// `"urn:schemas-upnp-org:service:AVTransport:1#Play"` -> `Play`.
func ActionName(soapAction, service string) string {
	_, frag, ok := strings.Cut(soapAction, "service:"+service+":1#")
	if !ok {
		return ""
	}
	return strings.Trim(frag, ` '"`)
}

type xmlNode struct {
	name     xml.Name
	attrs    []xml.Attr
	children []*xmlNode
	text     bytes.Buffer
}

func (n *xmlNode) local() string {
	return strings.ToLower(n.name.Local)
}

// soleChild returns the only element child, or nil when there are zero
// or several.
func (n *xmlNode) soleChild() *xmlNode {
	if len(n.children) != 1 {
		return nil
	}
	return n.children[0]
}

func parseTree(body []byte) (*xmlNode, error) {
	dec := xml.NewDecoder(bytes.NewReader(body))
	// Bodies arrive already transcoded; a leftover encoding declaration
	// must not make the decoder bail.
	dec.CharsetReader = func(_ string, input io.Reader) (io.Reader, error) { return input, nil }
	var root *xmlNode
	var stack []*xmlNode
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "parseTree token")
		}
		switch t := tok.(type) {
		case xml.StartElement:
			node := &xmlNode{name: t.Name, attrs: t.Attr}
			if len(stack) == 0 {
				if root != nil {
					return nil, errors.New("parseTree multiple roots")
				}
				root = node
			} else {
				parent := stack[len(stack)-1]
				parent.children = append(parent.children, node)
			}
			stack = append(stack, node)
		case xml.EndElement:
			stack = stack[:len(stack)-1]
		case xml.CharData:
			if len(stack) > 0 {
				stack[len(stack)-1].text.Write(t)
			}
		}
	}
	if root == nil {
		return nil, errors.New("parseTree empty document")
	}
	return root, nil
}

// ParseCall validates a SOAP control envelope against the action named
// in the SOAPACTION header and returns the in-arguments in document
// order. The envelope must wrap exactly one Body holding exactly one
// action element whose local name matches.
func ParseCall(body []byte, service, soapAction string) (string, []Arg, error) {
	action := ActionName(soapAction, service)
	if action == "" {
		return "", nil, errors.New("ParseCall missing action in SOAPACTION")
	}
	root, err := parseTree(body)
	if err != nil {
		return "", nil, errors.Wrap(err, "ParseCall")
	}
	if root.local() != "envelope" {
		return "", nil, errors.New("ParseCall root is not an Envelope")
	}
	bodyNode := root.soleChild()
	if bodyNode == nil || bodyNode.local() != "body" {
		return "", nil, errors.New("ParseCall Envelope does not wrap a single Body")
	}
	actNode := bodyNode.soleChild()
	if actNode == nil {
		return "", nil, errors.New("ParseCall Body does not wrap a single action")
	}
	if actNode.local() != strings.ToLower(action) {
		return "", nil, errors.Errorf("ParseCall action element %q does not match %q", actNode.name.Local, action)
	}
	var args []Arg
	for _, ch := range actNode.children {
		if ch.name.Local == "" {
			return "", nil, errors.New("ParseCall nameless argument")
		}
		args = append(args, Arg{Name: ch.name.Local, Value: ch.text.String()})
	}
	return action, args, nil
}

// BuildResponse renders the success envelope for an action, with
// out-arguments in table order. Nil-valued arguments are skipped by
// the caller before this point.
func BuildResponse(service, action string, out []Arg) []byte {
	var props strings.Builder
	for _, a := range out {
		fmt.Fprintf(&props, "<%s>%s</%s>\n", a.Name, Escape(a.Value), a.Name)
	}
	body := "<?xml version=\"1.0\" encoding=\"utf-8\"?>\n" +
		"<s:Envelope xmlns:s=\"http://schemas.xmlsoap.org/soap/envelope/\" s:encodingStyle=\"http://schemas.xmlsoap.org/soap/encoding/\">\n" +
		"<s:Body>\n" +
		"<u:" + action + "Response xmlns:u=\"urn:schemas-upnp-org:service:" + service + ":1\">\n" +
		props.String() +
		"</u:" + action + "Response>\n" +
		"</s:Body>\n" +
		"</s:Envelope>"
	return []byte(body)
}

// BuildFault renders the UPnP error envelope for one of the renderer's
// fault codes.
func BuildFault(code int) []byte {
	desc, ok := faultDescriptions[code]
	if !ok {
		desc = "Action Failed"
	}
	body := "<s:Envelope xmlns:s=\"http://schemas.xmlsoap.org/soap/envelope/\" s:encodingStyle=\"http://schemas.xmlsoap.org/soap/encoding/\">\n" +
		"<s:Body>\n" +
		"<s:Fault><faultcode>s:Client</faultcode><faultstring>UPnPError</faultstring><detail>" +
		"<UPnPError xmlns=\"urn:schemas-upnp-org:control-1-0\">" +
		fmt.Sprintf("<errorCode>%d</errorCode><errorDescription>%s</errorDescription>", code, desc) +
		"</UPnPError></detail></s:Fault>\n" +
		"</s:Body>\n" +
		"</s:Envelope>"
	return []byte(body)
}

// BuildPropertySet renders the flat GENA propertyset used by
// ConnectionManager events.
func BuildPropertySet(props []Arg) []byte {
	var b strings.Builder
	b.WriteString("<?xml version=\"1.0\"?>\n")
	b.WriteString("<e:propertyset xmlns:e=\"urn:schemas-upnp-org:event-1-0\">")
	for _, p := range props {
		fmt.Fprintf(&b, "<e:property><%s>%s</%s></e:property>", p.Name, Escape(p.Value), p.Name)
	}
	b.WriteString("</e:propertyset>")
	return []byte(b.String())
}

// BuildLastChange renders the LastChange envelope used by AVTransport
// ("AVT") and RenderingControl ("RCS") events. Property fragments are
// escaped once into the LastChange payload, whose values are escaped a
// second time; names may carry literal attributes (Mute channel="Master").
func BuildLastChange(schema string, props []Arg) []byte {
	var frag strings.Builder
	for _, p := range props {
		frag.WriteString(Escape(fmt.Sprintf("<%s val=\"%s\"/>", p.Name, Escape(p.Value))))
	}
	body := "<?xml version=\"1.0\"?>\n" +
		"<e:propertyset xmlns:e=\"urn:schemas-upnp-org:event-1-0\"><e:property><LastChange>" +
		"&lt;Event xmlns=&quot;urn:schemas-upnp-org:metadata-1-0/" + schema + "/&quot;&gt;" +
		"&lt;InstanceID val=&quot;0&quot;&gt;" +
		frag.String() +
		"&lt;/InstanceID&gt;&lt;/Event&gt;" +
		"</LastChange></e:property></e:propertyset>"
	return []byte(body)
}

var escaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&#x27;",
)

// Escape applies minimal XML escaping, quotes included.
func Escape(s string) string {
	return escaper.Replace(s)
}
