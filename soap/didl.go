package soap

import (
	"strings"
)

// maxTitleLength bounds the item title taken from controller metadata.
const maxTitleLength = 501

// Media describes the playable item resolved from a SetAVTransportURI
// call: the controller-supplied metadata merged with the bare URI.
type Media struct {
	URI          string
	ProtocolInfo string
	Title        string
	Class        string
	CaptionURI   string
	CaptionType  string
}

// IsImage reports whether the item is a still image.
func (m Media) IsImage() bool {
	return strings.Contains(strings.ToLower(m.Class), "object.item.imageitem")
}

// IsVideo reports whether the item is a video.
func (m Media) IsVideo() bool {
	return strings.Contains(strings.ToLower(m.Class), "object.item.videoitem")
}

// ParseDIDL extracts the playable item from DIDL-Lite metadata. The
// preferred resource is the first one whose protocolInfo does not mark
// it conversion-indicated (no DLNA.ORG_CI flag, or CI=0). When no
// usable resource is found, or the metadata does not parse at all, the
// controller-supplied currentURI is used, with the protocolInfo of the
// resource matching it if one exists.
func ParseDIDL(meta, currentURI string) Media {
	m := Media{}
	var sProtocolInfo string

	root, err := parseTree([]byte(meta))
	if err != nil {
		m.URI = currentURI
		return m
	}
	var item *xmlNode
	for _, ch := range root.children {
		if ch.local() == "item" {
			item = ch
			break
		}
	}
	if item == nil {
		m.URI = currentURI
		return m
	}

	for _, ch := range item.children {
		tag := strings.ToLower(ch.name.Local)
		switch {
		case tag == "title":
			m.Title = truncateRunes(ch.text.String(), maxTitleLength)
		case tag == "res":
			var protocolInfo string
			var captionAttr string
			for _, att := range ch.attrs {
				name := strings.ToLower(att.Name.Local)
				switch {
				case name == "protocolinfo":
					protocolInfo = att.Value
				case strings.Contains(name, "subtitlefileuri"):
					captionAttr = att.Value
				}
			}
			if protocolInfo != "" {
				if m.URI == "" && !conversionIndicated(protocolInfo) {
					m.URI = ch.text.String()
					m.ProtocolInfo = protocolInfo
				}
				if sProtocolInfo == "" && ch.text.String() == currentURI {
					sProtocolInfo = protocolInfo
				}
			}
			if captionAttr != "" && m.CaptionURI == "" {
				m.CaptionURI = captionAttr
			}
		case tag == "class":
			m.Class = ch.text.String()
		case strings.HasPrefix(tag, "captioninfo"):
			m.CaptionURI = ch.text.String()
			for _, att := range ch.attrs {
				if strings.ToLower(att.Name.Local) == "type" {
					m.CaptionType = att.Value
				}
			}
		}
	}

	if m.URI == "" {
		m.URI = currentURI
		m.ProtocolInfo = sProtocolInfo
	}
	return m
}

// conversionIndicated reports whether the protocolInfo carries a
// DLNA.ORG_CI flag other than 0.
func conversionIndicated(protocolInfo string) bool {
	upper := strings.ToUpper(protocolInfo)
	_, after, ok := strings.Cut(upper, "DLNA.ORG_CI=")
	if !ok {
		return false
	}
	flag, _, _ := strings.Cut(after, ";")
	return strings.TrimSpace(flag) != "0"
}

// BuildDIDL re-emits normalized metadata for the resolved item, the
// shape mirrored back by GetMediaInfo/GetPositionInfo and events.
func BuildDIDL(m Media) string {
	caption := ""
	if m.CaptionURI != "" {
		caption = "<sec:CaptionInfoEx sec:type=\"" + Escape(m.CaptionType) + "\">" + Escape(m.CaptionURI) + "</sec:CaptionInfoEx>"
	}
	return "<DIDL-Lite xmlns=\"urn:schemas-upnp-org:metadata-1-0/DIDL-Lite/\"" +
		" xmlns:dc=\"http://purl.org/dc/elements/1.1/\"" +
		" xmlns:upnp=\"urn:schemas-upnp-org:metadata-1-0/upnp/\"" +
		" xmlns:dlna=\"urn:schemas-dlna-org:metadata-1-0/\"" +
		" xmlns:sec=\"http://www.sec.co.kr/\">" +
		"<item><dc:title>" + Escape(m.Title) + "</dc:title>" +
		"<upnp:class>" + m.Class + "</upnp:class>" +
		"<res protocolInfo=\"" + Escape(m.ProtocolInfo) + "\">" + Escape(m.URI) + "</res>" +
		caption +
		"</item></DIDL-Lite>"
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
