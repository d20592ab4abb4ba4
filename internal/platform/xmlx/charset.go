// Package xmlx holds encoding/xml helpers shared by the document parsers.
package xmlx

import (
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/encoding/charmap"
)

// CharsetReader converts the Latin encodings emitted by Brazilian ERPs and
// fiscal portals into UTF-8. It plugs into xml.Decoder.CharsetReader.
func CharsetReader(label string, input io.Reader) (io.Reader, error) {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "", "utf-8", "utf8":
		return input, nil
	case "iso-8859-1", "iso8859-1", "latin1", "latin-1":
		return charmap.ISO8859_1.NewDecoder().Reader(input), nil
	case "windows-1252", "cp1252":
		return charmap.Windows1252.NewDecoder().Reader(input), nil
	case "iso-8859-15", "latin9":
		return charmap.ISO8859_15.NewDecoder().Reader(input), nil
	default:
		return nil, fmt.Errorf("xmlx: unsupported charset %q", label)
	}
}

// NewDecoder returns an xml.Decoder wired with CharsetReader.
func NewDecoder(r io.Reader) *xml.Decoder {
	dec := xml.NewDecoder(r)
	dec.CharsetReader = CharsetReader
	return dec
}
