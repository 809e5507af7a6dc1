package client

import (
	"bytes"
	"encoding/xml"
	"strconv"
	"strings"

	"vmslink/pkg/models"
)

// Delimiter terminates every request document and separates the response
// documents a single exchange may carry.
const Delimiter = "\r\n\r\n"

// ErrorCodeMalformedResponse is the error code of the response synthesized
// when the server answers with something that is not an XML document.
const ErrorCodeMalformedResponse = "MalformedResponse"

const xmlProlog = "<?xml"

// Param is one input parameter. A parameter with several values is written
// as repeated elements sharing its name.
type Param struct {
	Name   string
	Values []string
}

// P builds a parameter.
func P(name string, values ...string) Param {
	return Param{Name: name, Values: values}
}

// Command is a single request on the command channel. Params keep their order
// on the wire.
type Command struct {
	Name       string
	SequenceID int64
	Params     []Param
}

// With returns a copy of cmd with extra parameters appended.
func (cmd Command) With(params ...Param) Command {
	out := cmd
	out.Params = append(append([]Param(nil), cmd.Params...), params...)
	return out
}

var attrEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"\r", "&#13;",
	"\n", "&#10;",
)

func escape(s string) string {
	return attrEscaper.Replace(s)
}

// Envelope serializes cmd into a request document for the given connection.
func Envelope(connectionID string, cmd Command) []byte {
	var b bytes.Buffer
	b.WriteString(`<?xml version="1.0" encoding="utf-8"?><Communication>`)
	if connectionID != "" {
		b.WriteString("<ConnectionId>")
		b.WriteString(escape(connectionID))
		b.WriteString("</ConnectionId>")
	}
	b.WriteString(`<Command SequenceId="`)
	b.WriteString(strconv.FormatInt(cmd.SequenceID, 10))
	b.WriteString(`"><Type>Request</Type><Name>`)
	b.WriteString(escape(cmd.Name))
	b.WriteString("</Name><InputParams>")
	for _, p := range cmd.Params {
		for _, v := range p.Values {
			b.WriteString(`<Param Name="`)
			b.WriteString(escape(p.Name))
			b.WriteString(`" Value="`)
			b.WriteString(escape(v))
			b.WriteString(`" />`)
		}
	}
	b.WriteString("</InputParams></Command></Communication>")
	b.WriteString(Delimiter)
	return b.Bytes()
}

type xmlCommunication struct {
	XMLName      xml.Name   `xml:"Communication"`
	ConnectionID string     `xml:"ConnectionId"`
	Command      xmlCommand `xml:"Command"`
}

type xmlCommand struct {
	SequenceID   int64      `xml:"SequenceId,attr"`
	Name         string     `xml:"Name"`
	Result       string     `xml:"Result"`
	ErrorCode    string     `xml:"ErrorCode"`
	ErrorString  string     `xml:"ErrorString"`
	OutputParams []xmlParam `xml:"OutputParams>Param"`
}

type xmlParam struct {
	Name  string `xml:"Name,attr"`
	Value string `xml:"Value,attr"`
}

// ParseResponse parses one response document. Content that is not an XML
// document yields an error response with ErrorCodeMalformedResponse.
func ParseResponse(doc []byte) *models.Response {
	doc = bytes.TrimSpace(doc)
	if !bytes.HasPrefix(doc, []byte(xmlProlog)) {
		return malformed("response is not an XML document")
	}
	var c xmlCommunication
	if err := xml.Unmarshal(doc, &c); err != nil {
		return malformed(err.Error())
	}

	r := &models.Response{
		Name:         c.Command.Name,
		SequenceID:   c.Command.SequenceID,
		ErrorCode:    c.Command.ErrorCode,
		ErrorMessage: c.Command.ErrorString,
		OutputParams: make(map[string]string, len(c.Command.OutputParams)),
	}
	switch strings.ToLower(strings.TrimSpace(c.Command.Result)) {
	case "ok":
	case "processing":
		r.IsProcessing = true
	default:
		r.IsError = true
	}
	for _, p := range c.Command.OutputParams {
		r.OutputParams[p.Name] = p.Value
		r.Params = append(r.Params, models.Param{Name: p.Name, Value: p.Value})
	}
	return r
}

func malformed(msg string) *models.Response {
	return &models.Response{
		IsError:      true,
		ErrorCode:    ErrorCodeMalformedResponse,
		ErrorMessage: msg,
		OutputParams: map[string]string{},
	}
}

// Decoder splits a response body into documents as it arrives.
type Decoder struct {
	buf  []byte
	seen bool
}

// Feed appends p and returns every document completed by it.
func (d *Decoder) Feed(p []byte) []*models.Response {
	if len(p) > 0 {
		d.seen = true
	}
	d.buf = append(d.buf, p...)
	var out []*models.Response
	for {
		i := bytes.Index(d.buf, []byte(Delimiter))
		if i < 0 {
			return out
		}
		doc := d.buf[:i]
		d.buf = d.buf[i+len(Delimiter):]
		if len(bytes.TrimSpace(doc)) == 0 {
			continue
		}
		out = append(out, ParseResponse(doc))
	}
}

// Flush returns the trailing document when the body ended without a
// delimiter, or nil.
func (d *Decoder) Flush() *models.Response {
	rest := bytes.TrimSpace(d.buf)
	d.buf = nil
	if len(rest) == 0 {
		return nil
	}
	return ParseResponse(rest)
}

// Empty reports whether no bytes were fed at all.
func (d *Decoder) Empty() bool {
	return !d.seen
}
