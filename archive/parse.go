package archive

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	stdmail "net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
)

// ErrMalformedMessage marks a message whose MIME structure cannot be decoded
// at all. Header-only extraction may still have succeeded.
var ErrMalformedMessage = errors.New("malformed message")

var msgIDListRe = regexp.MustCompile(`<[^>]+>`)

// Parsed is the extracted envelope and body of one message. Raw header values
// are preserved; normalization happens downstream.
type Parsed struct {
	MessageID  string
	InReplyTo  string
	References []string

	Subject     string
	SenderName  string
	SenderEmail string
	To          []string
	Cc          []string
	Bcc         []string
	DateSent    *time.Time

	BodyText string
	BodyHTML string

	HasAttachments bool
}

// AttachmentMeta describes one attachment as it is streamed out of the
// message body.
type AttachmentMeta struct {
	Filename    string
	ContentType string
	Inline      bool
}

// ParseHeaders extracts only the envelope fields, cheaply enough to run on
// every message before the classification gate decides whether the body is
// worth decoding.
func ParseHeaders(raw []byte) (*Parsed, error) {
	msg, err := stdmail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	dec := new(mime.WordDecoder)
	p := &Parsed{
		MessageID:  headerFirst(msg.Header, "Message-Id", "Message-ID"),
		InReplyTo:  firstMsgID(msg.Header.Get("In-Reply-To")),
		References: allMsgIDs(msg.Header.Get("References")),
		Subject:    decodeWord(dec, msg.Header.Get("Subject")),
	}

	if from, err := msg.Header.AddressList("From"); err == nil && len(from) > 0 {
		p.SenderName = decodeWord(dec, from[0].Name)
		p.SenderEmail = from[0].Address
	}
	p.To = addressList(msg.Header, "To")
	p.Cc = addressList(msg.Header, "Cc")
	p.Bcc = addressList(msg.Header, "Bcc")

	if date := msg.Header.Get("Date"); date != "" {
		if t, err := stdmail.ParseDate(date); err == nil {
			p.DateSent = &t
		}
	}
	return p, nil
}

// Parse decodes the full message: envelope, text and HTML bodies, and
// attachments. Each attachment body is streamed to onAttachment exactly once;
// a nil callback drains attachments and records only their presence. MIME
// parts are walked with an explicit stack, never recursion.
func Parse(raw []byte, onAttachment func(AttachmentMeta, io.Reader) error) (*Parsed, error) {
	p, err := ParseHeaders(raw)
	if err != nil {
		return nil, err
	}

	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return p, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	if err := walkEntity(entity, p, onAttachment); err != nil {
		return p, err
	}
	return p, nil
}

func walkEntity(root *message.Entity, p *Parsed, onAttachment func(AttachmentMeta, io.Reader) error) error {
	handle := func(e *message.Entity, stack *[]message.MultipartReader) error {
		mediaType, params, _ := e.Header.ContentType()

		if strings.HasPrefix(mediaType, "multipart/") {
			if mr := e.MultipartReader(); mr != nil {
				*stack = append(*stack, mr)
			}
			return nil
		}

		meta, isAttachment := attachmentMeta(e, mediaType, params)
		switch {
		case isAttachment:
			p.HasAttachments = true
			if onAttachment != nil {
				if err := onAttachment(meta, e.Body); err != nil {
					return err
				}
			} else {
				_, _ = io.Copy(io.Discard, e.Body)
			}
		case mediaType == "text/plain" && p.BodyText == "":
			body, _ := io.ReadAll(e.Body)
			p.BodyText = string(body)
		case mediaType == "text/html" && p.BodyHTML == "":
			body, _ := io.ReadAll(e.Body)
			p.BodyHTML = string(body)
		default:
			_, _ = io.Copy(io.Discard, e.Body)
		}
		return nil
	}

	var stack []message.MultipartReader
	if err := handle(root, &stack); err != nil {
		return err
	}
	for len(stack) > 0 {
		mr := stack[len(stack)-1]
		part, err := mr.NextPart()
		if err != nil {
			// io.EOF ends this multipart; anything else means the rest of it
			// is undecodable, which we also treat as exhausted.
			stack = stack[:len(stack)-1]
			continue
		}
		if err := handle(part, &stack); err != nil {
			return err
		}
	}
	return nil
}

// attachmentMeta decides whether a leaf part is an attachment. Disposition
// "attachment", an inline part with a filename, a Content-Type name param, or
// any non-text media type all count.
func attachmentMeta(e *message.Entity, mediaType string, params map[string]string) (AttachmentMeta, bool) {
	meta := AttachmentMeta{ContentType: mediaType}
	isAttachment := false

	if disposition := e.Header.Get("Content-Disposition"); disposition != "" {
		dispType, dispParams, err := mime.ParseMediaType(disposition)
		if err == nil {
			switch {
			case dispType == "attachment":
				isAttachment = true
				meta.Filename = dispParams["filename"]
			case dispType == "inline" && dispParams["filename"] != "":
				isAttachment = true
				meta.Inline = true
				meta.Filename = dispParams["filename"]
			}
		}
	}

	if params["name"] != "" {
		isAttachment = true
		if meta.Filename == "" {
			meta.Filename = params["name"]
		}
	}

	if meta.Filename != "" {
		dec := new(mime.WordDecoder)
		if decoded, err := dec.DecodeHeader(meta.Filename); err == nil {
			meta.Filename = decoded
		}
	}

	if !isAttachment && mediaType != "" && !strings.HasPrefix(mediaType, "text/") {
		isAttachment = true
	}

	if isAttachment && meta.Filename == "" {
		meta.Filename = defaultFilename(mediaType)
	}
	return meta, isAttachment
}

func defaultFilename(mediaType string) string {
	switch {
	case strings.HasPrefix(mediaType, "image/"):
		return "attachment." + strings.TrimPrefix(mediaType, "image/")
	case mediaType == "application/pdf":
		return "attachment.pdf"
	default:
		return "attachment.bin"
	}
}

func headerFirst(h stdmail.Header, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(h.Get(k)); v != "" {
			return v
		}
	}
	return ""
}

func firstMsgID(value string) string {
	if ids := allMsgIDs(value); len(ids) > 0 {
		return ids[0]
	}
	return strings.TrimSpace(value)
}

func allMsgIDs(value string) []string {
	return msgIDListRe.FindAllString(value, -1)
}

func addressList(h stdmail.Header, key string) []string {
	list, err := h.AddressList(key)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, a.Address)
	}
	return out
}

func decodeWord(dec *mime.WordDecoder, value string) string {
	decoded, err := dec.DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}
