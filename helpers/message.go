package helpers

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/textproto"
	"github.com/k3a/html2text"
)

// HeaderField is a single header field to stamp onto a message.
type HeaderField struct {
	Key   string
	Value string
}

// ReadHeader parses the header block of a raw message. Content that ends
// before the blank line separating header and body is accepted as long as
// every line parses as a field.
func ReadHeader(content []byte) (textproto.Header, error) {
	br := bufio.NewReader(bytes.NewReader(content))
	h, err := textproto.ReadHeader(br)
	if err == nil {
		return h, nil
	}
	if len(content) > 0 && !bytes.HasSuffix(content, []byte("\r\n\r\n")) {
		// TOP responses of header-only messages miss the separator
		withSep := append(append([]byte{}, content...), "\r\n"...)
		if !bytes.HasSuffix(content, []byte("\r\n")) {
			withSep = append(withSep, "\r\n"...)
		}
		if h, err2 := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(withSep))); err2 == nil {
			return h, nil
		}
	}
	return textproto.Header{}, err
}

// StampHeader sets the given fields on a raw message, replacing any existing
// values, and returns the rewritten message. When the header block cannot be
// parsed the fields are prepended verbatim so the message is never lost.
func StampHeader(content []byte, fields ...HeaderField) ([]byte, error) {
	br := bufio.NewReader(bytes.NewReader(content))
	h, err := textproto.ReadHeader(br)
	if err != nil {
		var buf bytes.Buffer
		for _, f := range fields {
			buf.WriteString(f.Key)
			buf.WriteString(": ")
			buf.WriteString(f.Value)
			buf.WriteString("\r\n")
		}
		buf.Write(content)
		return buf.Bytes(), nil
	}

	for _, f := range fields {
		h.Set(f.Key, f.Value)
	}

	var buf bytes.Buffer
	buf.Grow(len(content) + 128)
	if err := textproto.WriteHeader(&buf, h); err != nil {
		return nil, fmt.Errorf("failed to write header: %w", err)
	}
	if _, err := io.Copy(&buf, br); err != nil {
		return nil, fmt.Errorf("failed to copy body: %w", err)
	}
	return buf.Bytes(), nil
}

// ExtractText returns the human readable text of a message: text/plain parts
// as they are and text/html parts converted to plain text.
func ExtractText(content []byte) (string, error) {
	entity, err := message.Read(bytes.NewReader(content))
	if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
		return "", fmt.Errorf("failed to parse message: %w", err)
	}

	var sb strings.Builder
	if err := collectText(entity, &sb); err != nil {
		return "", err
	}
	return sb.String(), nil
}

func collectText(entity *message.Entity, sb *strings.Builder) error {
	mediaType, _, _ := entity.Header.ContentType()
	if mediaType == "" {
		mediaType = "text/plain"
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		mr := entity.MultipartReader()
		if mr == nil {
			return fmt.Errorf("nil multipart reader for %s", mediaType)
		}
		for {
			p, err := mr.NextPart()
			if err == io.EOF {
				return nil
			}
			if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
				return err
			}
			if p == nil {
				return nil
			}
			if err := collectText(p, sb); err != nil {
				return err
			}
		}
	}

	if !strings.HasPrefix(mediaType, "text/") {
		return nil
	}

	body, err := io.ReadAll(entity.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s part: %w", mediaType, err)
	}

	if mediaType == "text/html" {
		sb.WriteString(html2text.HTML2Text(string(body)))
	} else {
		sb.Write(body)
	}
	sb.WriteString("\n")
	return nil
}
