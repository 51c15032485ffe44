package queue

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/s2report/ingestor/internal/ingestion"
	"github.com/s2report/ingestor/internal/parser"
)

var (
	// ErrMalformedMessage is returned when a message body is not a valid upload.
	ErrMalformedMessage = errors.New("malformed upload message")
	// ErrMissingFileName is returned when a message names no file.
	ErrMissingFileName = errors.New("upload message has no file name")
)

// Message is the JSON body of one upload message. Content is the raw file,
// base64 encoded on the wire.
type Message struct {
	FileName string `json:"fileName"`
	Country  string `json:"country"`
	Platform string `json:"platform"`
	Channel  string `json:"channel"`
	DataType string `json:"dataType,omitempty"`
	// Operator is recorded as the audit actor.
	Operator string `json:"operator,omitempty"`
	Content  []byte `json:"content"`
}

// DecodeMessage parses a message body.
func DecodeMessage(body []byte) (*Message, error) {
	var msg Message

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()

	if err := dec.Decode(&msg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}

	if strings.TrimSpace(msg.FileName) == "" {
		return nil, ErrMissingFileName
	}

	return &msg, nil
}

// Encode returns the message body.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Batch parses the content with the parser the file name selects.
func (m *Message) Batch() (ingestion.Batch, error) {
	p, err := parser.ForFile(m.FileName)
	if err != nil {
		return ingestion.Batch{}, err
	}

	records, err := p.Parse(bytes.NewReader(m.Content))
	if err != nil {
		return ingestion.Batch{}, fmt.Errorf("failed to parse %s: %w", m.FileName, err)
	}

	return ingestion.Batch{
		FileName: m.FileName,
		Coordinates: ingestion.Coordinates{
			Country:  strings.TrimSpace(m.Country),
			Platform: strings.TrimSpace(m.Platform),
			Channel:  strings.TrimSpace(m.Channel),
			DataType: strings.TrimSpace(m.DataType),
		},
		Records: records,
		Source:  m.Content,
		Actor:   strings.TrimSpace(m.Operator),
	}, nil
}
