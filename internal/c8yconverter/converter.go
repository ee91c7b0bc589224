// Package c8yconverter implements the Cloud Converter (C7): bidirectional
// translation between the local canonical command model and a
// SmartREST-like CSV wire format, grounded on the thin-edge.io
// c8y_smartrest/c8y_api crates' template-id <-> operation table and on
// the teacher's pkg/tedge use of github.com/reubenmiller/go-c8y for the
// Cumulocity-facing parts of this bridge.
package c8yconverter

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/thin-edge/tedge-mapper-core/internal/command"
	"github.com/thin-edge/tedge-mapper-core/internal/tedgeerr"
	"github.com/thin-edge/tedge-mapper-core/internal/topic"
)

// TemplateID is a SmartREST numeric template identifier.
type TemplateID int

// Mode selects whether local->cloud status transitions are emitted
// keyed by operation name or by cloud-assigned operation id, per
// spec.md §4.5 ("selected by configuration").
type Mode int

const (
	ModeByName Mode = iota
	ModeByID
)

// StatusTemplates is the trio of outgoing template-ids an operation
// emits as its local command transitions through Executing, Successful
// and Failed, in one selectable numbering scheme.
type StatusTemplates struct {
	Executing  TemplateID
	Successful TemplateID
	Failed     TemplateID
}

// OperationMapping binds one operation name to the inbound request
// template-id that creates it and both outbound numbering schemes for
// its status transitions. Registering one of these preserves the
// template_id<->operation table spec.md §4.5 requires implementers to
// keep bidirectional.
type OperationMapping struct {
	Operation      string
	RequestID      TemplateID
	ByName, ByID   StatusTemplates
}

// Converter holds the template table and size limit for one cloud
// connection.
type Converter struct {
	mode            Mode
	maxPayloadBytes int
	requests        map[TemplateID]string
	byOperation     map[string]OperationMapping
}

// New constructs a Converter. maxPayloadBytes <= 0 defaults to the
// classic 1 KiB limit.
func New(mode Mode, maxPayloadBytes int) *Converter {
	if maxPayloadBytes <= 0 {
		maxPayloadBytes = ClassicMaxPayloadBytes
	}
	return &Converter{
		mode:            mode,
		maxPayloadBytes: maxPayloadBytes,
		requests:        make(map[TemplateID]string),
		byOperation:     make(map[string]OperationMapping),
	}
}

// Register adds an operation's template mapping. Registering the same
// operation twice replaces its mapping.
func (c *Converter) Register(m OperationMapping) {
	c.requests[m.RequestID] = m.Operation
	c.byOperation[m.Operation] = m
}

// ParseCloudRequest decodes one incoming SmartREST CSV row addressed to
// target into a local command, per spec.md §4.5: a recognized
// template-id maps to exactly one command creation, and an unrecognized
// one produces no output and is not an error (ok==false, err==nil).
func (c *Converter) ParseCloudRequest(target topic.TopicId, cloudLine string) (cmd command.Command, ok bool, err error) {
	fields, err := DecodeCSVRecord(cloudLine)
	if err != nil {
		return command.Command{}, false, tedgeerr.Wrap(tedgeerr.KindProtocolViolation, err, "malformed cloud wire message")
	}
	if len(fields) == 0 {
		return command.Command{}, false, tedgeerr.New(tedgeerr.KindProtocolViolation, "empty cloud wire message")
	}
	var id int
	if _, err := fmt.Sscanf(fields[0], "%d", &id); err != nil {
		return command.Command{}, false, tedgeerr.Wrap(tedgeerr.KindProtocolViolation, err, "non-numeric template id")
	}

	operation, known := c.requests[TemplateID(id)]
	if !known {
		return command.Command{}, false, nil
	}

	extra := make(map[string]any, len(fields)-1)
	for i, f := range fields[1:] {
		extra[fmt.Sprintf("arg%d", i)] = f
	}

	return command.Command{
		Target: target,
		Op:     operation,
		Id:     command.NewId(),
		Payload: command.Payload{
			Status: command.StatusInit,
			Extra:  extra,
		},
	}, true, nil
}

// EncodeStatus renders the local->cloud SmartREST row for a command's
// operation transitioning to status, per spec.md §4.5: only Executing,
// Successful and Failed transitions are cloud-visible. The returned row
// is trimmed to the converter's size limit without cutting a CSV escape
// sequence in half.
func (c *Converter) EncodeStatus(operation, cloudOperationID string, status command.Status, reason string) (string, error) {
	m, ok := c.byOperation[operation]
	if !ok {
		return "", tedgeerr.New(tedgeerr.KindProtocolViolation, fmt.Sprintf("no template mapping for operation %q", operation))
	}

	templates := m.ByName
	operand := operation
	if c.mode == ModeByID {
		templates = m.ByID
		operand = cloudOperationID
	}

	var templateID TemplateID
	var fields []string
	switch status {
	case command.StatusExecuting:
		templateID = templates.Executing
		fields = []string{fmt.Sprint(int(templateID)), operand}
	case command.StatusSuccessful:
		templateID = templates.Successful
		fields = []string{fmt.Sprint(int(templateID)), operand}
	case command.StatusFailed:
		templateID = templates.Failed
		fields = []string{fmt.Sprint(int(templateID)), operand, reason}
	default:
		return "", tedgeerr.New(tedgeerr.KindProtocolViolation, fmt.Sprintf("status %q has no cloud-visible template", status))
	}

	line, err := EncodeCSVRecord(fields...)
	if err != nil {
		return "", errors.Wrap(err, "encode status")
	}
	return TrimToLimit(line, c.maxPayloadBytes), nil
}
