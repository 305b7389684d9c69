package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// MaxPhotoBytes bounds an inline photo upload.
const MaxPhotoBytes = 25 << 20

var validate = validator.New(validator.WithRequiredStructEnabled())

// Payload is the typed body of a queued mutation. Each variant knows which
// item type it belongs to and which remote entity it targets.
type Payload interface {
	ItemType() ItemType
	EntityID() string
	// LocalVersion is the entity version the edit was based on, if known.
	LocalVersion() string
}

// EstimatePayload is an edit to a painting estimate.
type EstimatePayload struct {
	EstimateID string                 `json:"estimate_id" validate:"required,max=64"`
	Version    string                 `json:"version,omitempty" validate:"max=64"`
	Diff       map[string]interface{} `json:"diff,omitempty"`
	ModifiedAt time.Time              `json:"modified_at"`
}

func (EstimatePayload) ItemType() ItemType     { return ItemTypeEstimate }
func (p EstimatePayload) EntityID() string     { return p.EstimateID }
func (p EstimatePayload) LocalVersion() string { return p.Version }

func (p EstimatePayload) validateFor(action Action) error {
	if action != ActionDelete && len(p.Diff) == 0 {
		return errors.New("estimate diff is required for create and update")
	}
	return nil
}

// PhotoPayload is a job-site photo upload attached to an estimate.
type PhotoPayload struct {
	PhotoID     string            `json:"photo_id" validate:"required,max=64"`
	EstimateID  string            `json:"estimate_id" validate:"required,max=64"`
	FileName    string            `json:"file_name" validate:"required,max=255"`
	ContentType string            `json:"content_type" validate:"required,oneof=image/jpeg image/png image/heic image/webp"`
	Data        []byte            `json:"data,omitempty" validate:"max=26214400"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CapturedAt  time.Time         `json:"captured_at"`
}

func (PhotoPayload) ItemType() ItemType   { return ItemTypePhoto }
func (p PhotoPayload) EntityID() string   { return p.PhotoID }
func (PhotoPayload) LocalVersion() string { return "" }

func (p PhotoPayload) validateFor(action Action) error {
	if action != ActionDelete && len(p.Data) == 0 {
		return errors.New("photo data is required for create and update")
	}
	return nil
}

// CRMWritePayload is a write to a CRM object, addressed by record id or,
// before the record exists remotely, by an external id.
type CRMWritePayload struct {
	Object     string                 `json:"object" validate:"required,max=80"`
	RecordID   string                 `json:"record_id,omitempty" validate:"required_without=ExternalID,max=64"`
	ExternalID string                 `json:"external_id,omitempty" validate:"required_without=RecordID,max=64"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
	Version    string                 `json:"version,omitempty" validate:"max=64"`
}

func (CRMWritePayload) ItemType() ItemType { return ItemTypeCRMWrite }

func (p CRMWritePayload) EntityID() string {
	if p.RecordID != "" {
		return p.Object + "/" + p.RecordID
	}
	return p.Object + "/ext:" + p.ExternalID
}

func (p CRMWritePayload) LocalVersion() string { return p.Version }

func (p CRMWritePayload) validateFor(action Action) error {
	if action != ActionDelete && len(p.Fields) == 0 {
		return errors.New("crm fields are required for create and update")
	}
	if action != ActionCreate && p.RecordID == "" {
		return errors.New("crm record id is required for update and delete")
	}
	return nil
}

type actionValidator interface {
	validateFor(Action) error
}

// ValidatePayload checks struct tags and action-specific rules.
func ValidatePayload(action Action, p Payload) error {
	if p == nil {
		return errors.New("payload is required")
	}
	if !action.Valid() {
		return fmt.Errorf("invalid action %q", action)
	}
	if err := validate.Struct(p); err != nil {
		return err
	}
	if v, ok := p.(actionValidator); ok {
		return v.validateFor(action)
	}
	return nil
}

// EditedAt returns the edit time carried by the payload, if any.
func EditedAt(p Payload) time.Time {
	if e, ok := p.(EstimatePayload); ok {
		return e.ModifiedAt
	}
	if e, ok := p.(*EstimatePayload); ok && e != nil {
		return e.ModifiedAt
	}
	return time.Time{}
}

type envelope struct {
	Type ItemType        `json:"type"`
	Data json.RawMessage `json:"data"`
}

// EncodePayload serialises p into the stored {"type","data"} envelope.
func EncodePayload(p Payload) (json.RawMessage, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", p.ItemType(), err)
	}
	return json.Marshal(envelope{Type: p.ItemType(), Data: data})
}

// DecodePayload restores the payload variant from its envelope.
func DecodePayload(raw json.RawMessage) (Payload, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode payload envelope: %w", err)
	}
	return DecodePayloadAs(env.Type, env.Data)
}

// DecodePayloadAs decodes a bare variant body of the given type.
func DecodePayloadAs(t ItemType, data json.RawMessage) (Payload, error) {
	var p Payload
	switch t {
	case ItemTypeEstimate:
		p = &EstimatePayload{}
	case ItemTypePhoto:
		p = &PhotoPayload{}
	case ItemTypeCRMWrite:
		p = &CRMWritePayload{}
	default:
		return nil, fmt.Errorf("unknown payload type %q", t)
	}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", t, err)
	}
	return p, nil
}
