package forms

import (
	"errors"
	"fmt"
	"strings"
)

// FieldType enumerates the field kinds a form template can carry.
type FieldType string

const (
	FieldTypeAutopopulated   FieldType = "Autopopulated"
	FieldTypeText            FieldType = "Text"
	FieldTypeDropdown        FieldType = "Dropdown"
	FieldTypeCheckbox        FieldType = "Checkbox"
	FieldTypeAttribute       FieldType = "Attribute"
	FieldTypeScoringDropdown FieldType = "scoring_dropdown"
	FieldTypeScoringCheckbox FieldType = "scoring_checkbox"
	FieldTypeFormAttribute   FieldType = "form_attribute"
	FieldTypeFormToggle      FieldType = "form_toggle"
)

// Mode distinguishes the form workflows. Dispatch happens once at the session
// boundary; downstream code never re-branches on raw strings.
type Mode string

const (
	ModeNew      Mode = "new"
	ModeAI       Mode = "ai"
	ModeEdit     Mode = "edit"
	ModeReadonly Mode = "readonly"
)

// ErrInvalidMode indicates an unrecognized workflow mode.
var ErrInvalidMode = errors.New("forms: invalid mode")

// ParseMode validates raw input and returns a Mode.
func ParseMode(rawInput string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(rawInput))) {
	case ModeNew:
		return ModeNew, nil
	case ModeAI:
		return ModeAI, nil
	case ModeEdit:
		return ModeEdit, nil
	case ModeReadonly:
		return ModeReadonly, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, rawInput)
	}
}

// Editable reports whether field updates are allowed in this mode.
func (m Mode) Editable() bool {
	return m != ModeReadonly
}

// AppID identifies a monitored application (form family).
type AppID int

// AppIDAudioSMP is the Audio/SMP monitoring application, the only one with
// cross-field call-type rules.
const AppIDAudioSMP AppID = 1001

// ErrInvalidAppID indicates a non-positive application identifier.
var ErrInvalidAppID = errors.New("forms: invalid app id")

// NewAppID validates raw input and returns an AppID.
func NewAppID(value int) (AppID, error) {
	if value <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidAppID, value)
	}
	return AppID(value), nil
}

// Int exposes the raw application identifier.
func (id AppID) Int() int {
	return int(id)
}

// Well-known field labels referenced by validation and skip logic.
const (
	FieldLabelAudioSMP  = "audio_smp"
	FieldLabelCallType  = "call_type_id"
	FieldLabelFrameCode = "frame_code_id"
	FieldLabelSampleID  = "smp_interview_id"
	FieldLabelRIID      = "ri_id"
)

// FormField is one entry of an application's form template. Label is the
// unique key; Name is the display name shown to reviewers.
type FormField struct {
	ID       int       `json:"id"`
	Label    string    `json:"label"`
	Name     string    `json:"name"`
	Type     FieldType `json:"field_type"`
	Value    any       `json:"value"`
	Required bool      `json:"is_required"`
	Disabled bool      `json:"is_disabled,omitempty"`
}

// FormRef is the flat label-to-value record holding one form's current state.
type FormRef map[string]any

// Clone returns a shallow copy of the record. Values are JSON-shaped data and
// are never mutated in place, so a key-level copy is sufficient.
func (r FormRef) Clone() FormRef {
	duplicate := make(FormRef, len(r))
	for key, value := range r {
		duplicate[key] = value
	}
	return duplicate
}

// FormMetadata carries the call identification captured alongside field values.
type FormMetadata struct {
	RecordDate string `json:"record_date"`
	RecordTime string `json:"record_time"`
	QRID       string `json:"qr_id"`
	SiteName   string `json:"site_name"`
}

// Form is one in-session audit form instance.
type Form struct {
	FormID   int          `json:"form_id"`
	Metadata FormMetadata `json:"metadata"`
	Ref      FormRef      `json:"form_ref"`
	Fields   []FormField  `json:"fields"`
}

// Field returns a pointer to the field with the given label, or nil.
func (f *Form) Field(label string) *FormField {
	for index := range f.Fields {
		if f.Fields[index].Label == label {
			return &f.Fields[index]
		}
	}
	return nil
}

// QAForms is the serializable session container. ActiveFormID is zero when no
// form is active; otherwise it matches the FormID of one element of Forms.
type QAForms struct {
	Forms        []Form `json:"forms"`
	ActiveFormID int    `json:"active_form_id"`
}

// FormChange records one pending field-level edit. At most one entry exists
// per (FormID, FieldName) pair; later edits update the entry in place.
type FormChange struct {
	FormID    int    `json:"form_id"`
	FieldID   int    `json:"field_id"`
	FieldName string `json:"field_name"`
	OldValue  any    `json:"old_value"`
	NewValue  any    `json:"new_value"`
}

// AuditTransaction is the submission-ready projection of a FormChange.
// Exactly one of RecordNumber and AIRecordNumber is populated, discriminated
// by the session mode.
type AuditTransaction struct {
	AppID           int    `json:"app_id"`
	RecordNumber    string `json:"record_number,omitempty"`
	AIRecordNumber  string `json:"ai_record_number,omitempty"`
	FieldID         int    `json:"field_id"`
	FieldName       string `json:"field_name"`
	OldValue        any    `json:"old_value"`
	NewValue        any    `json:"new_value"`
	AuditTrack      []int  `json:"audit_track"`
	CreatedBy       string `json:"created_by"`
	TransactionDate string `json:"transaction_date"`
}

// Validation error categories surfaced to reviewers.
const (
	ErrorMissingRequired = "Missing required fields"
	ErrorInvalidCallID   = "Invalid Call ID"
	ErrorCalltypeSMP     = "Invalid Calltype for SMP"
	ErrorFramecodeSMP    = "Invalid Framecode for SMP"
	ErrorFramecodeAudio  = "Invalid Framecode for Audio"
)

// FormError is a derived, user-correctable validation failure. It is
// recomputed from current state and never persisted.
type FormError struct {
	FormID       int    `json:"form_id"`
	Error        string `json:"error"`
	ErrorContext string `json:"error_context"`
}

var acronymDisplayTokens = map[string]string{
	"ri":  "RI",
	"qr":  "QR",
	"id":  "ID",
	"smp": "SMP",
	"mca": "MCA",
	"ai":  "AI",
}

// DisplayName returns the reviewer-facing name for a field, deriving one from
// the label when the template carries no explicit display name.
func (f FormField) DisplayName() string {
	if strings.TrimSpace(f.Name) != "" {
		return f.Name
	}
	tokens := strings.Split(f.Label, "_")
	for index, token := range tokens {
		if token == "" {
			continue
		}
		if acronym, ok := acronymDisplayTokens[strings.ToLower(token)]; ok {
			tokens[index] = acronym
			continue
		}
		tokens[index] = strings.ToUpper(token[:1]) + token[1:]
	}
	return strings.Join(tokens, " ")
}
