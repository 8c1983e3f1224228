package forms

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// FieldLabelRecordNumber carries the upstream record identifier once a form
// has been created against the platform.
const FieldLabelRecordNumber = "record_number"

var (
	// ErrUnknownForm indicates an operation referenced a form id that is not
	// part of the session. Unknown ids are rejected explicitly instead of the
	// silent no-op the legacy client performed.
	ErrUnknownForm = errors.New("forms: unknown form id")
	// ErrUnknownField indicates an update referenced a label missing from the
	// application template.
	ErrUnknownField = errors.New("forms: unknown field label")
	// ErrReadonlySession indicates a mutation was attempted in readonly mode.
	ErrReadonlySession = errors.New("forms: session is readonly")
	// ErrNoActiveForm indicates the session has no active form.
	ErrNoActiveForm = errors.New("forms: no active form")
	// ErrEmptyTemplate indicates the application template has no fields.
	ErrEmptyTemplate = errors.New("forms: empty field template")
)

// SessionConfig describes the inputs needed to start a form session.
type SessionConfig struct {
	AppID    AppID
	Mode     Mode
	Template []FormField
	Clock    func() time.Time
}

// Session is the authoritative in-memory state of one reviewer's form
// workflow: the field value store, the original snapshots, and the pending
// change set. All operations are serialized by an internal mutex; field value
// and form-ref entry always move in a single locked transition so derived
// validation never observes a torn state.
type Session struct {
	mu         sync.Mutex
	appID      AppID
	mode       Mode
	template   []FormField
	container  QAForms
	originals  map[int]FormRef
	changes    *ChangeSet
	nextFormID int
	clock      func() time.Time
}

// NewSession validates the configuration and returns an empty session.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.AppID <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidAppID, cfg.AppID)
	}
	if len(cfg.Template) == 0 {
		return nil, ErrEmptyTemplate
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	mode := cfg.Mode
	if mode == "" {
		mode = ModeNew
	}

	template := make([]FormField, len(cfg.Template))
	copy(template, cfg.Template)

	return &Session{
		appID:      cfg.AppID,
		mode:       mode,
		template:   template,
		container:  QAForms{},
		originals:  make(map[int]FormRef),
		changes:    NewChangeSet(),
		nextFormID: 1,
		clock:      clock,
	}, nil
}

// AppID returns the application this session audits.
func (s *Session) AppID() AppID {
	return s.appID
}

// Mode returns the session workflow mode.
func (s *Session) Mode() Mode {
	return s.mode
}

// CreateForm clones the application template into a new form, assigns the
// next sequential form id, and makes it the active form.
func (s *Session) CreateForm(metadata FormMetadata) (Form, error) {
	if !s.mode.Editable() {
		return Form{}, ErrReadonlySession
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	fields := make([]FormField, len(s.template))
	copy(fields, s.template)

	ref := make(FormRef, len(fields))
	for index := range fields {
		fields[index].Value = NormalizeValue(fields[index].Value)
		ref[fields[index].Label] = fields[index].Value
	}

	form := Form{
		FormID:   s.nextFormID,
		Metadata: metadata,
		Ref:      ref,
		Fields:   fields,
	}
	s.nextFormID++

	s.container.Forms = append(s.container.Forms, form)
	s.container.ActiveFormID = form.FormID
	s.originals[form.FormID] = ref.Clone()

	return cloneForm(form), nil
}

// SeedForm installs a server-fetched form as-is, recording its current values
// as the original snapshot for change tracking. Used by the edit and AI
// workflows where forms pre-exist upstream.
func (s *Session) SeedForm(metadata FormMetadata, values FormRef) (Form, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fields := make([]FormField, len(s.template))
	copy(fields, s.template)

	ref := make(FormRef, len(fields))
	for index := range fields {
		value := NormalizeValue(fields[index].Value)
		if seeded, ok := values[fields[index].Label]; ok {
			value = NormalizeValue(seeded)
		}
		fields[index].Value = value
		ref[fields[index].Label] = value
	}
	// Server-supplied keys outside the template (record numbers, metadata
	// echoes) still belong to the form ref.
	for label, value := range values {
		if _, known := ref[label]; !known {
			ref[label] = NormalizeValue(value)
		}
	}

	form := Form{
		FormID:   s.nextFormID,
		Metadata: metadata,
		Ref:      ref,
		Fields:   fields,
	}
	s.nextFormID++

	s.container.Forms = append(s.container.Forms, form)
	s.container.ActiveFormID = form.FormID
	s.originals[form.FormID] = ref.Clone()

	return cloneForm(form), nil
}

// UpdateField normalizes and applies one field mutation, reconciling the
// pending change set against the original snapshot. The stored value always
// becomes the new value, even when the edit reverts to the original.
func (s *Session) UpdateField(formID int, label string, value any) error {
	if !s.mode.Editable() {
		return ErrReadonlySession
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	form := s.lookupForm(formID)
	if form == nil {
		return fmt.Errorf("%w: %d", ErrUnknownForm, formID)
	}
	field := form.Field(label)
	if field == nil {
		return fmt.Errorf("%w: %q", ErrUnknownField, label)
	}

	normalized := NormalizeValue(value)
	field.Value = normalized
	form.Ref[label] = normalized

	s.changes.Track(formID, *field, s.originals[formID][label], normalized)
	return nil
}

// ClearAllEdits restores every form to its original snapshot and empties the
// change set. No network interaction is involved.
func (s *Session) ClearAllEdits() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for index := range s.container.Forms {
		form := &s.container.Forms[index]
		original, ok := s.originals[form.FormID]
		if !ok {
			continue
		}
		form.Ref = original.Clone()
		for fieldIndex := range form.Fields {
			form.Fields[fieldIndex].Value = original[form.Fields[fieldIndex].Label]
		}
	}
	s.changes.Reset()
}

// SetActiveForm switches the active form. Unknown ids are rejected with
// ErrUnknownForm.
func (s *Session) SetActiveForm(formID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lookupForm(formID) == nil {
		return fmt.Errorf("%w: %d", ErrUnknownForm, formID)
	}
	s.container.ActiveFormID = formID
	return nil
}

// DeleteForm removes a form and its pending changes. When the deleted form
// was active, the first remaining form becomes active.
func (s *Session) DeleteForm(formID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	index := -1
	for position := range s.container.Forms {
		if s.container.Forms[position].FormID == formID {
			index = position
			break
		}
	}
	if index < 0 {
		return fmt.Errorf("%w: %d", ErrUnknownForm, formID)
	}

	s.container.Forms = append(s.container.Forms[:index], s.container.Forms[index+1:]...)
	delete(s.originals, formID)
	s.changes.DropForm(formID)

	if s.container.ActiveFormID == formID {
		if len(s.container.Forms) > 0 {
			s.container.ActiveFormID = s.container.Forms[0].FormID
		} else {
			s.container.ActiveFormID = 0
		}
	}
	return nil
}

// ActiveForm returns a copy of the currently active form.
func (s *Session) ActiveForm() (Form, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.container.ActiveFormID == 0 {
		return Form{}, ErrNoActiveForm
	}
	form := s.lookupForm(s.container.ActiveFormID)
	if form == nil {
		return Form{}, ErrNoActiveForm
	}
	return cloneForm(*form), nil
}

// Forms returns copies of every form in session order.
func (s *Session) Forms() []Form {
	s.mu.Lock()
	defer s.mu.Unlock()

	duplicates := make([]Form, 0, len(s.container.Forms))
	for _, form := range s.container.Forms {
		duplicates = append(duplicates, cloneForm(form))
	}
	return duplicates
}

// Changes returns the pending change list in stable order.
func (s *Session) Changes() []FormChange {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changes.Changes()
}

// Validate recomputes the full validation error list for the session.
func (s *Session) Validate() []FormError {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ValidateForms(s.appID, s.template, s.container.Forms)
}

// Transactions projects the pending change list into submission-ready audit
// transactions. The record number discriminator follows the session mode: AI
// sessions populate AIRecordNumber, everything else RecordNumber.
func (s *Session) Transactions(createdBy string, auditTrack []int) []AuditTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()

	changes := s.changes.Changes()
	transactions := make([]AuditTransaction, 0, len(changes))
	transactionDate := s.clock().UTC().Format(time.RFC3339)

	for _, change := range changes {
		transaction := AuditTransaction{
			AppID:           s.appID.Int(),
			FieldID:         change.FieldID,
			FieldName:       change.FieldName,
			OldValue:        change.OldValue,
			NewValue:        change.NewValue,
			AuditTrack:      append([]int(nil), auditTrack...),
			CreatedBy:       createdBy,
			TransactionDate: transactionDate,
		}
		recordNumber := s.recordNumberLocked(change.FormID)
		if s.mode == ModeAI {
			transaction.AIRecordNumber = recordNumber
		} else {
			transaction.RecordNumber = recordNumber
		}
		transactions = append(transactions, transaction)
	}
	return transactions
}

// PendingRecords returns copies of the forms that have no upstream record
// number yet, in session order. These must be created against the platform
// before their changes can be submitted.
func (s *Session) PendingRecords() []Form {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []Form
	for _, form := range s.container.Forms {
		if s.recordNumberLocked(form.FormID) == "" {
			pending = append(pending, cloneForm(form))
		}
	}
	return pending
}

// AssignRecordNumbers writes platform-assigned record numbers into the forms
// and their original snapshots, so the assignment itself never enters the
// change set. All ids are validated before any form is touched.
func (s *Session) AssignRecordNumbers(assignments map[int]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for formID := range assignments {
		if s.lookupForm(formID) == nil {
			return fmt.Errorf("%w: %d", ErrUnknownForm, formID)
		}
	}
	for formID, recordNumber := range assignments {
		form := s.lookupForm(formID)
		form.Ref[FieldLabelRecordNumber] = recordNumber
		if original, ok := s.originals[formID]; ok {
			original[FieldLabelRecordNumber] = recordNumber
		}
	}
	return nil
}

// RecordNumber returns the upstream record number of a form, empty when the
// form has not been created upstream.
func (s *Session) RecordNumber(formID int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lookupForm(formID) == nil {
		return "", fmt.Errorf("%w: %d", ErrUnknownForm, formID)
	}
	return s.recordNumberLocked(formID), nil
}

// ChangedForms returns copies of the forms carrying at least one pending
// change, in session order.
func (s *Session) ChangedForms() []Form {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := make(map[int]bool)
	for _, change := range s.changes.Changes() {
		changed[change.FormID] = true
	}

	var result []Form
	for _, form := range s.container.Forms {
		if changed[form.FormID] {
			result = append(result, cloneForm(form))
		}
	}
	return result
}

// SessionState is the serializable snapshot mirrored to persistence after
// every mutation.
type SessionState struct {
	AppID      int             `json:"app_id"`
	Mode       Mode            `json:"mode"`
	Container  QAForms         `json:"container"`
	Originals  map[int]FormRef `json:"originals"`
	Changes    []FormChange    `json:"changes"`
	NextFormID int             `json:"next_form_id"`
}

// Snapshot captures the full session state.
func (s *Session) Snapshot() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()

	originals := make(map[int]FormRef, len(s.originals))
	for formID, ref := range s.originals {
		originals[formID] = ref.Clone()
	}

	duplicates := make([]Form, 0, len(s.container.Forms))
	for _, form := range s.container.Forms {
		duplicates = append(duplicates, cloneForm(form))
	}

	return SessionState{
		AppID:      s.appID.Int(),
		Mode:       s.mode,
		Container:  QAForms{Forms: duplicates, ActiveFormID: s.container.ActiveFormID},
		Originals:  originals,
		Changes:    s.changes.Changes(),
		NextFormID: s.nextFormID,
	}
}

// RestoreSession rebuilds a session from a persisted snapshot.
func RestoreSession(state SessionState, template []FormField, clock func() time.Time) (*Session, error) {
	appID, err := NewAppID(state.AppID)
	if err != nil {
		return nil, err
	}
	session, err := NewSession(SessionConfig{
		AppID:    appID,
		Mode:     state.Mode,
		Template: template,
		Clock:    clock,
	})
	if err != nil {
		return nil, err
	}

	session.container = state.Container
	session.originals = make(map[int]FormRef, len(state.Originals))
	for formID, ref := range state.Originals {
		session.originals[formID] = ref.Clone()
	}
	session.changes.Restore(state.Changes)
	session.nextFormID = state.NextFormID
	if session.nextFormID < 1 {
		session.nextFormID = 1
	}
	return session, nil
}

func (s *Session) lookupForm(formID int) *Form {
	for index := range s.container.Forms {
		if s.container.Forms[index].FormID == formID {
			return &s.container.Forms[index]
		}
	}
	return nil
}

func (s *Session) recordNumberLocked(formID int) string {
	form := s.lookupForm(formID)
	if form == nil {
		return ""
	}
	if value, ok := form.Ref[FieldLabelRecordNumber].(string); ok {
		return value
	}
	return ""
}

func cloneForm(form Form) Form {
	duplicate := form
	duplicate.Ref = form.Ref.Clone()
	duplicate.Fields = make([]FormField, len(form.Fields))
	copy(duplicate.Fields, form.Fields)
	return duplicate
}
