package forms

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var numericCallIDPattern = regexp.MustCompile(`^[0-9]+$`)

// Call types that cannot be scored against an SMP recording.
var smpDisallowedCallTypes = map[string]struct{}{
	"FL": {},
	"SP": {},
}

const frameCodeTV = "TV"

// ValidateForms recomputes the validation error list for a set of forms
// against the application template. The function is pure: the same inputs
// always produce the same list, sorted by form id ascending. Errors are
// recomputed wholesale rather than maintained incrementally; sessions hold
// tens of forms, not thousands.
func ValidateForms(appID AppID, template []FormField, formList []Form) []FormError {
	formErrors := make([]FormError, 0)

	for _, form := range formList {
		formErrors = append(formErrors, requiredFieldErrors(template, form)...)
		formErrors = append(formErrors, callIDErrors(template, form)...)
		if appID == AppIDAudioSMP {
			formErrors = append(formErrors, audioSMPErrors(form)...)
		}
	}

	sort.SliceStable(formErrors, func(i, j int) bool {
		return formErrors[i].FormID < formErrors[j].FormID
	})
	return formErrors
}

// requiredFieldErrors aggregates every missing required field of one form
// into a single error with the display names comma-joined.
func requiredFieldErrors(template []FormField, form Form) []FormError {
	missing := make([]string, 0)
	for _, field := range template {
		if !field.Required {
			continue
		}
		if NormalizeValue(form.Ref[field.Label]) == nil {
			missing = append(missing, field.DisplayName())
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return []FormError{{
		FormID:       form.FormID,
		Error:        ErrorMissingRequired,
		ErrorContext: strings.Join(missing, ", "),
	}}
}

func callIDErrors(template []FormField, form Form) []FormError {
	if !templateHasField(template, FieldLabelSampleID) {
		return nil
	}
	value := NormalizeValue(form.Ref[FieldLabelSampleID])
	if value == nil {
		return nil
	}
	rendered := fmt.Sprint(value)
	if numericCallIDPattern.MatchString(rendered) {
		return nil
	}
	return []FormError{{
		FormID:       form.FormID,
		Error:        ErrorInvalidCallID,
		ErrorContext: rendered,
	}}
}

// audioSMPErrors enforces the Audio/SMP cross-field rules: SMP recordings
// forbid FL/SP call types and require the TV frame code, while Audio
// recordings forbid it.
func audioSMPErrors(form Form) []FormError {
	mediaKind := stringValue(form.Ref[FieldLabelAudioSMP])
	callType := stringValue(form.Ref[FieldLabelCallType])
	frameCode := stringValue(form.Ref[FieldLabelFrameCode])

	formErrors := make([]FormError, 0)
	switch mediaKind {
	case "SMP":
		if _, disallowed := smpDisallowedCallTypes[callType]; disallowed {
			formErrors = append(formErrors, FormError{
				FormID:       form.FormID,
				Error:        ErrorCalltypeSMP,
				ErrorContext: callType,
			})
		}
		if frameCode != "" && frameCode != frameCodeTV {
			formErrors = append(formErrors, FormError{
				FormID:       form.FormID,
				Error:        ErrorFramecodeSMP,
				ErrorContext: frameCode,
			})
		}
	case "Audio":
		if frameCode == frameCodeTV {
			formErrors = append(formErrors, FormError{
				FormID:       form.FormID,
				Error:        ErrorFramecodeAudio,
				ErrorContext: frameCode,
			})
		}
	}
	return formErrors
}

func templateHasField(template []FormField, label string) bool {
	for _, field := range template {
		if field.Label == label {
			return true
		}
	}
	return false
}

func stringValue(value any) string {
	if normalized := NormalizeValue(value); normalized != nil {
		if text, ok := normalized.(string); ok {
			return text
		}
		return fmt.Sprint(normalized)
	}
	return ""
}
