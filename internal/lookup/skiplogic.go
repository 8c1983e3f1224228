package lookup

import (
	"github.com/qaops/ccqa-backend/internal/forms"
	"github.com/qaops/ccqa-backend/internal/upstream"
)

// scoringFieldTypes are the only field kinds skip logic may disable.
var scoringFieldTypes = map[forms.FieldType]struct{}{
	forms.FieldTypeScoringDropdown: {},
	forms.FieldTypeScoringCheckbox: {},
}

// ApplySkipRules returns a copy of the template with the scoring fields
// disabled that match a rule for the given call type / form type
// combination. An empty form type on a rule matches every form type.
func ApplySkipRules(template []forms.FormField, rules []upstream.SkipRule, callType, formType string) []forms.FormField {
	disabled := make(map[string]struct{})
	for _, rule := range rules {
		if rule.CallType != callType {
			continue
		}
		if rule.FormType != "" && rule.FormType != formType {
			continue
		}
		for _, label := range rule.DisabledFields {
			disabled[label] = struct{}{}
		}
	}

	adjusted := make([]forms.FormField, len(template))
	copy(adjusted, template)
	for index := range adjusted {
		if _, scoring := scoringFieldTypes[adjusted[index].Type]; !scoring {
			continue
		}
		if _, skip := disabled[adjusted[index].Label]; skip {
			adjusted[index].Disabled = true
			adjusted[index].Value = nil
		}
	}
	return adjusted
}
