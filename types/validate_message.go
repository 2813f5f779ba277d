package types

import "fmt"

// newAndValidate is the checked half of the two-tier message constructor
// pattern named in the design notes: it runs the field-level invariants
// that apply to every Message regardless of role, then delegates to
// newMessageUnchecked. The broader Schema Validator (package validate)
// layers additional, request-level checks (enum membership across a whole
// ModelRequest, numeric ranges, provider-option exclusions) on top of this.
func newAndValidate(role Role, content string, parts []Content, name string) (Message, error) {
	if !role.Valid() {
		return Message{}, &FieldError{Field: "role", Message: fmt.Sprintf("unrecognized role %q", role)}
	}
	if content != "" && len(parts) > 0 {
		return Message{}, &FieldError{Field: "content", Message: "content and parts are mutually exclusive"}
	}
	if role.RequiresName() && name == "" {
		return Message{}, &FieldError{Field: "name", Message: fmt.Sprintf("role %q requires a name", role)}
	}
	for i, p := range parts {
		if p.Type != ContentTypeText && p.Type != ContentTypeImageURL {
			return Message{}, &FieldError{Field: fmt.Sprintf("parts[%d].type", i), Message: fmt.Sprintf("unrecognized content type %q", p.Type)}
		}
		if p.Type == ContentTypeImageURL {
			if p.ImageURL == nil || p.ImageURL.URL == "" {
				return Message{}, &FieldError{Field: fmt.Sprintf("parts[%d].image_url", i), Message: "image_url content requires a url"}
			}
			if !p.ImageURL.Detail.Valid() {
				return Message{}, &FieldError{Field: fmt.Sprintf("parts[%d].image_url.detail", i), Message: fmt.Sprintf("unrecognized detail %q", p.ImageURL.Detail)}
			}
		}
	}
	return newMessageUnchecked(role, content, parts, name), nil
}
