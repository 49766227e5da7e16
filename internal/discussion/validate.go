package discussion

import (
	"fmt"
	"slices"
	"strings"
	"unicode/utf8"
)

// ValidateContent checks message text. Blank text is accepted only when
// allowBlank is set (photo captions).
func ValidateContent(content string, allowBlank bool) error {
	if !allowBlank && strings.TrimSpace(content) == "" {
		return NewValidationError("content", "content is required")
	}
	if n := utf8.RuneCountInString(content); n > MaxContentLength {
		return NewValidationError("content", fmt.Sprintf("content exceeds %d characters (got %d)", MaxContentLength, n))
	}
	return nil
}

func ValidatePoll(question string, options []string) error {
	var errs []FieldError
	if strings.TrimSpace(question) == "" {
		errs = append(errs, FieldError{Field: "question", Message: "question is required"})
	} else if utf8.RuneCountInString(question) > MaxContentLength {
		errs = append(errs, FieldError{Field: "question", Message: fmt.Sprintf("question exceeds %d characters", MaxContentLength)})
	}
	if len(options) < MinPollOptions {
		errs = append(errs, FieldError{Field: "options", Message: fmt.Sprintf("at least %d options are required", MinPollOptions)})
	}
	for i, option := range options {
		if strings.TrimSpace(option) == "" {
			errs = append(errs, FieldError{Field: fmt.Sprintf("options[%d]", i), Message: "option label is required"})
		}
	}
	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	return nil
}

// ValidateMembers enforces creator ⊆ participants and admins ⊆ participants.
func ValidateMembers(creatorID string, participants, admins []string) error {
	var errs []FieldError
	if strings.TrimSpace(creatorID) == "" {
		errs = append(errs, FieldError{Field: "creatorId", Message: "creator is required"})
	} else if !slices.Contains(participants, creatorID) {
		errs = append(errs, FieldError{Field: "creatorId", Message: "creator must be a participant"})
	}
	seen := make(map[string]struct{}, len(participants))
	for _, p := range participants {
		if strings.TrimSpace(p) == "" {
			errs = append(errs, FieldError{Field: "participants", Message: "participant id is required"})
			continue
		}
		if _, dup := seen[p]; dup {
			errs = append(errs, FieldError{Field: "participants", Message: "duplicate participant " + p})
		}
		seen[p] = struct{}{}
	}
	for _, a := range admins {
		if _, ok := seen[a]; !ok {
			errs = append(errs, FieldError{Field: "admins", Message: "admin " + a + " must be a participant"})
		}
	}
	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	return nil
}

func validateOption(p *Poll, option int) error {
	if option < 0 || option >= len(p.Options) {
		return NewValidationError("option", fmt.Sprintf("option %d out of range [0,%d)", option, len(p.Options)))
	}
	return nil
}
