package types

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

var (
	idRegex  = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)
	validate = validator.New(validator.WithRequiredStructEnabled())
)

// IsValidID checks user, group and event identifiers.
func IsValidID(id string) bool {
	if len(id) < 1 || len(id) > 64 {
		return false
	}
	return idRegex.MatchString(id)
}

// IsValidKind checks a message kind.
func IsValidKind(kind string) bool {
	switch kind {
	case KindNormal, KindTyping, KindSystem, KindAlert:
		return true
	default:
		return false
	}
}

// Validate checks a message before it is stored or broadcast.
func (m *ChatMessage) Validate(maxBodyLength int) error {
	if !IsValidID(m.GroupID) || !IsValidID(m.SenderID) {
		return ErrInvalidID
	}
	if !IsValidKind(m.Kind) {
		return ErrInvalidKind
	}
	if m.Kind != KindTyping {
		if err := ValidateBody(m.Body, maxBodyLength); err != nil {
			return err
		}
	}
	if m.Location != nil {
		if err := validate.Struct(m.Location); err != nil {
			return ErrInvalidLocation
		}
	}
	return nil
}

// ValidateBody checks the body exactly as it will be stored. Length is
// counted in characters, not bytes; a non-positive max disables the check.
func ValidateBody(body string, max int) error {
	if strings.TrimSpace(body) == "" {
		return ErrEmptyBody
	}
	if max > 0 && utf8.RuneCountInString(body) > max {
		return ErrBodyTooLong
	}
	return nil
}

// ParseInboundFrame decodes and structurally validates a client frame.
// Body length is checked by the caller so that oversized messages can be
// reported with their own error code.
func ParseInboundFrame(data []byte) (*InboundFrame, error) {
	var frame InboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, ErrMalformedFrame
	}
	if err := validate.Struct(&frame); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return nil, ErrUnknownFrame
		}
		return nil, ErrMalformedFrame
	}
	return &frame, nil
}

// Validate checks the internal broadcast request. Latitude and longitude
// must be given together.
func (r *AlertRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return err
	}
	if (r.Latitude == nil) != (r.Longitude == nil) {
		return ErrInvalidLocation
	}
	if !IsValidID(r.EventID) || !IsValidID(r.UserID) {
		return ErrInvalidID
	}
	return nil
}
