package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// ErrMalformed marks an inbound frame that is not a usable edit
var ErrMalformed = errors.New("malformed edit")

var validate = validator.New()

// Edit is the client -> server message carrying the sender's whole buffer.
// Code is a pointer so that a missing field can be told apart from an empty
// buffer.
type Edit struct {
	Code           *string `json:"code" validate:"required"`
	Username       *string `json:"username" validate:"omitempty,max=64"`
	CursorPosition *int    `json:"cursorPosition" validate:"omitempty,gte=0"`
}

// Author returns the display name to attach to the broadcast, nil when the
// sender gave none.
func (e Edit) Author() *string {
	if e.Username == nil || *e.Username == "" {
		return nil
	}
	return e.Username
}

// ParseEdit decodes and validates one inbound frame
func ParseEdit(data []byte) (Edit, error) {
	var edit Edit
	if err := json.Unmarshal(data, &edit); err != nil {
		return Edit{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := validate.Struct(edit); err != nil {
		return Edit{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return edit, nil
}
