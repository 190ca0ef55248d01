package suggest

import (
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

type Request struct {
	Code           string `json:"code"`
	CursorPosition *int   `json:"cursorPosition" validate:"required,gte=0"`
	Language       string `json:"language"`
}

func (r Request) Validate() error {
	return validate.Struct(r)
}

// Service produces canned editor suggestions. It keeps no state.
type Service struct {
	placeholder string
}

func New(placeholder string) *Service {
	return &Service{placeholder: placeholder}
}

// Suggest returns a hint for the caret position. Python buffers get a logging
// hint indented like the caret's line; anything else gets the placeholder.
func (s *Service) Suggest(req Request) string {
	if !strings.EqualFold(req.Language, "python") && req.Language != "" {
		return s.placeholder
	}

	cursor := 0
	if req.CursorPosition != nil {
		cursor = *req.CursorPosition
	}
	indent := strings.Repeat(" ", leadingSpaces(currentLine(req.Code, cursor)))

	return indent + "# Suggestion: consider adding logging here\n" +
		indent + "print('Pairing session active')"
}

// currentLine is the last line of the text before the caret. The caret counts
// characters, not bytes, and is clamped to the buffer.
func currentLine(code string, cursor int) string {
	runes := []rune(code)
	if cursor > len(runes) {
		cursor = len(runes)
	}
	before := string(runes[:cursor])

	// A trailing line break does not open a new line
	before = strings.TrimSuffix(before, "\n")
	before = strings.TrimSuffix(before, "\r")

	if i := strings.LastIndexAny(before, "\r\n"); i >= 0 {
		return before[i+1:]
	}
	return before
}

func leadingSpaces(line string) int {
	return len(line) - len(strings.TrimLeft(line, " "))
}
