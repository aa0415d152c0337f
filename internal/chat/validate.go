package chat

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ashureev/studyhub/internal/domain"
	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// ValidateMessages checks the inbound message list. Errors wrap domain.ErrInvalidRequest.
func ValidateMessages(messages []domain.ChatMessage) error {
	if err := validate.Struct(&Request{Messages: messages}); err != nil {
		return fmt.Errorf("%w: %s", domain.ErrInvalidRequest, describe(err))
	}
	last := messages[len(messages)-1]
	if last.Role != domain.RoleUser {
		return fmt.Errorf("%w: last message must have role %q", domain.ErrInvalidRequest, domain.RoleUser)
	}
	if strings.TrimSpace(last.Content) == "" {
		return fmt.Errorf("%w: last message content is blank", domain.ErrInvalidRequest)
	}
	return nil
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	// Namespace is e.g. "Request.Messages[2].Role".
	field := strings.TrimPrefix(fe.Namespace(), "Request.")
	field = strings.ToLower(field[:1]) + field[1:]
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "min":
		return field + " must not be empty"
	case "max":
		return field + " has too many entries"
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, fe.Param())
	}
	return fmt.Sprintf("%s failed %s", field, fe.Tag())
}
