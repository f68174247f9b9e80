package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/caminholabs/orienta/internal/persistence"
)

// ErrorKind identifies one row of the failure taxonomy.
type ErrorKind string

const (
	KindNotFound        ErrorKind = "NotFound"
	KindIncompleteInput ErrorKind = "IncompleteInput"
	KindValidation      ErrorKind = "ValidationError"
	KindExternalService ErrorKind = "ExternalServiceError"
	KindPersistence     ErrorKind = "PersistenceError"
	KindSkillNotFound   ErrorKind = "SkillNotFound"
	KindInternal        ErrorKind = "Internal"
)

// NotFoundError reports a missing user or resource. Recoverable marks
// absences the caller can fix by supplying data (a profile not yet created),
// which terminate as input_required instead of failed.
type NotFoundError struct {
	Resource    string
	ID          string
	Recoverable bool
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

// IncompleteInputError reports required fields missing for an operation.
type IncompleteInputError struct {
	Operation string
	Missing   []string
}

func (e *IncompleteInputError) Error() string {
	return fmt.Sprintf("%s: missing required fields: %s", e.Operation, strings.Join(e.Missing, ", "))
}

// ValidationError reports a malformed or unusable payload.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + e.Reason
}

// ExternalServiceError reports a failed call to a downstream service.
type ExternalServiceError struct {
	Service    string
	StatusCode int
	Body       string
	Timeout    bool
}

func (e *ExternalServiceError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("%s: request timed out", e.Service)
	}
	return fmt.Sprintf("%s returned status %d", e.Service, e.StatusCode)
}

// Retryable reports whether resubmitting the same request may succeed:
// timeouts and 5xx responses, not caller errors.
func (e *ExternalServiceError) Retryable() bool {
	return e.Timeout || e.StatusCode >= 500 || e.StatusCode == 0
}

// PersistenceError reports a task store failure.
type PersistenceError struct {
	Operation string
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Operation, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// SkillNotFoundError reports a request that resolved nowhere: the skill id
// has no native handler and no fallback agent is configured.
type SkillNotFoundError struct {
	SkillID string
}

func (e *SkillNotFoundError) Error() string {
	if e.SkillID == "" {
		return "no fallback agent configured"
	}
	return "skill not registered and no fallback agent configured: " + e.SkillID
}

// Classification is the fixed triple every failure maps to.
type Classification struct {
	Kind      ErrorKind
	Message   string // user-facing, never leaks internals
	Retryable bool
	State     persistence.TaskState
}

// User-facing message templates. The service's audience is Brazilian
// Portuguese speakers; server logs stay in English.
const (
	msgProfileNotFound = "Não encontrei seu perfil. Vamos criar um agora? Me conte sobre sua formação e experiências."
	msgNotFound        = "Não encontrei o que você procura. Verifique as informações e tente novamente."
	msgIncomplete      = "Para continuar, preciso de mais algumas informações: %s."
	msgValidation      = "Não consegui entender sua solicitação. Pode reformular?"
	msgExternalDown    = "O serviço está temporariamente indisponível. Tente novamente em alguns instantes."
	msgExternalDenied  = "Não foi possível completar a operação no serviço externo."
	msgPersistence     = "Tive um problema ao acessar seus dados. Tente novamente em instantes."
	msgSkillNotFound   = "Não reconheço a operação solicitada."
	msgInternal        = "Desculpe, ocorreu um erro inesperado. Tente novamente."
)

// Classify maps any error to exactly one Classification. It is pure and
// total: nil and unrecognized errors map to Internal, and it never panics.
func Classify(err error) Classification {
	var (
		notFound   *NotFoundError
		incomplete *IncompleteInputError
		validation *ValidationError
		external   *ExternalServiceError
		persist    *PersistenceError
		noSkill    *SkillNotFoundError
	)

	switch {
	case errors.As(err, &notFound):
		if notFound.Recoverable {
			return Classification{
				Kind:    KindNotFound,
				Message: msgProfileNotFound,
				State:   persistence.StateInputRequired,
			}
		}
		return Classification{
			Kind:    KindNotFound,
			Message: msgNotFound,
			State:   persistence.StateFailed,
		}

	case errors.As(err, &incomplete):
		return Classification{
			Kind:    KindIncompleteInput,
			Message: fmt.Sprintf(msgIncomplete, strings.Join(incomplete.Missing, ", ")),
			State:   persistence.StateInputRequired,
		}

	case errors.As(err, &validation):
		return Classification{
			Kind:    KindValidation,
			Message: msgValidation,
			State:   persistence.StateFailed,
		}

	case errors.As(err, &external):
		if external.Retryable() {
			return Classification{
				Kind:      KindExternalService,
				Message:   msgExternalDown,
				Retryable: true,
				State:     persistence.StateFailed,
			}
		}
		return Classification{
			Kind:    KindExternalService,
			Message: msgExternalDenied,
			State:   persistence.StateFailed,
		}

	case errors.As(err, &persist):
		return Classification{
			Kind:      KindPersistence,
			Message:   msgPersistence,
			Retryable: true,
			State:     persistence.StateFailed,
		}

	case errors.As(err, &noSkill):
		return Classification{
			Kind:    KindSkillNotFound,
			Message: msgSkillNotFound,
			State:   persistence.StateFailed,
		}

	default:
		return Classification{
			Kind:    KindInternal,
			Message: msgInternal,
			State:   persistence.StateFailed,
		}
	}
}
