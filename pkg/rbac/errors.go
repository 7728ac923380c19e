package rbac

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

var (
	// ErrNotFound is returned when a referenced entity or permission does not exist.
	// Object-level guards also return it when access is denied, to hide existence.
	ErrNotFound = errors.New("not found")
	// ErrForbidden is returned when a global permission check fails.
	ErrForbidden = errors.New("forbidden")
	// ErrIntegrity is returned when a delete or move would break referential rules.
	ErrIntegrity = errors.New("integrity violation")
	// ErrInvalidPermission is returned for a permission that does not fit the target.
	ErrInvalidPermission = errors.New("invalid permission")
	// ErrInvalidArgument is returned for malformed input.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrUnsupported is returned when the configured backends cannot serve a request.
	ErrUnsupported = errors.New("unsupported")
	// ErrStoreFailure matches every StoreError.
	ErrStoreFailure = errors.New("store failure")
)

// StoreError wraps a persistence failure with the grant context it happened in.
type StoreError struct {
	Op         string
	Object     string
	Subject    string
	Permission string
	Err        error
}

func (e *StoreError) Error() string {
	var parts []string
	if e.Object != "" {
		parts = append(parts, "object="+e.Object)
	}
	if e.Subject != "" {
		parts = append(parts, "subject="+e.Subject)
	}
	if e.Permission != "" {
		parts = append(parts, "permission="+e.Permission)
	}
	if len(parts) == 0 {
		return fmt.Sprintf("failed to %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("failed to %s (%s): %v", e.Op, strings.Join(parts, " "), e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrStoreFailure) hold for every StoreError.
func (e *StoreError) Is(target error) bool { return target == ErrStoreFailure }

// Fields returns the error context as structured log fields.
func (e *StoreError) Fields() map[string]interface{} {
	return map[string]interface{}{
		"op":         e.Op,
		"object":     e.Object,
		"subject":    e.Subject,
		"permission": e.Permission,
	}
}

func describeObject(obj Object) string {
	if obj == nil {
		return ""
	}
	return fmt.Sprintf("%s:%s", obj.Kind(), obj.ObjectName())
}

func describeSubject(subj Subject) string {
	if subj == nil {
		return ""
	}
	return fmt.Sprintf("%s:%s", subj.SubjectKind(), subj.SubjectName())
}

func storeErr(op string, obj Object, subj Subject, perm string, err error) error {
	return &StoreError{
		Op:         op,
		Object:     describeObject(obj),
		Subject:    describeSubject(subj),
		Permission: perm,
		Err:        err,
	}
}

// uniqueViolation reports whether err is a unique-constraint failure from
// either supported driver.
func uniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

// createErr maps a failed insert: duplicate names are integrity conflicts,
// anything else is a store failure.
func createErr(what, name string, obj Object, subj Subject, err error) error {
	if uniqueViolation(err) {
		return fmt.Errorf("%s %q already exists: %w", what, name, ErrIntegrity)
	}
	return storeErr("create "+what, obj, subj, "", err)
}

func notFound(what string, ref interface{}) error {
	return fmt.Errorf("%s %v: %w", what, ref, ErrNotFound)
}

// HTTPStatus maps an engine error to a response status code.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrIntegrity):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidPermission), errors.Is(err, ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnsupported):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}
