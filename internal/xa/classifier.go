package xa

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// connectionExceptionClass is the SQLSTATE class for connection exceptions.
const connectionExceptionClass = "08"

// Classifier maps a failure raised while carrying out a routine to the XA
// error reported to the transaction manager.
type Classifier interface {
	Classify(routine Routine, err error) *Error
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(routine Routine, err error) *Error

// Classify calls f.
func (f ClassifierFunc) Classify(routine Routine, err error) *Error {
	return f(routine, err)
}

// DefaultClassifier reports connection-level failures as
// ResourceManagerUnavailable and everything else as ResourceError. Errors
// already carrying an *Error pass through unchanged.
var DefaultClassifier Classifier = ClassifierFunc(classify)

func classify(routine Routine, err error) *Error {
	var xe *Error

	if err == nil {
		return nil
	} else if errors.As(err, &xe) {
		return xe
	} else if connectionFailure(err) {
		return &Error{Code: ResourceManagerUnavailable, Routine: routine, Err: err}
	}
	return &Error{Code: ResourceError, Routine: routine, Err: err}
}

type sqlStater interface {
	SQLState() string
}

func connectionFailure(err error) bool {
	var (
		pgErr  *pgconn.PgError
		netErr net.Error
		stater sqlStater
	)

	switch {
	case errors.Is(err, driver.ErrBadConn), errors.Is(err, sql.ErrConnDone):
		return true
	case errors.As(err, &pgErr):
		return strings.HasPrefix(pgErr.Code, connectionExceptionClass)
	case pgconn.Timeout(err):
		return true
	case errors.As(err, &netErr):
		return true
	case errors.As(err, &stater):
		return strings.HasPrefix(stater.SQLState(), connectionExceptionClass)
	}
	return false
}
