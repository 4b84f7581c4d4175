package transfer

import (
	"fmt"
	"net/http"
)

// HTTPStatusError reports a response status the chunk protocol cannot use,
// a 403 or 404 for example. It is always permanent: the retrying client
// has already given transient statuses their chances.
type HTTPStatusError struct {
	StatusCode int
}

func ErrUnexpectedHTTPStatus(statusCode int) error {
	return HTTPStatusError{StatusCode: statusCode}
}

var _ error = HTTPStatusError{}

func (e HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected status %d (%s)", e.StatusCode, http.StatusText(e.StatusCode))
}
