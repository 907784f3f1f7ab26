package codec

import "github.com/pkg/errors"

// codec errors
var (
	ErrMalformedFrame   = errors.New("malformed frame")
	ErrIntegrityFailure = errors.New("mic verification failed")
)
