package csrf

import "errors"

// ErrEmptyToken is returned when the issuance endpoint answers without a token.
var ErrEmptyToken = errors.New("csrf: empty token in response")
