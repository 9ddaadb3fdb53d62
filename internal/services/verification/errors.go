package verification

import "errors"

var ErrCategoryMismatch = errors.New("principal category does not match pass category")
