package handlers

import "errors"

var errEmptyBatch = errors.New("empty event batch")
