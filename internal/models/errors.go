package models

import (
	"errors"
	"fmt"
)

// PreprocessingError means an input image could not be decoded or converted.
type PreprocessingError struct {
	Err error
}

func (e *PreprocessingError) Error() string { return "preprocessing: " + e.Err.Error() }
func (e *PreprocessingError) Unwrap() error { return e.Err }

// EncodingError means the vision backbone failed on an otherwise valid tensor.
type EncodingError struct {
	Err error
}

func (e *EncodingError) Error() string { return "encoding: " + e.Err.Error() }
func (e *EncodingError) Unwrap() error { return e.Err }

// ProjectionError means the features do not fit the projection layer. It
// indicates a configuration or checkpoint mismatch.
type ProjectionError struct {
	Got, Want int
}

func (e *ProjectionError) Error() string {
	return fmt.Sprintf("projection: feature width %d does not match vision hidden size %d", e.Got, e.Want)
}

// ModelLoadError means the model could not be constructed (checkpoint missing,
// unreadable or incompatible, device unavailable).
type ModelLoadError struct {
	Path string
	Err  error
}

func (e *ModelLoadError) Error() string {
	if e.Path == "" {
		return "model load: " + e.Err.Error()
	}
	return fmt.Sprintf("model load %s: %v", e.Path, e.Err)
}

func (e *ModelLoadError) Unwrap() error { return e.Err }

// IsPerImageError reports whether err only concerns the image being processed,
// so a batch can record it and move on.
func IsPerImageError(err error) bool {
	var pe *PreprocessingError
	var ee *EncodingError
	return errors.As(err, &pe) || errors.As(err, &ee)
}
