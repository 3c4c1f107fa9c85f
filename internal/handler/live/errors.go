package live

import (
	"errors"

	"github.com/md2gost/studio/backend/internal/model/render"
)

// errorMessage keeps the engine diagnostic when there is one.
func errorMessage(err error) string {
	var engineErr *render.EngineError
	switch {
	case errors.As(err, &engineErr) && engineErr.Message != "":
		return engineErr.Message
	case errors.Is(err, render.ErrRenderingTimeout):
		return "preview timed out"
	case err != nil:
		return err.Error()
	default:
		return ""
	}
}
