package httputil

import (
	"net/http"
)

// HandleError writes a DefaultErrorJson response with the given
// message and status code.
func HandleError(w http.ResponseWriter, message string, code int) {
	errJson := &DefaultErrorJson{
		Message: message,
		Code:    code,
	}
	WriteError(w, errJson)
}
