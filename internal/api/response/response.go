// Package response writes the control plane's JSON envelopes.
//
// Successful bodies carry {"data": ...}, lists add a "meta" block and
// failures carry {"error": {"code", "message", "details"}}.
package response

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
)

type dataBody struct {
	Data any   `json:"data"`
	Meta *Meta `json:"meta,omitempty"`
}

type errorBody struct {
	Error Problem `json:"error"`
}

// Problem is the body of an error envelope.
type Problem struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Meta describes one page of a list.
type Meta struct {
	Page    int  `json:"page"`
	Limit   int  `json:"limit"`
	Total   int  `json:"total"`
	HasNext bool `json:"has_next"`
}

// FirstPage is the meta for a list served as a single page of at most limit
// items. A full page means more may follow.
func FirstPage(limit, count int) Meta {
	return Meta{Page: 1, Limit: limit, Total: count, HasNext: limit > 0 && count >= limit}
}

func JSON(w http.ResponseWriter, data any) {
	write(w, http.StatusOK, dataBody{Data: data})
}

func Created(w http.ResponseWriter, data any) {
	write(w, http.StatusCreated, dataBody{Data: data})
}

// Accepted is used when work continues after the response, such as a
// checkpoint queued for persistence.
func Accepted(w http.ResponseWriter, data any) {
	write(w, http.StatusAccepted, dataBody{Data: data})
}

func Collection(w http.ResponseWriter, data any, meta Meta) {
	write(w, http.StatusOK, dataBody{Data: data, Meta: &meta})
}

func Error(w http.ResponseWriter, status int, code, message string, details any) {
	write(w, status, errorBody{Error: Problem{Code: code, Message: message, Details: details}})
}

// write encodes before touching the header so an unencodable value turns
// into a 500 instead of a truncated 200.
func write(w http.ResponseWriter, status int, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
		buf.Reset()
		status = http.StatusInternalServerError
		_ = json.NewEncoder(&buf).Encode(errorBody{Error: Problem{
			Code: "INTERNAL_ERROR", Message: "Response could not be encoded",
		}})
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}
