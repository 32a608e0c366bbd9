package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/phbpx/leads"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// errorBody is the JSON document returned for every failed request.
type errorBody struct {
	Code   string              `json:"code"`
	Error  string              `json:"error"`
	Fields map[string][]string `json:"fields,omitempty"`
}

func decode(r *http.Request, into interface{}) error {
	rawJson, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	return json.Unmarshal(rawJson, into)
}

func respond(ctx context.Context, rw http.ResponseWriter, status int, data interface{}) {
	ctx, span := otel.GetTracerProvider().Tracer("").Start(ctx, "handler.respond")
	span.SetAttributes(attribute.Int("http.status", status))
	defer span.End()

	if status == http.StatusNoContent || data == nil {
		rw.WriteHeader(status)
		return
	}

	rawJson, err := json.Marshal(data)
	if err != nil {
		panic("respond-json-marshal:" + err.Error())
	}

	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	rw.Write(rawJson)
}

func respondErr(ctx context.Context, rw http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		span := trace.SpanFromContext(ctx)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	body := errorBody{
		Code:  http.StatusText(status),
		Error: err.Error(),
	}
	var verr *leads.ValidationError
	if errors.As(err, &verr) {
		body.Fields = verr.FieldMap()
	}
	respond(ctx, rw, status, body)
}

// statusFor maps a domain error onto its HTTP status.
func statusFor(err error) int {
	var verr *leads.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, leads.ErrLeadNotFound):
		return http.StatusNotFound
	case errors.Is(err, leads.ErrDuplicateEmail):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
