package web

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"binstatus-bridge/internal/coordinator"
	"binstatus-bridge/internal/expose"
	"binstatus-bridge/internal/timecodec"
	"binstatus-bridge/internal/zcl"
)

type schemaView struct {
	zcl.CommandSchema
	JSONSchema map[string]any `json:"json_schema"`
	Feature    expose.Feature `json:"feature"`
}

func newSchemaView(s zcl.CommandSchema) schemaView {
	return schemaView{CommandSchema: s, JSONSchema: expose.Document(s), Feature: expose.Describe(s)}
}

func (s *Server) handleAPIListSchemas(w http.ResponseWriter, r *http.Request) {
	all := s.coord.Registry().All()
	views := make([]schemaView, 0, len(all))
	for _, schema := range all {
		views = append(views, newSchemaView(schema))
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleAPIGetSchema(w http.ResponseWriter, r *http.Request) {
	schema, ok := s.coord.Registry().Lookup(r.PathValue("name"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "schema not found")
		return
	}
	s.writeJSON(w, http.StatusOK, newSchemaView(schema))
}

type encodeResponse struct {
	Wire    timecodec.WireValue `json:"wire"`
	Payload string              `json:"payload"`
	Frame   string              `json:"frame"`
}

// handleAPIEncode is a dry run: the logical value is encoded exactly as a
// send would, but nothing reaches the NCP.
func (s *Server) handleAPIEncode(w http.ResponseWriter, r *http.Request) {
	schema, ok := s.coord.Registry().Lookup(r.PathValue("name"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "schema not found")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	value, err := s.validator.Parse(schema, raw)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	wire, payload, err := s.coord.Encode(schema.Name, value)
	if err != nil {
		s.writeError(w, codecStatus(err), err.Error())
		return
	}
	frame := zcl.EncodeFrame(zcl.CommandHeader(schema.Identity), payload)
	s.writeJSON(w, http.StatusOK, encodeResponse{
		Wire:    wire,
		Payload: hex.EncodeToString(payload),
		Frame:   hex.EncodeToString(frame),
	})
}

type decodeRequest struct {
	Wire    timecodec.WireValue `json:"wire,omitempty"`
	Payload string              `json:"payload,omitempty"`
}

// handleAPIDecode accepts either per-field wire offsets or a hex payload.
func (s *Server) handleAPIDecode(w http.ResponseWriter, r *http.Request) {
	schema, ok := s.coord.Registry().Lookup(r.PathValue("name"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "schema not found")
		return
	}

	var req decodeRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	wire := req.Wire
	if req.Payload != "" {
		data, err := hex.DecodeString(req.Payload)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "payload is not hex")
			return
		}
		if wire, err = timecodec.UnmarshalPayload(schema, data); err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	value, err := s.coord.Decode(schema.Name, wire)
	if err != nil {
		s.writeError(w, codecStatus(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"wire":             wire,
		schema.ExposeKey(): value,
	})
}

func (s *Server) handleAPIListModels(w http.ResponseWriter, r *http.Request) {
	db := s.coord.DeviceDB()
	if db == nil {
		s.writeJSON(w, http.StatusOK, []coordinator.ModelDefinition{})
		return
	}
	s.writeJSON(w, http.StatusOK, db.Models())
}

// codecStatus maps codec and dispatch errors to HTTP status codes.
func codecStatus(err error) int {
	switch {
	case errors.Is(err, coordinator.ErrUnknownSchema):
		return http.StatusNotFound
	case errors.Is(err, timecodec.ErrFieldOutOfRange),
		errors.Is(err, timecodec.ErrMissingField),
		errors.Is(err, timecodec.ErrPayloadLength),
		errors.Is(err, coordinator.ErrUnsupportedCommand):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
