package web

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"binstatus-bridge/internal/coordinator"
	"binstatus-bridge/internal/store"
	"binstatus-bridge/internal/timecodec"
)

func (s *Server) handleAPIListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.coord.Devices().ListDevices()
	if err != nil {
		s.logger.Error("list devices", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if devices == nil {
		devices = []*store.Device{}
	}
	s.writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleAPIGetDevice(w http.ResponseWriter, r *http.Request) {
	dev, err := s.coord.Devices().Resolve(r.PathValue("name"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, "device not found")
		return
	}
	s.writeJSON(w, http.StatusOK, dev)
}

// putDeviceRequest carries the fields to set; omitted fields keep their
// current value.
type putDeviceRequest struct {
	FriendlyName *string `json:"friendly_name"`
	ShortAddress *uint16 `json:"short_address"`
	Endpoint     *uint8  `json:"endpoint"`
	Model        *string `json:"model"`
}

// handleAPIPutDevice updates the device named by the path, or creates one
// when the path is an IEEE address not yet known.
func (s *Server) handleAPIPutDevice(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	var req putDeviceRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	status := http.StatusOK
	dev, err := s.coord.Devices().Resolve(name)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.Error("resolve device", "err", err, "device", name)
			s.writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		ieee, nerr := store.NormalizeIEEE(name)
		if nerr != nil {
			s.writeError(w, http.StatusNotFound, "device not found")
			return
		}
		if req.ShortAddress == nil {
			s.writeError(w, http.StatusBadRequest, "short_address is required for a new device")
			return
		}
		dev = &store.Device{IEEEAddress: ieee}
		status = http.StatusCreated
	}

	if req.FriendlyName != nil {
		dev.FriendlyName = *req.FriendlyName
	}
	if req.ShortAddress != nil {
		dev.ShortAddress = *req.ShortAddress
	}
	if req.Endpoint != nil {
		dev.Endpoint = *req.Endpoint
	}
	if req.Model != nil {
		dev.Model = *req.Model
	}

	if err := s.coord.Devices().SaveDevice(dev); err != nil {
		switch {
		case errors.Is(err, store.ErrNameTaken):
			s.writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, coordinator.ErrUnknownModel):
			s.writeError(w, http.StatusBadRequest, err.Error())
		default:
			s.logger.Error("save device", "err", err, "device", name)
			s.writeError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}
	s.writeJSON(w, status, dev)
}

func (s *Server) handleAPIDeleteDevice(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.coord.Devices().RemoveDevice(name); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "device not found")
			return
		}
		s.logger.Error("delete device", "err", err, "device", name)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type sendCommandResponse struct {
	Status string                 `json:"status"`
	Wire   timecodec.WireValue    `json:"wire"`
	Value  timecodec.LogicalValue `json:"value"`
}

// handleAPISendCommand validates the body against the schema and sends it.
func (s *Server) handleAPISendCommand(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, err := s.coord.Devices().Resolve(name); err != nil {
		s.writeError(w, http.StatusNotFound, "device not found")
		return
	}
	schema, ok := s.coord.Registry().Lookup(r.PathValue("schema"))
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

	wire, err := s.coord.Send(r.Context(), name, schema.Name, value)
	if err != nil {
		status := codecStatus(err)
		if status == http.StatusInternalServerError {
			status = http.StatusBadGateway
		}
		s.logger.Warn("send command", "err", err, "device", name, "schema", schema.Name)
		s.writeError(w, status, err.Error())
		return
	}

	shown, err := s.coord.Decode(schema.Name, wire)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, sendCommandResponse{Status: "ok", Wire: wire, Value: shown})
}
