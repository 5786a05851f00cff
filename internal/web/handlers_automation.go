package web

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"

	"binstatus-bridge/internal/automation"
)

// scriptRequest is the body of create and update. Nil fields are left
// unchanged on update.
type scriptRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	LuaCode     *string `json:"lua_code"`
	Enabled     *bool   `json:"enabled"`
}

// plannedFrame is the payload a dry run would send for one plan.
type plannedFrame struct {
	Device  string `json:"device"`
	Command string `json:"command"`
	Payload string `json:"payload,omitempty"`
	Error   string `json:"error,omitempty"`
}

type runResponse struct {
	*automation.RunResult
	Frames []plannedFrame `json:"frames"`
}

func (s *Server) scriptsEnabled(w http.ResponseWriter) bool {
	if s.scriptMgr == nil || s.autoEngine == nil {
		s.writeError(w, http.StatusServiceUnavailable, "automation disabled")
		return false
	}
	return true
}

func (s *Server) decodeScriptRequest(w http.ResponseWriter, r *http.Request) (*scriptRequest, bool) {
	var req scriptRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return nil, false
	}
	return &req, true
}

// checkScript dry-runs code and answers 400 with the run result when it
// does not produce a schedule.
func (s *Server) checkScript(w http.ResponseWriter, code string) bool {
	if code == "" {
		return true
	}
	if res := s.autoEngine.RunLuaCode(code); !res.OK {
		s.writeJSON(w, http.StatusBadRequest, res)
		return false
	}
	return true
}

// applyScript saves a script and brings the engine in line with its state.
func (s *Server) applyScript(w http.ResponseWriter, script *automation.Script, status int) {
	saved, err := s.scriptMgr.Save(script)
	if err != nil {
		s.logger.Error("save script", "id", script.ID, "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if saved.Meta.Enabled {
		if err := s.autoEngine.ReloadScript(saved.ID); err != nil {
			s.logger.Error("reload script", "id", saved.ID, "err", err)
		}
	} else {
		s.autoEngine.StopScript(saved.ID)
	}
	s.writeJSON(w, status, saved)
}

func (s *Server) handleAPIListAutomations(w http.ResponseWriter, r *http.Request) {
	if s.scriptMgr == nil {
		s.writeJSON(w, http.StatusOK, []*automation.Script{})
		return
	}
	scripts, err := s.scriptMgr.List()
	if err != nil {
		s.logger.Error("list scripts", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if scripts == nil {
		scripts = []*automation.Script{}
	}
	s.writeJSON(w, http.StatusOK, scripts)
}

func (s *Server) handleAPIGetAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.scriptsEnabled(w) {
		return
	}
	script, err := s.scriptMgr.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, "script not found")
		return
	}
	s.writeJSON(w, http.StatusOK, script)
}

func (s *Server) handleAPICreateAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.scriptsEnabled(w) {
		return
	}
	req, ok := s.decodeScriptRequest(w, r)
	if !ok {
		return
	}
	if req.Name == nil || *req.Name == "" {
		s.writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	script := &automation.Script{Meta: automation.ScriptMeta{Name: *req.Name}}
	if req.Description != nil {
		script.Meta.Description = *req.Description
	}
	if req.LuaCode != nil {
		script.LuaCode = *req.LuaCode
	}
	if req.Enabled != nil {
		script.Meta.Enabled = *req.Enabled
	}
	if !s.checkScript(w, script.LuaCode) {
		return
	}
	s.applyScript(w, script, http.StatusCreated)
}

func (s *Server) handleAPIUpdateAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.scriptsEnabled(w) {
		return
	}
	script, err := s.scriptMgr.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, "script not found")
		return
	}
	req, ok := s.decodeScriptRequest(w, r)
	if !ok {
		return
	}

	if req.Name != nil {
		if *req.Name == "" {
			s.writeError(w, http.StatusBadRequest, "name must not be empty")
			return
		}
		script.Meta.Name = *req.Name
	}
	if req.Description != nil {
		script.Meta.Description = *req.Description
	}
	if req.Enabled != nil {
		script.Meta.Enabled = *req.Enabled
	}
	if req.LuaCode != nil {
		if !s.checkScript(w, *req.LuaCode) {
			return
		}
		script.LuaCode = *req.LuaCode
	}
	s.applyScript(w, script, http.StatusOK)
}

func (s *Server) handleAPIToggleAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.scriptsEnabled(w) {
		return
	}
	script, err := s.scriptMgr.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, "script not found")
		return
	}
	script.Meta.Enabled = !script.Meta.Enabled
	s.applyScript(w, script, http.StatusOK)
}

func (s *Server) handleAPIDeleteAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.scriptsEnabled(w) {
		return
	}
	id := r.PathValue("id")
	if err := s.scriptMgr.Delete(id); err != nil {
		if errors.Is(err, automation.ErrScriptNotFound) {
			s.writeError(w, http.StatusNotFound, "script not found")
			return
		}
		s.logger.Error("delete script", "id", id, "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.autoEngine.StopScript(id)
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleAPIRunAutomation dry-runs a saved script, or the code in the body
// when id is "_inline", and reports the payloads it would send.
func (s *Server) handleAPIRunAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.scriptsEnabled(w) {
		return
	}

	var res *automation.RunResult
	if id := r.PathValue("id"); id == "_inline" {
		req, ok := s.decodeScriptRequest(w, r)
		if !ok {
			return
		}
		if req.LuaCode == nil {
			s.writeError(w, http.StatusBadRequest, "lua_code is required")
			return
		}
		res = s.autoEngine.RunLuaCode(*req.LuaCode)
	} else {
		res = s.autoEngine.RunScript(id)
	}

	frames := make([]plannedFrame, 0, len(res.Plans))
	for _, p := range res.Plans {
		f := plannedFrame{Device: p.Device, Command: p.Command}
		if _, payload, err := s.coord.Encode(p.Command, p.Values); err != nil {
			f.Error = err.Error()
		} else {
			f.Payload = hex.EncodeToString(payload)
		}
		frames = append(frames, f)
	}
	s.writeJSON(w, http.StatusOK, runResponse{RunResult: res, Frames: frames})
}
