package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/54b3r/ragkit-go/internal/logging"
	"github.com/54b3r/ragkit-go/internal/toolerr"
)

// filterPrefix marks query parameters that become search filters, e.g.
// filter.source=handbook.md or filter.page=3.
const filterPrefix = "filter."

// filterValue types a filter query value the way the same value would
// arrive in a JSON tool call: numbers and booleans are typed, and a quoted
// value ("2024") stays a string. Anything else is taken verbatim.
func filterValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	switch v.(type) {
	case bool, float64, string:
		return v
	default:
		return raw
	}
}

// handleListTools handles GET /api/tools.
func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	specs := s.dispatcher.Registry().Specs()
	resp := toolsResponse{Tools: make([]toolInfo, 0, len(specs))}
	for _, spec := range specs {
		resp.Tools = append(resp.Tools, toolInfo{
			Name:        spec.Name,
			Description: spec.Description,
			Class:       spec.Class,
			InputSchema: spec.Input.JSONSchema(),
			Output:      spec.Output,
		})
	}
	writeJSON(r.Context(), w, http.StatusOK, resp)
}

// handleCallTool handles POST /api/tools/{name}. The body is the JSON
// argument object; an empty body means no arguments.
func (s *Server) handleCallTool(w http.ResponseWriter, r *http.Request) {
	args, err := decodeArgs(w, r)
	if err != nil {
		writeToolError(r.Context(), w, err)
		return
	}
	s.call(w, r, r.PathValue("name"), args)
}

// handleQuery handles GET /api/query as a shortcut for search_context.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	args := map[string]any{"query": q.Get("q")}
	setIntArg(args, q, "k", "k")
	setIntArg(args, q, "max_tokens", "max_tokens")

	filters := map[string]any{}
	for key, vals := range q {
		if name, ok := strings.CutPrefix(key, filterPrefix); ok && name != "" && len(vals) > 0 {
			filters[name] = filterValue(vals[0])
		}
	}
	if len(filters) > 0 {
		args["filters"] = filters
	}
	s.call(w, r, "search_context", args)
}

// handleAnalyze handles GET and POST /api/analyze/{name}. The subject is
// the input query parameter or the input field of a JSON body.
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	input := r.URL.Query().Get("input")
	if r.Method == http.MethodPost {
		var req analyzeRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeToolError(r.Context(), w, toolerr.Validation("input", "request body is not a valid JSON object"))
			return
		}
		if req.Input != "" {
			input = req.Input
		}
	}
	s.call(w, r, "analyze", map[string]any{"name": r.PathValue("name"), "input": input})
}

// handleConfig handles GET /api/config through the get_config tool, so the
// response is the snapshot a call would run under.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	s.call(w, r, "get_config", nil)
}

// handleInvalidate handles POST /api/cache/invalidate.
func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	var req invalidateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeToolError(r.Context(), w, toolerr.Validation("fingerprint", "request body is not a valid JSON object"))
		return
	}

	if req.Fingerprint == "" {
		if err := s.cfg.Cache.Purge(r.Context()); err != nil {
			log.Error("cache purge failed", slog.Any("error", err))
			writeToolError(r.Context(), w, toolerr.New(toolerr.KindBackendUnavailable, "cache purge failed", err))
			return
		}
		log.Info("cache purged")
		writeJSON(r.Context(), w, http.StatusOK, invalidateResponse{Purged: true})
		return
	}

	if err := s.cfg.Cache.Invalidate(r.Context(), req.Fingerprint); err != nil {
		log.Error("cache invalidate failed", slog.Any("error", err))
		writeToolError(r.Context(), w, toolerr.New(toolerr.KindBackendUnavailable, "cache invalidate failed", err))
		return
	}
	log.Info("cache entry invalidated", slog.String("fingerprint", req.Fingerprint))
	writeJSON(r.Context(), w, http.StatusOK, invalidateResponse{Fingerprint: req.Fingerprint})
}

// call dispatches one tool call and writes its result or error.
func (s *Server) call(w http.ResponseWriter, r *http.Request, name string, args map[string]any) {
	res, err := s.dispatcher.Call(r.Context(), name, args)
	if err != nil {
		writeToolError(r.Context(), w, err)
		return
	}
	writeJSON(r.Context(), w, http.StatusOK, res)
}

// decodeArgs reads a JSON object from the request body.
func decodeArgs(w http.ResponseWriter, r *http.Request) (map[string]any, error) {
	var args map[string]any
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&args); err != nil {
		if errors.Is(err, io.EOF) {
			return map[string]any{}, nil
		}
		return nil, toolerr.Validation("arguments", "request body is not a JSON object")
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

// setIntArg copies query parameter param into args[name]. A value that is
// not an integer is passed through as a string so the tool's schema reports
// it against the right field.
func setIntArg(args map[string]any, q url.Values, param, name string) {
	v := q.Get(param)
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		args[name] = n
		return
	}
	args[name] = v
}
