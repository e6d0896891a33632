package server

import (
	"context"
	"math"
	"net/http"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/mux"
	"github.com/nicktill/telemetryd/pkg/activity"
	"github.com/nicktill/telemetryd/pkg/config"
	"github.com/nicktill/telemetryd/pkg/export"
	"github.com/nicktill/telemetryd/pkg/httpx"
	"github.com/nicktill/telemetryd/pkg/server/monitor"
	"github.com/nicktill/telemetryd/pkg/stream"
	"github.com/nicktill/telemetryd/pkg/timeline"
)

const maxBodyBytes = 8 << 20

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status    string                        `json:"status"`
	Uptime    string                        `json:"uptime"`
	Reduction map[string]monitor.TierStatus `json:"reduction"`
	Timelines []timeline.RunnerStats        `json:"timelines"`
	Storage   *monitor.StorageUsage         `json:"storage,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := "healthy", http.StatusOK
	if !s.deps.Reduction.IsHealthy() {
		status, code = "degraded", http.StatusServiceUnavailable
	}

	resp := HealthResponse{
		Status:    status,
		Uptime:    s.clock.Now().Sub(s.started).String(),
		Reduction: s.deps.Reduction.Status(),
		Timelines: make([]timeline.RunnerStats, 0, len(s.deps.Runners)),
	}
	for _, runner := range s.deps.Runners {
		resp.Timelines = append(resp.Timelines, runner.Stats())
	}
	if s.deps.Storage != nil {
		usage := s.deps.Storage.Usage()
		resp.Storage = &usage
	}
	httpx.RespondJSON(w, code, resp)
}

// AppendRequest is the body of POST /v1/topics/{topic}/records. A record
// without millis is stamped with the current time.
type AppendRequest struct {
	Records []struct {
		Millis int64          `json:"millis"`
		Fields map[string]any `json:"fields"`
	} `json:"records"`
}

type AppendResponse struct {
	Topic string      `json:"topic"`
	IDs   []stream.ID `json:"ids"`
}

func (s *Server) handleAppendRecords(w http.ResponseWriter, r *http.Request) {
	topic := mux.Vars(r)["topic"]
	if err := stream.ValidateTopic(topic); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	var req AppendRequest
	if err := httpx.DecodeJSON(w, r, maxBodyBytes, &req); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	if len(req.Records) == 0 {
		httpx.RespondErrorString(w, http.StatusBadRequest, "no records")
		return
	}
	if len(req.Records) > config.MaxRecordsPerAppend {
		httpx.RespondErrorString(w, http.StatusRequestEntityTooLarge,
			"at most "+strconv.Itoa(config.MaxRecordsPerAppend)+" records per request")
		return
	}

	for i, rec := range req.Records {
		if err := stream.ValidateFields(rec.Fields); err != nil {
			httpx.RespondError(w, http.StatusBadRequest, errors.Wrapf(err, "record %d", i))
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.RequestTimeout)
	defer cancel()

	resp := AppendResponse{Topic: topic, IDs: make([]stream.ID, 0, len(req.Records))}
	for _, rec := range req.Records {
		millis := rec.Millis
		if millis <= 0 {
			millis = s.clock.Now().UnixMilli()
		}
		id, err := s.deps.Stream.Append(ctx, topic, millis, rec.Fields)
		if err != nil {
			s.log.Error("append failed", "topic", topic, "appended", len(resp.IDs), "err", err)
			httpx.RespondError(w, http.StatusInternalServerError, err)
			return
		}
		resp.IDs = append(resp.IDs, id)
	}
	httpx.RespondJSON(w, http.StatusCreated, resp)
}

// TopicsResponse lists the known stream topics.
type TopicsResponse struct {
	Topics []string `json:"topics"`
}

func (s *Server) handleListTopics(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), config.RequestTimeout)
	defer cancel()

	topics, err := s.deps.Stream.Topics(ctx)
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	if topics == nil {
		topics = []string{}
	}
	httpx.RespondJSON(w, http.StatusOK, TopicsResponse{Topics: topics})
}

type recordJSON struct {
	ID     stream.ID      `json:"id"`
	Fields map[string]any `json:"fields"`
}

type ReadResponse struct {
	Topic   string       `json:"topic"`
	Records []recordJSON `json:"records"`
}

func (s *Server) handleReadRecords(w http.ResponseWriter, r *http.Request) {
	topic := mux.Vars(r)["topic"]
	q := r.URL.Query()

	start, err := stream.ParseBound(valueOr(q.Get("start"), "-"))
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, errors.Wrap(err, "start"))
		return
	}
	end, err := stream.ParseBound(valueOr(q.Get("end"), "+"))
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, errors.Wrap(err, "end"))
		return
	}
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.RequestTimeout)
	defer cancel()

	recs, err := s.deps.Stream.ReadRange(ctx, topic, start, end, limit)
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}

	resp := ReadResponse{Topic: topic, Records: make([]recordJSON, len(recs))}
	for i, rec := range recs {
		resp.Records[i] = recordJSON{ID: rec.ID, Fields: export.SafeFields(rec.Fields)}
	}
	httpx.RespondJSON(w, http.StatusOK, resp)
}

// ActivityRequest is the body of activity create and update requests.
type ActivityRequest struct {
	Start int64             `json:"start"`
	Stop  int64             `json:"stop"`
	Kind  activity.Kind     `json:"kind"`
	Data  map[string]string `json:"data"`
}

func (req ActivityRequest) activity(name string) activity.Activity {
	return activity.Activity{
		Timeline: name,
		Start:    req.Start,
		Stop:     req.Stop,
		Kind:     req.Kind,
		Data:     req.Data,
	}
}

func (s *Server) handleCreateActivity(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["timeline"]
	var req ActivityRequest
	if err := httpx.DecodeJSON(w, r, maxBodyBytes, &req); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.RequestTimeout)
	defer cancel()

	created, err := s.deps.Activities.Create(ctx, req.activity(name))
	if err != nil {
		s.respondActivityError(w, err)
		return
	}
	httpx.RespondJSON(w, http.StatusCreated, created)
}

func (s *Server) handleUpdateActivity(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["timeline"]
	score, err := strconv.ParseInt(mux.Vars(r)["score"], 10, 64)
	if err != nil {
		httpx.RespondErrorString(w, http.StatusBadRequest, "score must be an integer")
		return
	}
	var req ActivityRequest
	if err := httpx.DecodeJSON(w, r, maxBodyBytes, &req); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.RequestTimeout)
	defer cancel()

	updated, err := s.deps.Activities.Update(ctx, name, score, req.activity(name))
	if err != nil {
		s.respondActivityError(w, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, updated)
}

func (s *Server) handleListActivities(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["timeline"]
	q := r.URL.Query()

	start, err := parseScore(q.Get("start"), math.MinInt64)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, errors.Wrap(err, "start"))
		return
	}
	stop, err := parseScore(q.Get("stop"), math.MaxInt64)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, errors.Wrap(err, "stop"))
		return
	}
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.RequestTimeout)
	defer cancel()

	list, err := s.deps.Activities.Range(ctx, name, start, stop, limit)
	if err != nil {
		s.respondActivityError(w, err)
		return
	}
	if list == nil {
		list = []activity.Activity{}
	}
	httpx.RespondJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetActivity(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["timeline"]
	score, err := strconv.ParseInt(mux.Vars(r)["score"], 10, 64)
	if err != nil {
		httpx.RespondErrorString(w, http.StatusBadRequest, "score must be an integer")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.RequestTimeout)
	defer cancel()

	a, err := s.deps.Activities.Get(ctx, name, score)
	if err != nil {
		s.respondActivityError(w, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, a)
}

func (s *Server) handleDeleteActivity(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["timeline"]
	score, err := strconv.ParseInt(mux.Vars(r)["score"], 10, 64)
	if err != nil {
		httpx.RespondErrorString(w, http.StatusBadRequest, "score must be an integer")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.RequestTimeout)
	defer cancel()

	if err := s.deps.Activities.Destroy(ctx, name, score); err != nil {
		s.respondActivityError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// respondActivityError maps store errors onto status codes.
func (s *Server) respondActivityError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, activity.ErrNotFound):
		httpx.RespondError(w, http.StatusNotFound, err)
	case errors.Is(err, activity.ErrOverlap):
		httpx.RespondError(w, http.StatusConflict, err)
	case errors.Is(err, activity.ErrInvalidKind),
		errors.Is(err, activity.ErrInvalidTime),
		errors.Is(err, activity.ErrDurationTooLong),
		errors.Is(err, activity.ErrMissingData),
		errors.Is(err, activity.ErrInvalidName):
		httpx.RespondError(w, http.StatusBadRequest, err)
	default:
		s.log.Error("activity request failed", "err", err)
		httpx.RespondError(w, http.StatusInternalServerError, err)
	}
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func parseScore(v string, fallback int64) (int64, error) {
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, errors.Newf("%q is not an integer", v)
	}
	return n, nil
}

// parseLimit defaults to, and caps at, config.MaxReadLimit.
func parseLimit(v string) (int, error) {
	if v == "" {
		return config.MaxReadLimit, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.Newf("limit %q must be a non-negative integer", v)
	}
	if n == 0 || n > config.MaxReadLimit {
		n = config.MaxReadLimit
	}
	return n, nil
}
