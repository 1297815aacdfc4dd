package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"storytime/internal/domain"
	infrahttp "storytime/internal/infra/http"
	"storytime/internal/usecase/generation"
	"storytime/internal/usecase/reader"
	"storytime/internal/usecase/unlock"
)

// Server обслуживает API читателей и администраторов.
type Server struct {
	reader       *reader.Service
	generator    *generation.Service
	queue        domain.GenerationQueue
	analytics    domain.BusinessMetricRepo
	log          zerolog.Logger
	viewerSecret string
	adminToken   string
}

type Option func(*Server)

func WithLogger(log zerolog.Logger) Option {
	return func(s *Server) {
		s.log = log
	}
}

// WithGenerationQueue включает постановку пакетных запусков в очередь.
func WithGenerationQueue(q domain.GenerationQueue) Option {
	return func(s *Server) {
		s.queue = q
	}
}

func WithAnalytics(repo domain.BusinessMetricRepo) Option {
	return func(s *Server) {
		s.analytics = repo
	}
}

// WithAuth задаёт секрет подписи контекста зрителя и токен администратора.
func WithAuth(viewerSecret, adminToken string) Option {
	return func(s *Server) {
		s.viewerSecret = viewerSecret
		s.adminToken = adminToken
	}
}

type unlockResponse struct {
	StoryID      string `json:"story_id"`
	Day          string `json:"day"`
	AdsCompleted int    `json:"ads_completed"`
	Required     int    `json:"required"`
	Unlocked     bool   `json:"unlocked"`
}

type storyResponse struct {
	ID                   string         `json:"id"`
	Title                string         `json:"title"`
	ValuesTags           []string       `json:"values_tags"`
	TopicTags            []string       `json:"topic_tags"`
	Text                 string         `json:"text"`
	IsPreview            bool           `json:"is_preview"`
	Truncated            bool           `json:"truncated"`
	Access               string         `json:"access"`
	Gender               string         `json:"gender"`
	Length               string         `json:"length"`
	RequestedLength      string         `json:"requested_length"`
	EstimatedReadMinutes *int           `json:"estimated_read_minutes,omitempty"`
	AvailableGenders     []string       `json:"available_genders"`
	IsStoryOfTheDay      bool           `json:"is_story_of_the_day"`
	Unlock               unlockResponse `json:"unlock"`
}

type feedbackRequest struct {
	SentenceIndex *int   `json:"sentence_index"`
	TextSpan      string `json:"text_span"`
	Reason        string `json:"reason"`
	Comment       string `json:"comment"`
	Gender        string `json:"gender"`
	Length        string `json:"length"`
}

type feedbackResponse struct {
	ID            int64     `json:"id"`
	StoryID       string    `json:"story_id"`
	Version       string    `json:"version"`
	SentenceIndex int       `json:"sentence_index"`
	TextSpan      string    `json:"text_span"`
	CreatedAt     time.Time `json:"created_at"`
}

type generateVersionsRequest struct {
	TargetLengths  json.RawMessage `json:"targetLengths"`
	GenderVersions json.RawMessage `json:"genderVersions"`
}

type versionError struct {
	Version string `json:"version"`
	Message string `json:"message"`
}

type generateVersionsResponse struct {
	Success   bool           `json:"success"`
	Generated []string       `json:"generated"`
	Errors    []versionError `json:"errors,omitempty"`
	Message   string         `json:"message"`
}

type storyOfTheDayRequest struct {
	Date    string `json:"date"`
	StoryID string `json:"story_id"`
}

type storyOfTheDayResponse struct {
	Date    string `json:"date"`
	StoryID string `json:"story_id"`
}

type generationRunRequest struct {
	StoryIDs []string `json:"story_ids"`
	Lengths  []string `json:"lengths"`
	Genders  []string `json:"genders"`
	Offset   int      `json:"offset"`
	Limit    int      `json:"limit"`
	DryRun   bool     `json:"dry_run"`
}

type generationRunResponse struct {
	JobID string `json:"job_id"`
}

func NewServer(r *reader.Service, g *generation.Service, opts ...Option) *Server {
	srv := &Server{reader: r, generator: g, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(srv)
	}
	return srv
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(infrahttp.ViewerMiddleware(s.viewerSecret, nil))

	r.Group(func(r chi.Router) {
		r.Use(infrahttp.DeviceMiddleware)
		r.Get("/api/v1/stories/today", s.handleToday)
		r.Get("/api/v1/stories/{id}", s.handleReadStory)
		r.Post("/api/v1/stories/{id}/ad-impressions", s.handleAdImpression)
		r.Get("/api/v1/stories/{id}/unlock", s.handleUnlockProgress)
		r.Post("/api/v1/stories/{id}/feedback", s.handleFeedback)
	})

	r.Group(func(r chi.Router) {
		r.Use(infrahttp.AdminMiddleware(s.adminToken))
		r.Post("/api/v1/admin/stories/{id}/generate-versions", s.handleGenerateVersions)
		r.Put("/api/v1/admin/story-of-the-day", s.handleAssignStoryOfTheDay)
		r.Get("/api/v1/admin/story-of-the-day", s.handleListStoryOfTheDay)
		if s.queue != nil {
			r.Post("/api/v1/admin/generation-runs", s.handleEnqueueGenerationRun)
		}
	})

	return r
}

func (s *Server) readRequest(r *http.Request, storyID string) (reader.ReadRequest, error) {
	q := r.URL.Query()
	length, ok := domain.ParseLength(q.Get("length"))
	if !ok {
		return reader.ReadRequest{}, fmt.Errorf("unknown length %q", q.Get("length"))
	}
	gender, ok := domain.ParseGender(q.Get("gender"))
	if !ok {
		return reader.ReadRequest{}, fmt.Errorf("unknown gender %q", q.Get("gender"))
	}
	return reader.ReadRequest{
		StoryID:  storyID,
		DeviceID: infrahttp.DeviceFromContext(r.Context()),
		Viewer:   infrahttp.ViewerFromContext(r.Context()),
		Length:   length,
		Gender:   gender,
	}, nil
}

func (s *Server) handleToday(w http.ResponseWriter, r *http.Request) {
	req, err := s.readRequest(r, "")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	res, err := s.reader.Today(r.Context(), req)
	if err != nil {
		s.writeReaderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toStoryResponse(res))
}

func (s *Server) handleReadStory(w http.ResponseWriter, r *http.Request) {
	req, err := s.readRequest(r, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	res, err := s.reader.Read(r.Context(), req)
	if err != nil {
		s.writeReaderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toStoryResponse(res))
}

func (s *Server) handleAdImpression(w http.ResponseWriter, r *http.Request) {
	progress, err := s.reader.RecordAdImpression(r.Context(), infrahttp.DeviceFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeReaderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toUnlockResponse(progress))
}

func (s *Server) handleUnlockProgress(w http.ResponseWriter, r *http.Request) {
	progress, err := s.reader.UnlockProgress(r.Context(), infrahttp.DeviceFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeReaderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toUnlockResponse(progress))
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var body feedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if body.SentenceIndex == nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "sentence_index is required")
		return
	}
	length, ok := domain.ParseLength(body.Length)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "unknown length")
		return
	}
	gender, ok := domain.ParseGender(body.Gender)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "unknown gender")
		return
	}

	fb, err := s.reader.SubmitFeedback(r.Context(), reader.FeedbackRequest{
		ReadRequest: reader.ReadRequest{
			StoryID:  chi.URLParam(r, "id"),
			DeviceID: infrahttp.DeviceFromContext(r.Context()),
			Viewer:   infrahttp.ViewerFromContext(r.Context()),
			Length:   length,
			Gender:   gender,
		},
		SentenceIndex: *body.SentenceIndex,
		TextSpan:      body.TextSpan,
		Reason:        body.Reason,
		Comment:       body.Comment,
	})
	if err != nil {
		s.writeReaderError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, feedbackResponse{
		ID:            fb.ID,
		StoryID:       fb.StoryID,
		Version:       fb.Version.String(),
		SentenceIndex: fb.SentenceIndex,
		TextSpan:      fb.TextSpan,
		CreatedAt:     fb.CreatedAt,
	})
}

// parseStringList возвращает элементы-строки массива. ok=false, если значение
// отсутствует или не является массивом.
func parseStringList(raw json.RawMessage) ([]string, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var items []any
	if err := json.Unmarshal(raw, &items); err != nil || items == nil {
		return nil, false
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if v, ok := item.(string); ok {
			out = append(out, v)
		}
	}
	return out, true
}

func (s *Server) handleGenerateVersions(w http.ResponseWriter, r *http.Request) {
	var body generateVersionsRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}

	lengths := domain.ShortLengths
	if values, ok := parseStringList(body.TargetLengths); ok {
		lengths = domain.FilterLengths(values)
	}
	genders := domain.AllGenders
	if values, ok := parseStringList(body.GenderVersions); ok {
		genders = domain.FilterGenders(values)
	}
	if len(lengths) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "At least one valid target length must be specified")
		return
	}
	if len(genders) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "At least one valid gender version must be specified")
		return
	}

	storyID := chi.URLParam(r, "id")
	res, err := s.generator.GenerateForStory(r.Context(), storyID, lengths, genders)
	switch {
	case errors.Is(err, domain.ErrStoryNotFound):
		writeError(w, http.StatusNotFound, "not_found", "story not found")
		return
	case errors.Is(err, domain.ErrCondenserNotConfigured):
		s.log.Error().Err(err).Str("story", storyID).Msg("api: сервис сокращения не настроен")
		writeError(w, http.StatusServiceUnavailable, "not_configured", "text condensation service is not configured")
		return
	case errors.Is(err, generation.ErrNothingToGenerate):
		writeError(w, http.StatusUnprocessableEntity, "nothing_to_generate", "story has no source text for the requested versions")
		return
	case err != nil:
		s.log.Error().Err(err).Str("story", storyID).Msg("api: ошибка генерации версий")
		writeError(w, http.StatusInternalServerError, "internal", "Failed to generate story versions")
		return
	}

	resp := generateVersionsResponse{Success: true, Generated: make([]string, 0, len(res.Generated))}
	for _, k := range res.Generated {
		resp.Generated = append(resp.Generated, k.String())
	}
	for _, e := range res.Errors {
		resp.Errors = append(resp.Errors, versionError{Version: e.Version.String(), Message: e.Message})
	}
	if len(resp.Errors) > 0 {
		resp.Message = fmt.Sprintf("Generated %d versions with %d errors", len(resp.Generated), len(resp.Errors))
	} else {
		resp.Message = fmt.Sprintf("Successfully generated %d versions", len(resp.Generated))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAssignStoryOfTheDay(w http.ResponseWriter, r *http.Request) {
	var body storyOfTheDayRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if body.Date == "" || body.StoryID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "date and story_id are required")
		return
	}
	a, err := s.reader.AssignStoryOfTheDay(r.Context(), body.Date, body.StoryID)
	if err != nil {
		s.writeReaderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, storyOfTheDayResponse{Date: string(a.Date), StoryID: a.StoryID})
}

func (s *Server) handleListStoryOfTheDay(w http.ResponseWriter, r *http.Request) {
	limit := 30
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid limit")
			return
		}
		limit = n
	}
	list, err := s.reader.ListStoryOfTheDay(r.Context(), r.URL.Query().Get("from"), limit)
	if err != nil {
		s.writeReaderError(w, err)
		return
	}
	resp := make([]storyOfTheDayResponse, 0, len(list))
	for _, a := range list {
		resp = append(resp, storyOfTheDayResponse{Date: string(a.Date), StoryID: a.StoryID})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEnqueueGenerationRun(w http.ResponseWriter, r *http.Request) {
	var body generationRunRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if body.Offset < 0 || body.Limit < 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "offset and limit must be non-negative")
		return
	}
	job := domain.GenerationJob{
		ID:          uuid.NewString(),
		StoryIDs:    body.StoryIDs,
		Offset:      body.Offset,
		Limit:       body.Limit,
		DryRun:      body.DryRun,
		RequestedAt: time.Now().UTC(),
		Cause:       domain.GenerationCauseManual,
	}
	if body.Lengths != nil {
		if job.Lengths = domain.FilterLengths(body.Lengths); len(job.Lengths) == 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "At least one valid target length must be specified")
			return
		}
	}
	if body.Genders != nil {
		if job.Genders = domain.FilterGenders(body.Genders); len(job.Genders) == 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "At least one valid gender version must be specified")
			return
		}
	}

	if err := s.queue.Enqueue(r.Context(), job); err != nil {
		s.log.Error().Err(err).Str("job", job.ID).Msg("api: не удалось поставить запуск в очередь")
		writeError(w, http.StatusServiceUnavailable, "queue_unavailable", "failed to enqueue generation run")
		return
	}
	s.recordEnqueued(r.Context(), job)
	s.log.Info().Str("job", job.ID).Int("offset", job.Offset).Int("limit", job.Limit).Msg("api: запуск генерации поставлен в очередь")
	writeJSON(w, http.StatusAccepted, generationRunResponse{JobID: job.ID})
}

func (s *Server) recordEnqueued(ctx context.Context, job domain.GenerationJob) {
	if s.analytics == nil {
		return
	}
	metric := domain.BusinessMetric{
		Event: domain.BusinessMetricEventGenerationEnqueued,
		Metadata: map[string]any{
			"job_id":  job.ID,
			"cause":   string(job.Cause),
			"dry_run": job.DryRun,
		},
	}
	if err := s.analytics.RecordBusinessMetric(ctx, metric); err != nil {
		s.log.Warn().Err(err).Msg("api: не удалось записать бизнес-метрику")
	}
}

func (s *Server) writeReaderError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrStoryNotFound):
		writeError(w, http.StatusNotFound, "not_found", "story not found")
	case errors.Is(err, reader.ErrAuthRequired):
		writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
	case errors.Is(err, reader.ErrInvalidSentence):
		writeError(w, http.StatusUnprocessableEntity, "invalid_sentence", err.Error())
	case errors.Is(err, reader.ErrInvalidInput), errors.Is(err, unlock.ErrEmptyKey):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	default:
		s.log.Error().Err(err).Msg("api: внутренняя ошибка")
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func toUnlockResponse(p unlock.Progress) unlockResponse {
	return unlockResponse{
		StoryID:      p.StoryID,
		Day:          string(p.Day),
		AdsCompleted: p.AdsCompleted,
		Required:     p.Required,
		Unlocked:     p.Unlocked,
	}
}

func toStoryResponse(res reader.ReadResult) storyResponse {
	genders := res.Story.AvailableGenders()
	available := make([]string, 0, len(genders))
	for _, g := range genders {
		available = append(available, string(g))
	}
	return storyResponse{
		ID:                   res.Story.ID,
		Title:                res.Story.Title,
		ValuesTags:           nonNil(res.Story.ValuesTags),
		TopicTags:            nonNil(res.Story.TopicTags),
		Text:                 res.Text,
		IsPreview:            !res.FullAccess,
		Truncated:            res.Truncated,
		Access:               string(res.Access),
		Gender:               string(res.Gender),
		Length:               string(res.Length),
		RequestedLength:      string(res.RequestedLength),
		EstimatedReadMinutes: res.EstimatedReadMinutes,
		AvailableGenders:     available,
		IsStoryOfTheDay:      res.IsStoryOfTheDay,
		Unlock:               toUnlockResponse(res.Unlock),
	}
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	infrahttp.WriteJSON(w, status, v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	infrahttp.WriteError(w, status, code, message)
}
