package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"signflow/audit"
	"signflow/finalize"
	"signflow/gate"
	"signflow/request"
	"signflow/signer"
	"signflow/sweeper"
)

type requestService interface {
	Create(ctx context.Context, params request.CreateParams) (request.Request, []request.SignerAccess, error)
	Get(ctx context.Context, id string) (request.Request, error)
	List(ctx context.Context, filters request.Filters) ([]request.Request, int, error)
	Fields(ctx context.Context, requestID string) ([]request.Field, error)
	Cancel(ctx context.Context, requestID, actorID string, actor audit.Actor) (request.Request, error)
	RetryFinalize(ctx context.Context, requestID string) (request.ArtifactInfo, error)
}

type signerService interface {
	RecordView(ctx context.Context, params signer.ViewParams) (signer.ViewResult, error)
	RecordDecline(ctx context.Context, params signer.DeclineParams) (signer.DeclineResult, error)
	ListByRequest(ctx context.Context, requestID string) ([]signer.Signer, error)
}

type signingGate interface {
	VerifyCode(ctx context.Context, signerID, code string) (string, error)
	Sign(ctx context.Context, req gate.SignRequest) (signer.SignResult, error)
}

type expirySweeper interface {
	Sweep(ctx context.Context) (sweeper.Result, error)
}

type Server struct {
	requests requestService
	signers  signerService
	gate     signingGate
	sweeper  expirySweeper
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	r.Route("/api", func(r chi.Router) {
		r.Route("/requests", func(r chi.Router) {
			r.Post("/", s.handleCreateRequest)
			r.Get("/", s.handleListRequests)
			r.Get("/{requestID}", s.handleRequestDetail)
			r.Post("/{requestID}/cancel", s.handleCancelRequest)
			r.Post("/{requestID}/finalize", s.handleFinalizeRequest)
		})
		r.Route("/signers/{signerID}", func(r chi.Router) {
			r.Post("/view", s.handleView)
			r.Post("/sign", s.handleSign)
			r.Post("/decline", s.handleDecline)
			r.Post("/verify-code", s.handleVerifyCode)
		})
		r.Post("/expirations/check", s.handleCheckExpirations)
	})

	return r
}

type createSignerPayload struct {
	Email        string `json:"email"`
	FullName     string `json:"fullName"`
	CodeRequired bool   `json:"codeRequired"`
}

type createFieldPayload struct {
	Name        string  `json:"name"`
	Type        string  `json:"type"`
	SignerEmail string  `json:"signerEmail"`
	Page        int     `json:"page"`
	X           float32 `json:"x"`
	Y           float32 `json:"y"`
	W           float32 `json:"w"`
	H           float32 `json:"h"`
}

type createRequestPayload struct {
	DocumentRef   string                `json:"documentRef"`
	Title         string                `json:"title"`
	Policy        string                `json:"policy"`
	InitiatorID   string                `json:"initiatorId"`
	ExpiresInDays int                   `json:"expiresInDays"`
	Signers       []createSignerPayload `json:"signers"`
	Fields        []createFieldPayload  `json:"fields"`
}

type signerAccessResponse struct {
	SignerID    string `json:"signerId"`
	Email       string `json:"email"`
	AccessToken string `json:"accessToken"`
}

type requestResponse struct {
	ID            string  `json:"id"`
	DocumentRef   string  `json:"documentRef"`
	Title         string  `json:"title"`
	Policy        string  `json:"policy"`
	Status        string  `json:"status"`
	InitiatorID   string  `json:"initiatorId"`
	TotalSigners  int     `json:"totalSigners"`
	ViewedCount   int     `json:"viewedCount"`
	SignedCount   int     `json:"signedCount"`
	DeclinedCount int     `json:"declinedCount"`
	ExpiresAt     *string `json:"expiresAt,omitempty"`
	CompletedAt   *string `json:"completedAt,omitempty"`
	ArtifactRef   *string `json:"artifactRef,omitempty"`
	ArtifactHash  *string `json:"artifactHash,omitempty"`
	CreatedAt     string  `json:"createdAt"`
}

func toRequestResponse(req request.Request) requestResponse {
	return requestResponse{
		ID:            req.ID,
		DocumentRef:   req.DocumentRef,
		Title:         req.Title,
		Policy:        string(req.Policy),
		Status:        string(req.Status),
		InitiatorID:   req.InitiatorID,
		TotalSigners:  req.TotalSigners,
		ViewedCount:   req.ViewedCount,
		SignedCount:   req.SignedCount,
		DeclinedCount: req.DeclinedCount,
		ExpiresAt:     formatTime(req.ExpiresAt),
		CompletedAt:   formatTime(req.CompletedAt),
		ArtifactRef:   req.ArtifactRef,
		ArtifactHash:  req.ArtifactHash,
		CreatedAt:     req.CreatedAt.Format(time.RFC3339),
	}
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var payload createRequestPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_body", "malformed JSON body")
		return
	}

	params := request.CreateParams{
		DocumentRef:   payload.DocumentRef,
		Title:         payload.Title,
		Policy:        request.Policy(payload.Policy),
		InitiatorID:   payload.InitiatorID,
		ExpiresInDays: payload.ExpiresInDays,
	}
	for _, sg := range payload.Signers {
		params.Signers = append(params.Signers, request.SignerInput{
			Email:        sg.Email,
			FullName:     sg.FullName,
			CodeRequired: sg.CodeRequired,
		})
	}
	for _, f := range payload.Fields {
		params.Fields = append(params.Fields, request.FieldSeed{
			Name:        f.Name,
			Type:        request.FieldType(f.Type),
			SignerEmail: f.SignerEmail,
			Page:        f.Page,
			X:           f.X,
			Y:           f.Y,
			W:           f.W,
			H:           f.H,
		})
	}

	req, access, err := s.requests.Create(r.Context(), params)
	if err != nil {
		writeError(w, err)
		return
	}

	accessOut := make([]signerAccessResponse, 0, len(access))
	for _, a := range access {
		accessOut = append(accessOut, signerAccessResponse{
			SignerID:    a.SignerID,
			Email:       a.Email,
			AccessToken: a.AccessToken,
		})
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"request": toRequestResponse(req),
		"signers": accessOut,
	})
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	filters := request.Filters{
		InitiatorID: r.URL.Query().Get("initiatorId"),
		Status:      request.Status(r.URL.Query().Get("status")),
	}
	if page := r.URL.Query().Get("page"); page != "" {
		n, err := strconv.Atoi(page)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_query", "page must be an integer")
			return
		}
		filters.Page = n
	}
	if size := r.URL.Query().Get("pageSize"); size != "" {
		n, err := strconv.Atoi(size)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_query", "pageSize must be an integer")
			return
		}
		filters.PageSize = n
	}

	reqs, total, err := s.requests.List(r.Context(), filters)
	if err != nil {
		writeError(w, err)
		return
	}

	items := make([]requestResponse, 0, len(reqs))
	for _, req := range reqs {
		items = append(items, toRequestResponse(req))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": total})
}

type signerResponse struct {
	ID           string  `json:"id"`
	Email        string  `json:"email"`
	FullName     string  `json:"fullName"`
	SigningOrder int     `json:"signingOrder"`
	Status       string  `json:"status"`
	CodeRequired bool    `json:"codeRequired"`
	ViewedAt     *string `json:"viewedAt,omitempty"`
	SignedAt     *string `json:"signedAt,omitempty"`
}

type fieldResponse struct {
	ID       string  `json:"id"`
	SignerID string  `json:"signerId"`
	Name     string  `json:"name"`
	Type     string  `json:"type"`
	Page     int     `json:"page"`
	X        float32 `json:"x"`
	Y        float32 `json:"y"`
	W        float32 `json:"w"`
	H        float32 `json:"h"`
}

func (s *Server) handleRequestDetail(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestID")

	req, err := s.requests.Get(r.Context(), requestID)
	if err != nil {
		writeError(w, err)
		return
	}
	sgs, err := s.signers.ListByRequest(r.Context(), requestID)
	if err != nil {
		writeError(w, err)
		return
	}
	fields, err := s.requests.Fields(r.Context(), requestID)
	if err != nil {
		writeError(w, err)
		return
	}

	signerItems := make([]signerResponse, 0, len(sgs))
	for _, sg := range sgs {
		signerItems = append(signerItems, signerResponse{
			ID:           sg.ID,
			Email:        sg.Email,
			FullName:     sg.FullName,
			SigningOrder: sg.SigningOrder,
			Status:       string(sg.Status),
			CodeRequired: sg.CodeRequired,
			ViewedAt:     formatTime(sg.ViewedAt),
			SignedAt:     formatTime(sg.SignedAt),
		})
	}
	fieldItems := make([]fieldResponse, 0, len(fields))
	for _, f := range fields {
		fieldItems = append(fieldItems, fieldResponse{
			ID:       f.ID,
			SignerID: f.SignerID,
			Name:     f.Name,
			Type:     string(f.Type),
			Page:     f.Page,
			X:        f.X,
			Y:        f.Y,
			W:        f.W,
			H:        f.H,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"request": toRequestResponse(req),
		"signers": signerItems,
		"fields":  fieldItems,
	})
}

func (s *Server) handleCancelRequest(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestID")

	var payload struct {
		ActorID string `json:"actorId"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&payload)
	}

	req, err := s.requests.Cancel(r.Context(), requestID, payload.ActorID, actorFrom(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"request": toRequestResponse(req)})
}

func (s *Server) handleFinalizeRequest(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestID")

	artifact, err := s.requests.RetryFinalize(r.Context(), requestID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"artifactRef":  artifact.Ref,
		"artifactHash": artifact.Hash,
	})
}

type viewPayload struct {
	AccessToken string `json:"accessToken"`
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	signerID := chi.URLParam(r, "signerID")

	var payload viewPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_body", "malformed JSON body")
		return
	}

	res, err := s.signers.RecordView(r.Context(), signer.ViewParams{
		SignerID:    signerID,
		AccessToken: payload.AccessToken,
		Actor:       actorFrom(r),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"signerId":      res.Signer.ID,
		"status":        string(res.Signer.Status),
		"firstView":     res.FirstView,
		"requestStatus": string(res.Tally.Status),
	})
}

type signPayload struct {
	AccessToken  string         `json:"accessToken"`
	SessionToken string         `json:"sessionToken"`
	Kind         string         `json:"kind"`
	ImageData    string         `json:"imageData"`
	TypedText    string         `json:"typedText"`
	Metadata     map[string]any `json:"metadata"`
}

func (s *Server) handleSign(w http.ResponseWriter, r *http.Request) {
	signerID := chi.URLParam(r, "signerID")

	var payload signPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_body", "malformed JSON body")
		return
	}

	res, err := s.gate.Sign(r.Context(), gate.SignRequest{
		SessionToken: payload.SessionToken,
		Params: signer.SignParams{
			SignerID:    signerID,
			AccessToken: payload.AccessToken,
			Payload: signer.Payload{
				Kind:      payload.Kind,
				ImageData: payload.ImageData,
				TypedText: payload.TypedText,
				Metadata:  payload.Metadata,
			},
			Actor: actorFrom(r),
		},
	})
	if err != nil {
		writeError(w, err)
		return
	}

	out := map[string]any{
		"signerId":      res.SignerID,
		"requestId":     res.RequestID,
		"signedAt":      res.SignedAt.Format(time.RFC3339),
		"requestStatus": string(res.Tally.Status),
		"signedCount":   res.Tally.SignedCount,
		"completed":     res.Tally.JustCompleted,
	}
	if res.Artifact != nil {
		out["artifactRef"] = res.Artifact.Ref
		out["artifactHash"] = res.Artifact.Hash
	}
	writeJSON(w, http.StatusOK, out)
}

type declinePayload struct {
	AccessToken string `json:"accessToken"`
	Reason      string `json:"reason"`
}

func (s *Server) handleDecline(w http.ResponseWriter, r *http.Request) {
	signerID := chi.URLParam(r, "signerID")

	var payload declinePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_body", "malformed JSON body")
		return
	}

	res, err := s.signers.RecordDecline(r.Context(), signer.DeclineParams{
		SignerID:    signerID,
		AccessToken: payload.AccessToken,
		Reason:      payload.Reason,
		Actor:       actorFrom(r),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"signerId":      res.SignerID,
		"requestId":     res.RequestID,
		"requestStatus": string(res.Tally.Status),
	})
}

type verifyCodePayload struct {
	Code string `json:"code"`
}

func (s *Server) handleVerifyCode(w http.ResponseWriter, r *http.Request) {
	signerID := chi.URLParam(r, "signerID")

	var payload verifyCodePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_body", "malformed JSON body")
		return
	}

	token, err := s.gate.VerifyCode(r.Context(), signerID, payload.Code)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessionToken": token})
}

func (s *Server) handleCheckExpirations(w http.ResponseWriter, r *http.Request) {
	res, err := s.sweeper.Sweep(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"expired": res.Expired,
		"warned":  res.Warned,
	})
}

func actorFrom(r *http.Request) audit.Actor {
	ip := r.Header.Get("X-Forwarded-For")
	if ip == "" {
		ip = r.RemoteAddr
	}
	return audit.Actor{IP: ip, Agent: r.UserAgent()}
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("api: encode response: %v", err)
	}
}

func writeJSONError(w http.ResponseWriter, status int, kind, msg string) {
	writeJSON(w, status, map[string]any{"error": kind, "message": msg})
}

// writeError maps domain errors onto HTTP statuses. Anything unmapped is a 500
// with the detail kept out of the response body.
func writeError(w http.ResponseWriter, err error) {
	var verr *request.ValidationError
	if errors.As(err, &verr) {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":      "validation_failed",
			"violations": verr.Violations,
		})
		return
	}

	switch {
	case errors.Is(err, request.ErrNotFound), errors.Is(err, signer.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, "not_found", "resource not found")
	case errors.Is(err, signer.ErrTokenInvalid):
		writeJSONError(w, http.StatusUnauthorized, "invalid_token", "access token rejected")
	case errors.Is(err, gate.ErrCodeRequired):
		writeJSONError(w, http.StatusForbidden, "code_required", "one-time code verification required")
	case errors.Is(err, gate.ErrCodeInvalid):
		writeJSONError(w, http.StatusForbidden, "code_invalid", "one-time code rejected")
	case errors.Is(err, gate.ErrCodeExpired):
		writeJSONError(w, http.StatusUnauthorized, "code_expired", "signing session expired or already used")
	case errors.Is(err, signer.ErrEmptyPayload):
		writeJSONError(w, http.StatusBadRequest, "empty_payload", "signature payload must carry image or typed data")
	case errors.Is(err, signer.ErrOrderViolation):
		writeJSONError(w, http.StatusConflict, "order_violation", "earlier signers have not signed yet")
	case errors.Is(err, signer.ErrAlreadyFinal):
		writeJSONError(w, http.StatusConflict, "already_final", "signer already signed or declined")
	case errors.Is(err, request.ErrRequestExpired):
		writeJSONError(w, http.StatusGone, "request_expired", "request has expired")
	case errors.Is(err, request.ErrRequestCancelled):
		writeJSONError(w, http.StatusConflict, "request_cancelled", "request was cancelled")
	case errors.Is(err, request.ErrRequestDeclined):
		writeJSONError(w, http.StatusConflict, "request_declined", "request was declined")
	case errors.Is(err, request.ErrConflict):
		writeJSONError(w, http.StatusConflict, "conflict", "operation conflicts with current state")
	case errors.Is(err, finalize.ErrInternal):
		log.Printf("api: finalize error: %v", err)
		writeJSONError(w, http.StatusInternalServerError, "finalize_failed", "finalization failed")
	default:
		log.Printf("api: unexpected error: %v", err)
		writeJSONError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}
