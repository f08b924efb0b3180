package control

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pb33f/harcap/replay"
)

type captureOutput struct {
	Body CaptureStatus
}

type replayOutput struct {
	Body ReplayStatus
}

type sessionsOutput struct {
	Body []replay.SessionInfo
}

type sessionsInput struct {
	Limit int `query:"limit" minimum:"0" doc:"Maximum number of sessions, 0 for all"`
}

type healthOutput struct {
	Body struct {
		Status string `json:"status"`
	}
}

// NewServer builds the control API router. Docs are served at /docs.
func NewServer(svc Service, logger *slog.Logger, version string) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}

	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(requestLogger(logger))
	router.Use(middleware.Recoverer)

	api := humachi.New(router, huma.DefaultConfig("harcap control API", version))

	huma.Register(api, huma.Operation{OperationID: "health", Method: http.MethodGet, Path: "/api/v1/health", Summary: "Liveness check", Tags: []string{"System"}},
		func(ctx context.Context, input *struct{}) (*healthOutput, error) {
			out := &healthOutput{}
			out.Body.Status = "ok"
			return out, nil
		})

	registerCaptureHandlers(api, svc)
	registerReplayHandlers(api, svc)

	return router
}

func registerCaptureHandlers(api huma.API, svc Service) {
	huma.Register(api, huma.Operation{OperationID: "get-capture", Method: http.MethodGet, Path: "/api/v1/capture", Summary: "Capture status", Tags: []string{"Capture"}},
		func(ctx context.Context, input *struct{}) (*captureOutput, error) {
			status, err := svc.CaptureStatus(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			return &captureOutput{Body: status}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "pause-capture", Method: http.MethodPost, Path: "/api/v1/capture/pause", Summary: "Stop recording exchanges, keep forwarding", Tags: []string{"Capture"}},
		func(ctx context.Context, input *struct{}) (*captureOutput, error) {
			status, err := svc.PauseCapture(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			return &captureOutput{Body: status}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "resume-capture", Method: http.MethodPost, Path: "/api/v1/capture/resume", Summary: "Resume recording exchanges", Tags: []string{"Capture"}},
		func(ctx context.Context, input *struct{}) (*captureOutput, error) {
			status, err := svc.ResumeCapture(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			return &captureOutput{Body: status}, nil
		})
}

func registerReplayHandlers(api huma.API, svc Service) {
	huma.Register(api, huma.Operation{OperationID: "get-replay", Method: http.MethodGet, Path: "/api/v1/replay", Summary: "Replay progress", Tags: []string{"Replay"}},
		func(ctx context.Context, input *struct{}) (*replayOutput, error) {
			status, err := svc.ReplayStatus(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			return &replayOutput{Body: status}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "list-sessions", Method: http.MethodGet, Path: "/api/v1/replay/sessions", Summary: "Virtual users, busiest first", Tags: []string{"Replay"}},
		func(ctx context.Context, input *sessionsInput) (*sessionsOutput, error) {
			sessions, err := svc.ListSessions(ctx, input.Limit)
			if err != nil {
				return nil, mapErr(err)
			}
			return &sessionsOutput{Body: sessions}, nil
		})
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUnavailable) {
		return huma.Error404NotFound(err.Error())
	}
	return huma.Error500InternalServerError(err.Error())
}
