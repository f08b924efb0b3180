package control

import (
	"context"
	"errors"

	"github.com/pb33f/harcap/proxy"
	"github.com/pb33f/harcap/replay"
	"github.com/pb33f/harcap/writer"
)

// ErrUnavailable is returned for operations on a component the running command does not have,
// for example capture control during a replay.
var ErrUnavailable = errors.New("not available in this mode")

// CaptureStatus describes a running capture.
type CaptureStatus struct {
	Paused  bool          `json:"paused"`
	Proxy   proxy.Stats   `json:"proxy"`
	Archive *writer.Stats `json:"archive,omitempty"`
}

// ReplayStatus describes a running replay.
type ReplayStatus struct {
	Stats    replay.ReplayStats `json:"stats"`
	Sessions int                `json:"sessions"`
	InFlight int64              `json:"inFlight"`
}

// Service is what the control API drives.
type Service interface {
	CaptureStatus(ctx context.Context) (CaptureStatus, error)
	PauseCapture(ctx context.Context) (CaptureStatus, error)
	ResumeCapture(ctx context.Context) (CaptureStatus, error)
	ReplayStatus(ctx context.Context) (ReplayStatus, error)
	ListSessions(ctx context.Context, limit int) ([]replay.SessionInfo, error)
}

// Controller implements Service over whichever components are set.
type Controller struct {
	Proxy     *proxy.Proxy
	Archive   *writer.HARWriter
	Replayer  *replay.Replayer
	Collector *replay.Collector
}

var _ Service = (*Controller)(nil)

func (c *Controller) CaptureStatus(ctx context.Context) (CaptureStatus, error) {
	if c.Proxy == nil {
		return CaptureStatus{}, ErrUnavailable
	}
	status := CaptureStatus{Paused: c.Proxy.Paused(), Proxy: c.Proxy.Stats()}
	if c.Archive != nil {
		stats := c.Archive.Stats()
		status.Archive = &stats
	}
	return status, nil
}

func (c *Controller) PauseCapture(ctx context.Context) (CaptureStatus, error) {
	if c.Proxy == nil {
		return CaptureStatus{}, ErrUnavailable
	}
	c.Proxy.Pause()
	return c.CaptureStatus(ctx)
}

func (c *Controller) ResumeCapture(ctx context.Context) (CaptureStatus, error) {
	if c.Proxy == nil {
		return CaptureStatus{}, ErrUnavailable
	}
	c.Proxy.Resume()
	return c.CaptureStatus(ctx)
}

func (c *Controller) ReplayStatus(ctx context.Context) (ReplayStatus, error) {
	if c.Replayer == nil || c.Collector == nil {
		return ReplayStatus{}, ErrUnavailable
	}
	return ReplayStatus{
		Stats:    c.Collector.Stats(),
		Sessions: c.Replayer.Sessions().Len(),
		InFlight: c.Replayer.InFlight(),
	}, nil
}

// ListSessions returns the busiest virtual users first. A limit of zero returns all of them.
func (c *Controller) ListSessions(ctx context.Context, limit int) ([]replay.SessionInfo, error) {
	if c.Replayer == nil {
		return nil, ErrUnavailable
	}
	sessions := c.Replayer.Sessions().Snapshot()
	if limit > 0 && len(sessions) > limit {
		sessions = sessions[:limit]
	}
	if sessions == nil {
		sessions = []replay.SessionInfo{}
	}
	return sessions, nil
}
