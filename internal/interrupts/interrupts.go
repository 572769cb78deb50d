// Package interrupts surfaces the earliest pending user action on a workflow
// (pause/cancel/redirect/instruction) to whatever is driving it, and
// implements the pause/unpause toggle itself.
package interrupts

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/kandev/orchestrator/internal/agentrunner"
	"github.com/kandev/orchestrator/internal/common/logger"
	"github.com/kandev/orchestrator/internal/events"
	"github.com/kandev/orchestrator/internal/events/bus"
	"github.com/kandev/orchestrator/internal/store"
)

// Manager implements agentrunner.Interrupts plus the pause/unpause API
// surface exposed over HTTP.
type Manager struct {
	store store.Store
	bus   bus.EventBus
	log   *logger.Logger
}

var _ agentrunner.Interrupts = (*Manager)(nil)

// New builds a Manager.
func New(s store.Store, b bus.EventBus, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Default()
	}
	return &Manager{store: s, bus: b, log: log.WithFields(zap.String("component", "interrupts"))}
}

// Check returns the earliest unprocessed interrupt-class message for
// workflowID, or synthesizes a pause signal (messageId 0) if the workflow's
// is_paused flag is set but carries no message of its own — e.g. a pause
// that outlived the message that originally set it.
func (m *Manager) Check(ctx context.Context, workflowID int64) (*agentrunner.Signal, error) {
	msg, err := m.store.NextPendingInterrupt(ctx, workflowID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if msg != nil {
		return &agentrunner.Signal{MessageID: msg.ID, Action: msg.ActionType, Content: msg.Content}, nil
	}

	w, err := m.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if w.IsPaused {
		return &agentrunner.Signal{MessageID: 0, Action: store.ActionTypePause, Content: ""}, nil
	}
	return nil, nil
}

// MarkProcessed marks messageID as processed so Check won't surface it again.
func (m *Manager) MarkProcessed(ctx context.Context, messageID int64) error {
	return m.store.UpdateMessageActionStatus(ctx, messageID, store.ActionStatusProcessed)
}

// Pause sets workflowID's is_paused flag and posts a pending user-class
// message recording the reason, so Check surfaces it to whatever is driving
// the workflow with a real messageId (rather than only the synthetic
// messageId-0 fallback) — and emits workflow:paused for UI subscribers.
func (m *Manager) Pause(ctx context.Context, workflowID int64, reason string) error {
	if err := m.store.UpdateWorkflowPause(ctx, workflowID, true, &reason); err != nil {
		return err
	}
	if _, err := m.store.CreateMessage(ctx, store.NewMessage{
		WorkflowID:  workflowID,
		MessageType: store.MessageTypeUser,
		Content:     reason,
		ActionType:  store.ActionTypePause,
	}); err != nil {
		return err
	}
	m.publish(ctx, workflowID, events.WorkflowPaused)
	return nil
}

// Unpause clears workflowID's is_paused flag, posts an audit comment (not an
// interrupt-class message, so it never resurfaces via Check), and emits
// workflow:unpaused.
func (m *Manager) Unpause(ctx context.Context, workflowID int64) error {
	if err := m.store.UpdateWorkflowPause(ctx, workflowID, false, nil); err != nil {
		return err
	}
	if _, err := m.store.CreateMessage(ctx, store.NewMessage{
		WorkflowID:  workflowID,
		MessageType: store.MessageTypeSystem,
		Content:     "workflow unpaused",
		ActionType:  store.ActionTypeResume,
	}); err != nil {
		return err
	}
	m.publish(ctx, workflowID, events.WorkflowUnpaused)
	return nil
}

func (m *Manager) publish(ctx context.Context, workflowID int64, eventType string) {
	if m.bus == nil {
		return
	}
	evt := bus.NewEvent(eventType, "interrupts", map[string]interface{}{"workflowId": workflowID})
	if err := m.bus.Publish(ctx, events.BuildWorkflowSubject(workflowID), evt); err != nil {
		m.log.Warn("failed to publish event", zap.String("event_type", eventType), zap.Error(err))
	}
}
