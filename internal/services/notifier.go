package services

import (
	"context"

	"github.com/huangang/vibecoding/pkg/logger"
)

// Notifier delivers invitation notices. Mail delivery lives outside this
// service; the default implementation records the notice in the log.
type Notifier interface {
	NotifyInvite(ctx context.Context, task *InviteTask) error
}

type LogNotifier struct{}

func (LogNotifier) NotifyInvite(ctx context.Context, task *InviteTask) error {
	logger.Info().
		Str("project_id", task.ProjectID).
		Str("project", task.ProjectName).
		Str("email", task.Email).
		Str("role", task.Role).
		Str("inviter", task.InviterID).
		Str("url", task.URL).
		Msg("invitation issued")
	return nil
}

// InviteProcessor adapts a Notifier to the task queue.
func InviteProcessor(n Notifier) TaskProcessor {
	return func(ctx context.Context, task *InviteTask) error {
		return n.NotifyInvite(ctx, task)
	}
}
