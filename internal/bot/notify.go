package bot

import (
	"context"
	"fmt"
	"strings"

	"serotonyl.ru/s2a/internal/common"
	"serotonyl.ru/s2a/internal/domain"
)

// TaskCompleted tells the parents a task waits for their decision.
func (b *Bot) TaskCompleted(ctx context.Context, task *domain.Task) {
	b.sendMessage(b.opts.ParentChatID, fmt.Sprintf(
		"%s finished #%d %s (%s).\n/approve %d or /reject %d",
		b.childName(ctx, task.ChildID), task.ID, task.Subject,
		common.FormatMinutes(task.StudyMinutes()), task.ID, task.ID,
	))
}

// RewardsGranted reports the grants written by an approval.
func (b *Bot) RewardsGranted(ctx context.Context, task *domain.Task, grants []*domain.Grant) {
	if len(grants) == 0 {
		return
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s earned activity time for #%d %s:\n", b.childName(ctx, task.ChildID), task.ID, task.Subject)
	for _, g := range grants {
		fmt.Fprintf(&sb, "%s  %s\n", common.FormatMinutesDelta(g.GrantedMinutes), g.Description)
	}
	if last := grants[len(grants)-1]; last.NewBalance != nil {
		fmt.Fprintf(&sb, "Balance: %s", common.FormatMinutes(*last.NewBalance))
	}
	b.sendMessage(b.opts.ParentChatID, strings.TrimRight(sb.String(), "\n"))
}

// SendPendingDigest posts the list of tasks waiting for approval. Nothing
// is sent when the list is empty.
func (b *Bot) SendPendingDigest(ctx context.Context) error {
	list, err := b.tasks.Pending(ctx)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		return nil
	}
	b.sendMessage(b.opts.ParentChatID, "Still waiting for approval:\n"+b.formatTasks(ctx, list))
	return nil
}
