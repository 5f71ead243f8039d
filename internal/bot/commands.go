package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"serotonyl.ru/s2a/internal/common"
	"serotonyl.ru/s2a/internal/domain"
	"serotonyl.ru/s2a/internal/features/wallet"
)

const helpText = `Study to Activity bot

/pending: tasks waiting for approval
/approve <task id>: approve a completed task
/reject <task id>: send a task back
/balance <child id>: activity time of a child
/bonus <child id> <minutes> [reason]: add (or remove, with a minus) minutes`

const defaultBonusReason = "Bonus from parent"

// execute runs one command and returns the reply. key identifies the
// originating message for idempotent wallet writes.
func (b *Bot) execute(ctx context.Context, cmd string, args []string, key string) string {
	switch cmd {
	case "start", "help":
		return helpText
	case "pending":
		return b.pending(ctx)
	case "approve":
		return b.approve(ctx, args)
	case "reject":
		return b.reject(ctx, args)
	case "balance":
		return b.balance(ctx, args)
	case "bonus":
		return b.bonus(ctx, args, key)
	}
	return "Unknown command. Send /help for the list."
}

func (b *Bot) pending(ctx context.Context) string {
	list, err := b.tasks.Pending(ctx)
	if err != nil {
		return replyError(err)
	}
	if len(list) == 0 {
		return "No tasks are waiting for approval."
	}
	return "Waiting for approval:\n" + b.formatTasks(ctx, list)
}

func (b *Bot) approve(ctx context.Context, args []string) string {
	id, ok := argID(args, 0)
	if !ok {
		return "Usage: /approve <task id>"
	}
	res, err := b.tasks.Approve(ctx, id, b.opts.ApproverID)
	if err != nil {
		return replyError(err)
	}
	if len(res.Grants) == 0 {
		return fmt.Sprintf("Approved #%d %s. No reward rule matched.", id, res.Task.Subject)
	}
	return fmt.Sprintf("Approved #%d %s.", id, res.Task.Subject)
}

func (b *Bot) reject(ctx context.Context, args []string) string {
	id, ok := argID(args, 0)
	if !ok {
		return "Usage: /reject <task id>"
	}
	task, err := b.tasks.Reject(ctx, id)
	if err != nil {
		return replyError(err)
	}
	return fmt.Sprintf("Rejected #%d %s. It can be started again.", id, task.Subject)
}

func (b *Bot) balance(ctx context.Context, args []string) string {
	childID, ok := argID(args, 0)
	if !ok {
		return "Usage: /balance <child id>"
	}
	sum, err := b.wallet.Get(ctx, childID)
	if err != nil {
		return replyError(err)
	}
	return b.childName(ctx, childID) + ": " + formatSummary(sum)
}

func (b *Bot) bonus(ctx context.Context, args []string, key string) string {
	const usage = "Usage: /bonus <child id> <minutes> [reason]"
	childID, ok := argID(args, 0)
	if !ok || len(args) < 2 {
		return usage
	}
	minutes, err := strconv.Atoi(args[1])
	if err != nil {
		return usage
	}
	reason := strings.Join(args[2:], " ")
	if reason == "" {
		reason = defaultBonusReason
	}

	entry, err := b.wallet.Adjust(ctx, childID, wallet.AdjustInput{
		Minutes:        minutes,
		Reason:         reason,
		IdempotencyKey: key,
	})
	if err != nil {
		return replyError(err)
	}
	return fmt.Sprintf("%s: %s (%s). Balance: %s",
		b.childName(ctx, childID), common.FormatMinutesDelta(minutes), reason, common.FormatMinutes(entry.Balance))
}

// formatTasks renders one line per task, with the child's name.
func (b *Bot) formatTasks(ctx context.Context, list []*domain.Task) string {
	names := make(map[int64]string)
	var sb strings.Builder
	for _, t := range list {
		name, ok := names[t.ChildID]
		if !ok {
			name = b.childName(ctx, t.ChildID)
			names[t.ChildID] = name
		}
		fmt.Fprintf(&sb, "#%d %s: %s (%s)\n", t.ID, name, t.Subject, common.FormatMinutes(t.StudyMinutes()))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func formatSummary(s *wallet.Summary) string {
	out := fmt.Sprintf("%s\nToday: earned %s, used %s",
		common.FormatMinutes(s.Balance), common.FormatMinutes(s.TodayEarned), common.FormatMinutes(s.TodayConsumed))
	if s.TodayRemaining != nil {
		out += fmt.Sprintf(" of %d", s.DailyLimit)
	}
	return out
}

func (b *Bot) childName(ctx context.Context, id int64) string {
	u, err := b.family.Get(ctx, id)
	if err != nil {
		return fmt.Sprintf("child %d", id)
	}
	return u.Name
}

func argID(args []string, i int) (int64, bool) {
	if len(args) <= i {
		return 0, false
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(args[i], "#"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// replyError shows caller errors as is and hides everything else.
func replyError(err error) string {
	if common.IsCallerError(err) {
		return "Cannot do that: " + err.Error()
	}
	log.WithError(err).Error("Bot command failed")
	return failureReply
}
