package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/notifyhub/realtime-gateway/internal/domain"
	"github.com/notifyhub/realtime-gateway/internal/provider"
	"github.com/notifyhub/realtime-gateway/internal/realtime"
)

// socketPayload is the data of the "notification" frame pushed to clients.
type socketPayload struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Title     string          `json:"title,omitempty"`
	Body      string          `json:"body,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// process delivers one job. Live delivery runs alongside the durable
// side-channel, which persists every recipient before any email is sent.
// Each recipient's I/O gets its own jobTimeout so a slow store or provider
// only costs that recipient. Failures are logged and counted, never returned.
func (d *Dispatcher) process(ctx context.Context, job domain.NotificationJob) {
	log := d.logger.With(
		zap.String("job_id", job.ID),
		zap.String("kind", job.Kind),
		zap.Bool("all", job.Recipients.All),
	)
	defer func() {
		d.hooks.OnProcessed(d.now().Sub(job.EnqueuedAt))
	}()

	resolveCtx, cancel := context.WithTimeout(ctx, d.jobTimeout)
	userIDs, err := d.resolve(resolveCtx, job.Recipients)
	cancel()
	if err != nil {
		// Live delivery to everyone connected does not need the directory.
		log.Error("failed to resolve recipients", zap.Error(err))
		d.hooks.OnFailed(StageResolve)
		if job.Recipients.All {
			d.deliverLive(job, nil, log)
		}
		return
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.deliverLive(job, userIDs, log)
	}()

	stored := make([]*domain.Notification, 0, len(userIDs))
	for _, uid := range userIDs {
		stored = append(stored, d.persist(ctx, job, uid, log))
	}
	if job.Email {
		for _, n := range stored {
			d.sendEmail(ctx, n, log)
		}
	}
	wg.Wait()

	log.Debug("job processed", zap.Int("recipients", len(userIDs)))
}

// resolve turns a selector into a de-duplicated list of user ids.
func (d *Dispatcher) resolve(ctx context.Context, r domain.Recipients) ([]string, error) {
	ids := r.UserIDs
	if r.All {
		if d.contacts == nil {
			return nil, errors.New("no contact directory configured")
		}
		all, err := d.contacts.AllUserIDs(ctx)
		if err != nil {
			return nil, err
		}
		ids = all
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, nil
}

// deliverLive pushes the job to open sockets. All-jobs are broadcast to every
// connection; otherwise each recipient is addressed on its own.
func (d *Dispatcher) deliverLive(job domain.NotificationJob, userIDs []string, log *zap.Logger) {
	if d.live == nil {
		return
	}
	msg := realtime.Encode(realtime.TypeNotification, socketPayload{
		ID:        job.ID,
		Kind:      job.Kind,
		Title:     job.Title,
		Body:      job.Body,
		Payload:   job.Payload,
		CreatedAt: job.EnqueuedAt,
	})

	var sent int
	if job.Recipients.All {
		sent = d.live.Broadcast(msg, nil)
	} else {
		for _, uid := range userIDs {
			sent += d.live.SendToUser(uid, msg)
		}
	}
	if sent > 0 {
		d.hooks.OnDelivered(domain.ChannelSocket, sent)
	}
	log.Debug("live delivery finished", zap.Int("sockets", sent))
}

// persist records the in-app notification for one recipient. The returned
// notification is used for the email copy even when the insert failed.
func (d *Dispatcher) persist(ctx context.Context, job domain.NotificationJob, userID string, log *zap.Logger) *domain.Notification {
	n := &domain.Notification{
		ID:        uuid.NewString(),
		UserID:    userID,
		JobID:     job.ID,
		Kind:      job.Kind,
		Title:     job.Title,
		Body:      job.Body,
		Payload:   job.Payload,
		CreatedAt: d.now().UTC(),
	}
	if d.repo == nil {
		return n
	}

	ctx, cancel := context.WithTimeout(ctx, d.jobTimeout)
	defer cancel()
	if err := d.repo.Create(ctx, n); err != nil {
		log.Error("failed to persist notification", zap.String("user_id", userID), zap.Error(err))
		d.hooks.OnFailed(StagePersist)
		return n
	}
	d.hooks.OnDelivered(domain.ChannelInApp, 1)
	return n
}

// sendEmail sends the email copy of n when the recipient opted in. The rate
// limiter wait is bounded only by ctx, the dispatcher's lifetime; the
// contact lookup and the send each get their own jobTimeout.
func (d *Dispatcher) sendEmail(ctx context.Context, n *domain.Notification, log *zap.Logger) {
	if d.email == nil || d.contacts == nil {
		return
	}
	log = log.With(zap.String("user_id", n.UserID))

	lookupCtx, cancel := context.WithTimeout(ctx, d.jobTimeout)
	contact, err := d.contacts.GetContact(lookupCtx, n.UserID)
	cancel()
	if errors.Is(err, domain.ErrNotFound) {
		log.Debug("no contact on file, email skipped")
		return
	}
	if err != nil {
		log.Error("failed to load contact", zap.Error(err))
		d.hooks.OnFailed(StageEmail)
		return
	}
	if !contact.EmailEnabled || contact.Email == "" {
		return
	}

	if d.limiter != nil {
		if err := d.limiter.Wait(ctx, domain.ChannelEmail); err != nil {
			log.Warn("email rate limit wait aborted", zap.Error(err))
			d.hooks.OnFailed(StageEmail)
			return
		}
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.jobTimeout)
	defer cancel()
	resp, err := d.email.Send(sendCtx, provider.NewEmailMessage(contact, n))
	if err != nil {
		log.Warn("email send failed", zap.Error(err))
		d.hooks.OnFailed(StageEmail)
		return
	}
	d.hooks.OnDelivered(domain.ChannelEmail, 1)
	log.Debug("email sent", zap.String("provider_msg_id", resp.MessageID))
}
