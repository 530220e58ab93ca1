package services

import (
	"sync"
	"time"

	"github.com/fieldtrace/fieldtrace/internal/logger"
	"github.com/fieldtrace/fieldtrace/internal/models"
	"github.com/fieldtrace/fieldtrace/internal/paths"
)

// paradataQueueCap bounds the number of pending entries before new ones are
// shed.
const paradataQueueCap = 1000

// ParadataQueue writes audit entries one at a time, strictly in enqueue
// order, no matter how many update calls enqueue concurrently. Logging is
// best-effort and off the transactional path: a failed or shed entry never
// fails the update that produced it.
type ParadataQueue struct {
	store ParadataStore
	log   *logger.Logger
	ch    chan *models.ParadataEvent
	done  chan struct{}
	once  sync.Once
}

func NewParadataQueue(store ParadataStore, log *logger.Logger) *ParadataQueue {
	q := &ParadataQueue{
		store: store,
		log:   log,
		ch:    make(chan *models.ParadataEvent, paradataQueueCap),
		done:  make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *ParadataQueue) run() {
	defer close(q.done)
	for ev := range q.ch {
		if err := q.store.LogEvent(ev); err != nil {
			q.log.Error("paradata write failed", "interview", ev.InterviewID, "event_type", ev.EventType, "error", err)
		}
	}
}

// Enqueue appends the event to the audit trail. It never blocks and never
// returns an error: when the backlog is full the event is dropped, a warning
// is logged and false is returned.
func (q *ParadataQueue) Enqueue(ev *models.ParadataEvent) bool {
	select {
	case q.ch <- ev:
		return true
	default:
		q.log.Warn("paradata queue full, dropping event", "interview", ev.InterviewID, "event_type", ev.EventType)
		return false
	}
}

// Close drains the queue and stops the writer. Enqueue must not be called
// after Close.
func (q *ParadataQueue) Close() {
	q.once.Do(func() { close(q.ch) })
	<-q.done
}

// ParadataRecorder builds correctly classified events for one interview and
// actor and feeds them to the queue.
type ParadataRecorder struct {
	queue         *ParadataQueue
	interviewID   string
	userID        string
	forCorrection bool
	now           func() time.Time
}

// NewParadataRecorder returns a recorder, or nil when queue is nil (logging
// disabled). A nil recorder's Record is a safe no-op.
func NewParadataRecorder(queue *ParadataQueue, interviewID, userID string, forCorrection bool) *ParadataRecorder {
	if queue == nil {
		return nil
	}
	return &ParadataRecorder{
		queue:         queue,
		interviewID:   interviewID,
		userID:        userID,
		forCorrection: forCorrection,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Record enqueues one entry. Server-origin entries are server_event; entries
// without a user action are side_effect; otherwise the user action type picks
// the event type, falling back to legacy for unknown actions.
func (r *ParadataRecorder) Record(userAction *models.UserAction, valuesByPath *paths.Values, unsetPaths []string, server bool) bool {
	if r == nil {
		return false
	}
	data := map[string]any{}
	if valuesByPath.Len() > 0 {
		data["valuesByPath"] = valuesByPath.Map()
	}
	if len(unsetPaths) > 0 {
		data["unsetPaths"] = unsetPaths
	}
	if userAction != nil {
		data["userAction"] = userAction
	}

	eventType := models.EventSideEffect
	switch {
	case server:
		eventType = models.EventServer
	case userAction != nil:
		eventType = userActionEventType(r, userAction)
	}

	return r.queue.Enqueue(&models.ParadataEvent{
		InterviewID:   r.interviewID,
		UserID:        r.userID,
		EventType:     eventType,
		EventData:     data,
		ForCorrection: r.forCorrection,
		Timestamp:     r.now(),
	})
}

func userActionEventType(r *ParadataRecorder, userAction *models.UserAction) string {
	switch userAction.Type {
	case models.ActionButtonClick:
		return models.EventButtonClick
	case models.ActionWidgetInteraction:
		return models.EventWidgetInteraction
	case models.ActionSectionChange:
		return models.EventSectionChange
	case models.ActionLanguageChange:
		return models.EventLanguageChange
	case models.ActionInterviewOpen:
		return models.EventInterviewOpen
	default:
		r.queue.log.Warn("unknown user action type", "type", userAction.Type)
		return models.EventLegacy
	}
}
