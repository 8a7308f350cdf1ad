package server

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/tether/internal/updates"
)

const defaultRealtimeBuffer = 16

// RealtimeMessage announces committed updates to the live sockets of a user.
type RealtimeMessage struct {
	UserID         string
	TargetSession  string
	ExcludeSession string
	UpdateIDs      []string
	LatestTime     int64
}

// RealtimeDispatcher fans committed update notifications out to live sockets.
// A full subscriber buffer drops the message; the next one makes the socket
// fetch everything it has not seen.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id      int64
	session string
	stream  chan RealtimeMessage
}

// NewRealtimeDispatcher constructs an empty dispatcher.
func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  defaultRealtimeBuffer,
	}
}

// Subscribe registers a socket of userID bound to session. The subscription
// ends when ctx is done or the returned cleanup runs.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, userID string, session string) (<-chan RealtimeMessage, func()) {
	if userID == "" {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:      d.nextSequence(),
		session: session,
		stream:  make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(userID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(userID, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// PublishUpdates forwards an update log notification to matching sockets.
func (d *RealtimeDispatcher) PublishUpdates(notification updates.Notification) {
	d.Publish(RealtimeMessage{
		UserID:         notification.UserID,
		TargetSession:  notification.TargetSession,
		ExcludeSession: notification.ExcludeSession,
		UpdateIDs:      append([]string(nil), notification.UpdateIDs...),
		LatestTime:     notification.LatestTime,
	})
}

// Publish delivers message to the user's sockets. Targeted messages reach
// only the target session; the excluded session never receives the message.
func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.UserID == "" || len(message.UpdateIDs) == 0 {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.UserID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*realtimeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		if message.TargetSession != "" && subscriber.session != message.TargetSession {
			continue
		}
		if message.ExcludeSession != "" && subscriber.session == message.ExcludeSession {
			continue
		}
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(userID string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[userID]; !ok {
		d.subscribers[userID] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[userID][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(userID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[userID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, userID)
		}
	}
	d.mu.Unlock()
}
