package controller

import (
	"sync"
)

// registry owns the live connections and sessions of a siege run. All
// iteration happens over snapshots so bulk operations never hold the
// registry lock while touching a connection.
type registry struct {
	mu sync.Mutex

	// publishers by their signaling session id: the id is the publisher's
	// identity on the wire.
	publishers        map[string]publisherConn
	publisherOrder    []string
	publisherSessions []controlSession

	subscribers        []subscriberConn
	subscriberSessions []controlSession
}

func newRegistry() *registry {
	return &registry{publishers: make(map[string]publisherConn)}
}

func (r *registry) addPublisher(sessionID string, pub publisherConn, sess controlSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.publishers[sessionID]; !ok {
		r.publisherOrder = append(r.publisherOrder, sessionID)
	}
	r.publishers[sessionID] = pub
	r.publisherSessions = append(r.publisherSessions, sess)
}

func (r *registry) addSubscriber(sub subscriberConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribers = append(r.subscribers, sub)
}

func (r *registry) addSubscriberSession(sess controlSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscriberSessions = append(r.subscriberSessions, sess)
}

// publisherSessionIDs returns the publisher ids in ramp-up order.
func (r *registry) publisherSessionIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.publisherOrder...)
}

func (r *registry) publisherSnapshot() []publisherConn {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]publisherConn, 0, len(r.publisherOrder))
	for _, id := range r.publisherOrder {
		out = append(out, r.publishers[id])
	}
	return out
}

func (r *registry) subscriberSnapshot() []subscriberConn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]subscriberConn(nil), r.subscribers...)
}

func (r *registry) sessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.publisherSessions) + len(r.subscriberSessions)
}

// drain empties the registry and returns everything that needs closing.
func (r *registry) drain() (pubs []publisherConn, subs []subscriberConn, sessions []controlSession) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range r.publisherOrder {
		pubs = append(pubs, r.publishers[id])
	}
	subs = r.subscribers
	sessions = append(sessions, r.subscriberSessions...)
	sessions = append(sessions, r.publisherSessions...)

	r.publishers = make(map[string]publisherConn)
	r.publisherOrder = nil
	r.publisherSessions = nil
	r.subscribers = nil
	r.subscriberSessions = nil
	return pubs, subs, sessions
}
