package broker

import "sync"

type routeKey struct {
	sessionID string
	requestID string
}

// RequestRouter remembers which student connection raised which two-way
// request so a private teacher reply can find its way back. Entries live
// until the teacher replies or the session is cleared.
type RequestRouter struct {
	mu     sync.Mutex
	routes map[routeKey]Peer
}

// NewRequestRouter returns an empty router.
func NewRequestRouter() *RequestRouter {
	return &RequestRouter{routes: make(map[routeKey]Peer)}
}

// Register binds (sessionID, requestID) to the requesting student.
func (r *RequestRouter) Register(sessionID, requestID string, student Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[routeKey{sessionID, requestID}] = student
}

// Claim resolves and removes the route. The second return is false when
// the request is unknown or was already claimed.
func (r *RequestRouter) Claim(sessionID, requestID string) (Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := routeKey{sessionID, requestID}
	p, ok := r.routes[key]
	if ok {
		delete(r.routes, key)
	}
	return p, ok
}

// ClearSession removes every route belonging to the session.
func (r *RequestRouter) ClearSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key := range r.routes {
		if key.sessionID == sessionID {
			delete(r.routes, key)
		}
	}
}

// Len returns the number of outstanding routes.
func (r *RequestRouter) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.routes)
}
