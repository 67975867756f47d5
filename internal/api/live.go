package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"ridertrack/internal/broker"
)

const (
	liveKeepAlive = 20 * time.Second
	liveReadWait  = 60 * time.Second
)

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

// liveTopic picks the broker topic for an optional campaign filter.
func liveTopic(campaignID string) string {
	if campaignID == "" {
		return broker.TopicLive
	}
	return broker.CampaignTopic(campaignID)
}

// liveClientID identifies a dashboard so its own updates are not echoed back.
func liveClientID(r *http.Request) string {
	if v := r.Header.Get("X-Client-Id"); v != "" {
		return v
	}
	return r.URL.Query().Get("client_id")
}

// tokenFromQuery lets browser clients, which cannot set headers on an
// EventSource or websocket, pass the bearer token as access_token.
func tokenFromQuery(r *http.Request) {
	if r.Header.Get("Authorization") != "" {
		return
	}
	if tok := r.URL.Query().Get("access_token"); tok != "" {
		r.Header.Set("Authorization", "Bearer "+tok)
	}
}

// LiveStreamHandler handles GET /v1/live/stream as server-sent events.
func (s *Server) LiveStreamHandler(w http.ResponseWriter, r *http.Request) {
	tokenFromQuery(r)
	pr, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	if !pr.CanObserve() {
		writeProblem(w, http.StatusForbidden, "Forbidden", "operator or admin required", r.URL.Path)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeProblem(w, http.StatusInternalServerError, "Streaming unsupported", "", r.URL.Path)
		return
	}
	sub := s.Broker.Subscribe(liveTopic(r.URL.Query().Get("campaign_id")), liveClientID(r))
	defer s.Broker.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, ": subscribed %s\n\n", sub.Topic)
	flusher.Flush()

	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case evt, ok := <-sub.C:
			if !ok {
				return
			}
			fmt.Fprintf(w, "event: %s\n", evt.Type)
			fmt.Fprintf(w, "data: %s\n\n", evt.Data)
			flusher.Flush()
		}
	}
}

type wsMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type wsSubscribePayload struct {
	CampaignID string `json:"campaign_id"`
}

// LiveWSHandler handles GET /v1/live/ws. Protocol: connection_init/ack,
// subscribe (payload {"campaign_id"}) answered by next messages, complete, ping/pong.
func (s *Server) LiveWSHandler(w http.ResponseWriter, r *http.Request) {
	tokenFromQuery(r)
	pr, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	if !pr.CanObserve() {
		writeProblem(w, http.StatusForbidden, "Forbidden", "operator or admin required", r.URL.Path)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	clientID := liveClientID(r)
	subs := map[string]*broker.Subscription{}
	var wg sync.WaitGroup
	done := make(chan struct{})
	defer func() {
		close(done)
		for id, sub := range subs {
			s.Broker.Unsubscribe(sub)
			delete(subs, id)
		}
		wg.Wait()
	}()

	conn.SetReadLimit(1 << 16)
	_ = conn.SetReadDeadline(time.Now().Add(liveReadWait))
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(liveReadWait)) })

	// gorilla connections allow a single concurrent writer
	var wmu sync.Mutex
	write := func(v any) error {
		wmu.Lock()
		defer wmu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(v)
	}

	keepAlive := false
	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(liveReadWait))
		switch msg.Type {
		case "connection_init":
			_ = write(wsMessage{Type: "connection_ack"})
			if keepAlive {
				continue
			}
			keepAlive = true
			wg.Add(1)
			go func() {
				defer wg.Done()
				ticker := time.NewTicker(s.keepAlive)
				defer ticker.Stop()
				for {
					select {
					case <-done:
						return
					case <-ticker.C:
						if err := write(wsMessage{Type: "ping"}); err != nil {
							return
						}
					}
				}
			}()
		case "ping":
			_ = write(wsMessage{Type: "pong"})
		case "pong":
		case "subscribe":
			if msg.ID == "" {
				_ = write(wsMessage{Type: "error", Payload: json.RawMessage(`{"message":"subscription id required"}`)})
				continue
			}
			if _, dup := subs[msg.ID]; dup {
				_ = write(wsMessage{Type: "error", ID: msg.ID, Payload: json.RawMessage(`{"message":"subscription id in use"}`)})
				continue
			}
			var pl wsSubscribePayload
			if len(msg.Payload) > 0 {
				if err := json.Unmarshal(msg.Payload, &pl); err != nil {
					_ = write(wsMessage{Type: "error", ID: msg.ID, Payload: json.RawMessage(`{"message":"invalid payload"}`)})
					continue
				}
			}
			sub := s.Broker.Subscribe(liveTopic(pl.CampaignID), clientID)
			subs[msg.ID] = sub
			wg.Add(1)
			go func(id string, sub *broker.Subscription) {
				defer wg.Done()
				for evt := range sub.C {
					payload, _ := json.Marshal(evt)
					if err := write(wsMessage{Type: "next", ID: id, Payload: payload}); err != nil {
						return
					}
				}
				_ = write(wsMessage{Type: "complete", ID: id})
			}(msg.ID, sub)
		case "complete":
			if sub, ok := subs[msg.ID]; ok {
				s.Broker.Unsubscribe(sub)
				delete(subs, msg.ID)
			}
		default:
			// ignore
		}
	}
}
