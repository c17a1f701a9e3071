package main

import (
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

// Local stand-in for the bot platform. It implements the slice of the API
// the service calls (sendMessage, setWebhook, deleteWebhook, getUpdates)
// plus two helper endpoints for driving it by hand:
//
//	POST /inject  body = a message object; queues it as the next update
//	GET  /sent    lists every message the service has sent so far
//
// Set MOCK_FAIL_WEBHOOK=1 to make setWebhook fail, which pushes the
// service into long-poll fallback mode.

type update struct {
	UpdateID int64           `json:"update_id"`
	Message  json.RawMessage `json:"message"`
}

type sentMessage struct {
	ChatID int64  `json:"chat_id"`
	Text   string `json:"text"`
}

type mock struct {
	mu          sync.Mutex
	updates     []update
	nextID      int64
	sent        []sentMessage
	arrival     chan struct{}
	failWebhook bool
}

func main() {
	m := &mock{
		arrival:     make(chan struct{}),
		failWebhook: os.Getenv("MOCK_FAIL_WEBHOOK") == "1",
	}

	http.HandleFunc("/", m.route)
	log.Println("Bot API mock starting on port 8081...")
	if m.failWebhook {
		log.Println("setWebhook calls will be rejected (MOCK_FAIL_WEBHOOK=1)")
	}
	log.Fatal(http.ListenAndServe(":8081", nil))
}

func (m *mock) route(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(r.URL.Path, "/")
	switch {
	case path == "inject":
		m.inject(w, r)
	case path == "sent":
		m.listSent(w)
	case strings.HasPrefix(path, "bot"):
		parts := strings.SplitN(path, "/", 2)
		if len(parts) != 2 {
			http.NotFound(w, r)
			return
		}
		switch parts[1] {
		case "sendMessage":
			m.sendMessage(w, r)
		case "setWebhook":
			m.setWebhook(w, r)
		case "deleteWebhook":
			reply(w, true)
		case "getUpdates":
			m.getUpdates(w, r)
		default:
			replyError(w, "method not found")
		}
	default:
		http.NotFound(w, r)
	}
}

func (m *mock) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req sentMessage
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		replyError(w, "bad sendMessage payload")
		return
	}

	m.mu.Lock()
	m.sent = append(m.sent, req)
	n := len(m.sent)
	m.mu.Unlock()

	log.Printf("sendMessage to chat %d: %s", req.ChatID, req.Text)
	reply(w, map[string]any{"message_id": n})
}

func (m *mock) setWebhook(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL string `json:"url"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	if m.failWebhook {
		log.Printf("setWebhook rejected for %s", req.URL)
		replyError(w, "webhook registration disabled")
		return
	}
	log.Printf("setWebhook accepted for %s", req.URL)
	reply(w, true)
}

func (m *mock) getUpdates(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Offset  int64 `json:"offset"`
		Timeout int   `json:"timeout"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	deadline := time.Now().Add(time.Duration(req.Timeout) * time.Second)
	for {
		m.mu.Lock()
		var pending []update
		for _, u := range m.updates {
			if u.UpdateID >= req.Offset {
				pending = append(pending, u)
			}
		}
		arrival := m.arrival
		m.mu.Unlock()

		if len(pending) > 0 || !time.Now().Before(deadline) {
			if pending == nil {
				pending = []update{}
			}
			reply(w, pending)
			return
		}

		// Hold the poll open until something arrives or the window closes.
		select {
		case <-arrival:
		case <-time.After(time.Until(deadline)):
		case <-r.Context().Done():
			return
		}
	}
}

func (m *mock) inject(w http.ResponseWriter, r *http.Request) {
	var msg json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, "bad message payload", http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	m.nextID++
	u := update{UpdateID: m.nextID, Message: msg}
	m.updates = append(m.updates, u)
	close(m.arrival)
	m.arrival = make(chan struct{})
	m.mu.Unlock()

	log.Printf("injected update %d", u.UpdateID)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(u)
}

func (m *mock) listSent(w http.ResponseWriter) {
	m.mu.Lock()
	out := make([]sentMessage, len(m.sent))
	copy(out, m.sent)
	m.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func reply(w http.ResponseWriter, result any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": result})
}

func replyError(w http.ResponseWriter, description string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "description": description})
}
