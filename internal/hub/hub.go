// Package hub talks to the radio hub that the EMG clips connect through. The
// hub speaks a line protocol over a serial port; lines fan out to any number
// of subscribers and commands from several callers are serialized onto the
// one port.
package hub

import (
	"bufio"
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"tailscale.com/tsweb"

	"github.com/banshee-data/emg.report/internal/monitoring"
)

var ErrWriteFailed = errors.New("failed to write to hub port")

var logf = monitoring.Component("hub")

// SubscriberBuffer is the line buffer of each subscriber. A subscriber that
// falls this far behind loses lines.
const SubscriberBuffer = 4096

// Transport is the hub connection as seen by the engine and admin routes.
type Transport interface {
	// Subscribe returns a channel of raw lines and the ID to unsubscribe it.
	Subscribe() (string, chan string)
	Unsubscribe(string)
	// SendCommand writes one line to the hub.
	SendCommand(string) error
	// Monitor reads the port until ctx is done or the port closes.
	Monitor(context.Context) error
	Close() error
	// AttachAdminRoutes mounts /debug/ routes on mux.
	AttachAdminRoutes(*http.ServeMux)
}

// Hub multiplexes one hub port.
type Hub struct {
	port Port

	subscriberMu sync.Mutex
	subscribers  map[string]chan string
	commandMu    sync.Mutex
	closing      atomic.Bool
	dropped      atomic.Uint64
}

// New returns a hub reading and writing port.
func New(port Port) *Hub {
	return &Hub{
		port:        port,
		subscribers: make(map[string]chan string),
	}
}

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	_, _ = crand.Read(b)
	return hex.EncodeToString(b)
}

func (h *Hub) Subscribe() (string, chan string) {
	id := randomID()
	ch := make(chan string, SubscriberBuffer)
	h.subscriberMu.Lock()
	defer h.subscriberMu.Unlock()
	if h.closing.Load() {
		close(ch)
		return id, ch
	}
	h.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (h *Hub) Unsubscribe(id string) {
	h.subscriberMu.Lock()
	defer h.subscriberMu.Unlock()
	if ch, ok := h.subscribers[id]; ok {
		close(ch)
		delete(h.subscribers, id)
	}
}

// Dropped returns how many lines were lost to full subscriber buffers.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// SendCommand writes a command line to the hub.
func (h *Hub) SendCommand(command string) error {
	h.commandMu.Lock()
	defer h.commandMu.Unlock()
	if !strings.HasSuffix(command, "\n") {
		command += "\n"
	}
	n, err := h.port.Write([]byte(command))
	if err != nil {
		return err
	}
	if n != len(command) {
		return ErrWriteFailed
	}
	return nil
}

// Monitor reads lines from the port and fans them out to subscribers.
func (h *Hub) Monitor(ctx context.Context) error {
	scan := bufio.NewScanner(h.port)
	lineChan := make(chan string)
	scanErrChan := make(chan error, 1)

	// The blocking Scan runs on its own goroutine so cancellation is seen
	// promptly.
	go func() {
		defer close(lineChan)
		for scan.Scan() {
			select {
			case lineChan <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			scanErrChan <- err
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-scanErrChan:
			if h.closing.Load() {
				return nil
			}
			return err
		case line, ok := <-lineChan:
			if !ok {
				select {
				case err := <-scanErrChan:
					if !h.closing.Load() {
						return err
					}
				default:
				}
				return nil
			}
			if h.closing.Load() {
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			h.publish(line)
		}
	}
}

func (h *Hub) publish(line string) {
	h.subscriberMu.Lock()
	defer h.subscriberMu.Unlock()
	for _, ch := range h.subscribers {
		select {
		case ch <- line:
		default:
			if h.dropped.Add(1)%1000 == 1 {
				logf("subscriber buffer full, dropping lines (%d so far)", h.dropped.Load())
			}
		}
	}
}

func (h *Hub) Close() error {
	h.closing.Store(true)
	h.subscriberMu.Lock()
	for id, ch := range h.subscribers {
		close(ch)
		delete(h.subscribers, id)
	}
	h.subscriberMu.Unlock()
	return h.port.Close()
}

var sendCommandPage = template.Must(template.New("hub-send").Parse(`<!DOCTYPE html>
<html><head><title>Hub console</title></head>
<body>
<h1>Hub console</h1>
<form method="POST" action="{{.}}">
<input name="command" size="40" placeholder="command"> <button type="submit">Send</button>
</form>
<pre id="tail"></pre>
<script>
const tail = document.getElementById("tail");
new EventSource("hub-tail").onmessage = (e) => {
  tail.textContent = (e.data + "\n" + tail.textContent).slice(0, 20000);
};
</script>
</body></html>
`))

// AttachAdminRoutes mounts the hub console, command API and live tail under
// /debug/. tsweb restricts them to localhost and the tailnet.
func (h *Hub) AttachAdminRoutes(mux *http.ServeMux) {
	attachAdminRoutes(mux, h)
}

func attachAdminRoutes(mux *http.ServeMux, t Transport) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("hub", "hub console and live line tail", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := sendCommandPage.Execute(w, "hub-send"); err != nil {
			http.Error(w, "Failed to render template", http.StatusInternalServerError)
		}
	})

	debug.HandleSilentFunc("hub-send", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		command := strings.TrimSpace(r.FormValue("command"))
		if command == "" {
			http.Error(w, "Missing command", http.StatusBadRequest)
			return
		}
		if err := t.SendCommand(command); err != nil {
			http.Error(w, "Failed to write command", http.StatusInternalServerError)
			return
		}
		_, _ = io.WriteString(w, fmt.Sprintf("Wrote command %q to hub", command))
	})

	// Server-Sent Events of raw hub lines.
	debug.HandleSilentFunc("hub-tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		id, c := t.Subscribe()
		defer t.Unsubscribe(id)

		_, _ = w.Write([]byte(": ping\n\n"))
		flusher.Flush()
		for {
			select {
			case line, ok := <-c:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", line); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}
