// Package preview serves the live capture preview over HTTP: a still JPEG
// endpoint, a websocket that pushes each new JPEG as a binary message, and
// a JSON status endpoint.
package preview

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/AIWaveSystems/screenRecording/internal/capture"
	"github.com/AIWaveSystems/screenRecording/internal/logging"
)

var log = logging.L("preview")

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
)

// Frames is the preview frame store. *capture.PreviewSink satisfies it.
type Frames interface {
	Latest() (capture.Frame, bool)
	Updates() (<-chan struct{}, uint64)
}

// StatusFunc returns a JSON-encodable status document.
type StatusFunc func() any

// Server publishes preview frames to local viewers.
type Server struct {
	frames  Frames
	quality int
	status  StatusFunc

	upgrader websocket.Upgrader

	mu      sync.Mutex
	cached  []byte
	version uint64

	httpSrv  *http.Server
	done     chan struct{}
	stopOnce sync.Once
	clients  sync.WaitGroup
}

func New(frames Frames, quality int, status StatusFunc) *Server {
	return &Server{
		frames:  frames,
		quality: quality,
		status:  status,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 64 * 1024,
		},
		done: make(chan struct{}),
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /preview.jpg", s.handleStill)
	mux.HandleFunc("GET /ws", s.handleStream)
	mux.HandleFunc("GET /status", s.handleStatus)
	return mux
}

// Start listens on addr and serves in the background. It returns the bound
// address, which differs from addr when addr uses port 0.
func (s *Server) Start(addr string) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}
	s.httpSrv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("preview server stopped", logging.KeyError, err)
		}
	}()
	log.Info("preview server listening", "addr", ln.Addr().String())
	return ln.Addr().String(), nil
}

// Shutdown stops accepting connections, closes open streams and waits for
// them to finish or ctx to end.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.done) })
	var err error
	if s.httpSrv != nil {
		err = s.httpSrv.Shutdown(ctx)
	}

	waited := make(chan struct{})
	go func() {
		s.clients.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

// jpeg returns the encoded newest frame, encoding at most once per frame
// version no matter how many viewers are connected.
func (s *Server) jpeg() ([]byte, uint64, bool) {
	_, version := s.frames.Updates()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached != nil && s.version == version {
		return s.cached, version, true
	}
	f, ok := s.frames.Latest()
	if !ok || f.Image == nil {
		return nil, 0, false
	}
	data, err := capture.EncodeJPEG(f.Image, s.quality)
	if err != nil {
		log.Warn("preview encode failed", logging.KeyError, err)
		return nil, 0, false
	}
	s.cached, s.version = data, version
	return data, version, true
}

func (s *Server) handleStill(w http.ResponseWriter, r *http.Request) {
	data, _, ok := s.jpeg()
	if !ok {
		http.Error(w, "no frame yet", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(data)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var doc any = struct{}{}
	if s.status != nil {
		doc = s.status()
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(doc); err != nil {
		log.Warn("status encode failed", logging.KeyError, err)
	}
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug("websocket upgrade failed", logging.KeyError, err)
		return
	}
	s.clients.Add(1)
	defer s.clients.Done()

	remote := conn.RemoteAddr().String()
	log.Info("preview viewer connected", "remote", remote)
	closed := make(chan struct{})
	go s.readPump(conn, closed)
	sent := s.writePump(conn, closed)
	conn.Close()
	log.Info("preview viewer disconnected", "remote", remote, "frames", sent)
}

// readPump consumes control frames so pongs and close messages are seen.
func (s *Server) readPump(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) writePump(conn *websocket.Conn, closed <-chan struct{}) (sent int) {
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	var last uint64
	if data, v, ok := s.jpeg(); ok {
		if s.send(conn, data) != nil {
			return sent
		}
		last = v
		sent++
	}

	for {
		updates, v := s.frames.Updates()
		if v != last {
			data, ver, ok := s.jpeg()
			if ok && ver != last {
				if s.send(conn, data) != nil {
					return sent
				}
				last = ver
				sent++
			}
		}

		select {
		case <-s.done:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(writeWait))
			return sent
		case <-closed:
			return sent
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return sent
			}
		case <-updates:
		}
	}
}

func (s *Server) send(conn *websocket.Conn, data []byte) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.BinaryMessage, data)
}
