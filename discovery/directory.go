package discovery

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/cors"
	"github.com/sirupsen/logrus"
)

// DirectoryRecord is one line of the directory publish format, per spec §6:
// "id:ip:port:public_ip:public_port:is_public".
type DirectoryRecord struct {
	ID         int32
	IP         string
	Port       int
	PublicIP   string
	PublicPort int
	IsPublic   bool
}

func (r DirectoryRecord) encode() string {
	pub := 0
	if r.IsPublic {
		pub = 1
	}
	return fmt.Sprintf("%d:%s:%d:%s:%d:%d", r.ID, r.IP, r.Port, r.PublicIP, r.PublicPort, pub)
}

func decodeDirectoryRecord(line string) (DirectoryRecord, error) {
	fields := strings.Split(line, ":")
	if len(fields) != 6 {
		return DirectoryRecord{}, fmt.Errorf("discovery: malformed directory record %q", line)
	}
	id, err := strconv.Atoi(fields[0])
	if err != nil {
		return DirectoryRecord{}, fmt.Errorf("discovery: bad id in %q: %w", line, err)
	}
	port, err := strconv.Atoi(fields[2])
	if err != nil {
		return DirectoryRecord{}, fmt.Errorf("discovery: bad port in %q: %w", line, err)
	}
	pubPort, err := strconv.Atoi(fields[4])
	if err != nil {
		return DirectoryRecord{}, fmt.Errorf("discovery: bad public port in %q: %w", line, err)
	}
	return DirectoryRecord{
		ID:         int32(id),
		IP:         fields[1],
		Port:       port,
		PublicIP:   fields[3],
		PublicPort: pubPort,
		IsPublic:   fields[5] == "1",
	}, nil
}

// DirectoryBackend is the publish/list contract spec §4.9 describes:
// "purely publish(record) and list() -> [record]". The source's
// filesystem-path stand-in is explicitly not part of the core; this
// interface instead admits either an in-memory backend (for same-process
// tests and single-binary deployments) or an HTTP backend talking to a
// shared directory service.
type DirectoryBackend interface {
	Publish(ctx context.Context, rec DirectoryRecord) error
	List(ctx context.Context) ([]DirectoryRecord, error)
}

// PollInterval is how often a node polls the directory for peers it does
// not yet know, per spec §4.9.
const PollInterval = 30 * time.Second

// MemoryDirectory is an in-memory DirectoryBackend, useful for tests and
// for deployments where every node shares one process.
type MemoryDirectory struct {
	mu      sync.Mutex
	records map[int32]DirectoryRecord
}

// NewMemoryDirectory constructs an empty in-memory directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{records: make(map[int32]DirectoryRecord)}
}

func (d *MemoryDirectory) Publish(ctx context.Context, rec DirectoryRecord) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.records[rec.ID] = rec
	return nil
}

func (d *MemoryDirectory) List(ctx context.Context) ([]DirectoryRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]DirectoryRecord, 0, len(d.records))
	for _, r := range d.records {
		out = append(out, r)
	}
	return out, nil
}

// HTTPDirectory is a DirectoryBackend client for a shared directory
// service reachable over HTTP, explicitly outside the connectivity core
// (spec §4.9) but offered as a real alternative to the source's
// filesystem-path stand-in.
type HTTPDirectory struct {
	BaseURL string
	client  *http.Client
}

// NewHTTPDirectory constructs a client against a directory service at
// baseURL (expected to expose POST /records and GET /records).
func NewHTTPDirectory(baseURL string) *HTTPDirectory {
	return &HTTPDirectory{BaseURL: strings.TrimRight(baseURL, "/"), client: &http.Client{Timeout: 10 * time.Second}}
}

func (d *HTTPDirectory) Publish(ctx context.Context, rec DirectoryRecord) error {
	body := strings.NewReader(rec.encode() + "\n")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.BaseURL+"/records", body)
	if err != nil {
		return fmt.Errorf("discovery: build publish request: %w", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("discovery: publish: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("discovery: publish rejected with status %d", resp.StatusCode)
	}
	return nil
}

func (d *HTTPDirectory) List(ctx context.Context) ([]DirectoryRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.BaseURL+"/records", nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: build list request: %w", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("discovery: list: %w", err)
	}
	defer resp.Body.Close()

	var out []DirectoryRecord
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		rec, err := decodeDirectoryRecord(line)
		if err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, scanner.Err()
}

// DirectoryServer is a minimal in-process HTTP frontend for
// MemoryDirectory, with CORS enabled via rs/cors the way the teacher's own
// admin-facing HTTP surfaces are wrapped. Offered as the optional
// "directory server" deployment spec §4.9 allows but does not require.
type DirectoryServer struct {
	backend *MemoryDirectory
	handler http.Handler
}

// NewDirectoryServer wraps backend in an http.Handler exposing
// POST/GET /records as newline-delimited colon-separated records.
func NewDirectoryServer(backend *MemoryDirectory) *DirectoryServer {
	mux := http.NewServeMux()
	mux.HandleFunc("/records", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		switch r.Method {
		case http.MethodPost:
			buf := make([]byte, 512)
			n, _ := r.Body.Read(buf)
			rec, err := decodeDirectoryRecord(strings.TrimSpace(string(buf[:n])))
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			if err := backend.Publish(ctx, rec); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		case http.MethodGet:
			records, err := backend.List(ctx)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "text/plain")
			for _, rec := range records {
				fmt.Fprintln(w, rec.encode())
			}
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/records.json", func(w http.ResponseWriter, r *http.Request) {
		records, err := backend.List(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(records)
	})

	handler := cors.AllowAll().Handler(mux)
	return &DirectoryServer{backend: backend, handler: handler}
}

// ServeHTTP implements http.Handler.
func (s *DirectoryServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// PollBackend periodically lists backend and calls onUnknown for every
// record whose id onKnown reports as not-yet-known, per spec §4.9's
// "polls the directory every 30 s for peers it does not yet know".
func PollBackend(done <-chan struct{}, backend DirectoryBackend, onKnown func(id int32) bool, onUnknown func(DirectoryRecord), logger *logrus.Logger) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	log := logger.WithField("component", "discovery")
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			records, err := backend.List(context.Background())
			if err != nil {
				log.WithError(err).Debug("directory list failed")
				continue
			}
			for _, rec := range records {
				if !onKnown(rec.ID) {
					onUnknown(rec)
				}
			}
		}
	}
}
