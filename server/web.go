/*
	Package server is the web front of the data service: it loads the TOML
	configuration, owns the metadata registry, extractor and result cache,
	and maps engine error classes onto HTTP status codes.  The data
	endpoints are deliberately thin; all request semantics live in the
	dataid/tile/encode packages.
*/

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/cors"

	"github.com/visor-platform/visor/dataid"
	"github.com/visor-platform/visor/encode"
	"github.com/visor-platform/visor/metadata"
	"github.com/visor-platform/visor/rescache"
	"github.com/visor-platform/visor/storage"
	"github.com/visor-platform/visor/tile"
	"github.com/visor-platform/visor/visor"
)

// WebHelp documents the HTTP API at the root path.
const WebHelp = `
Brain-specimen imaging data service

GET  /healthz                                      server health + cache stats
GET  /metadata?type=specimens                      all specimen entries (JSON)
GET  /metadata?type=regions&specimen={id}          region hierarchy for a specimen
GET  /metadata?type=regions&specimen={id}&query=q  region search by name/abbreviation
GET  /metadata?type=regions&specimen={id}&value=n  region lookup by mask value
GET  /data/{data_id}                               tile / block / mesh payload

data_id grammar:
  {specimen}:{modality}{view}[-{encoding}]:{level}:{channel}:{index}
  modality: img | msk | meh       view: xy | yz | xz | 3d
  index:    z,y,x   (image/mask)  |  region  |  region,z   (mesh)

POST /admin/flush-cache                            drop all cached results
POST /admin/reload-metadata                        reload specimen metadata
`

// Service ties the engine components to the HTTP front.
type Service struct {
	reg       *metadata.Registry
	extractor *tile.Extractor
	cache     *rescache.Cache

	handler   http.Handler
	dataSem   chan struct{}
	startTime time.Time
}

// NewService builds a service from the loaded configuration: registry load,
// chunk cache setup, kafka activity logging, result cache.
func NewService(config *tomlConfig) (*Service, error) {
	if err := storage.SetupGroupcache(config.Groupcache); err != nil {
		return nil, fmt.Errorf("unable to set up groupcache: %v", err)
	}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	if err := config.Kafka.Initialize(hostname); err != nil {
		return nil, fmt.Errorf("unable to initialize kafka: %v", err)
	}

	reg, err := metadata.NewRegistry(config.Server.DataRoot)
	if err != nil {
		return nil, err
	}

	s := &Service{
		reg:       reg,
		extractor: tile.NewExtractor(reg),
		cache:     rescache.New(config.Cache),
		startTime: time.Now(),
	}
	if n := config.Server.MaxDataRequests; n > 0 {
		s.dataSem = make(chan struct{}, n)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.helpHandler)
	mux.HandleFunc("/healthz", s.healthHandler)
	mux.HandleFunc("/metadata", s.metadataHandler)
	mux.HandleFunc("/data/", s.dataHandler)
	mux.HandleFunc("/admin/flush-cache", s.flushHandler)
	mux.HandleFunc("/admin/reload-metadata", s.reloadHandler)

	corsLayer := cors.New(cors.Options{
		AllowedOrigins: config.Server.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
	})
	s.handler = corsLayer.Handler(mux)
	return s, nil
}

// Handler returns the full middleware-wrapped HTTP handler.
func (s *Service) Handler() http.Handler {
	return s.handler
}

// Serve runs the web server until the context is canceled.
func (s *Service) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.handler}
	errCh := make(chan error, 1)
	go func() {
		visor.Infof("Web server listening at %s ...\n", addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// Shutdown releases every resource the service owns.
func (s *Service) Shutdown() {
	KafkaShutdown()
	s.extractor.Shutdown()
	visor.Infof("Service shut down: %s\n", s.cache.Stats())
}

func (s *Service) helpHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprint(w, WebHelp)
}

func (s *Service) healthHandler(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":    "ok",
		"uptime":    time.Since(s.startTime).String(),
		"specimens": len(s.reg.List()),
		"cache":     s.cache.Stats(),
		"engines":   storage.EnginesAvailable(),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health)
}

func (s *Service) metadataHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "metadata requests must use GET", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	switch q.Get("type") {
	case "specimens":
		w.Header().Set("Content-Type", "application/json")
		w.Write(s.reg.MarshalSpecimens())

	case "regions":
		s.regionsHandler(w, r)

	default:
		http.Error(w, fmt.Sprintf("unknown metadata type %q", q.Get("type")), http.StatusBadRequest)
	}
}

func (s *Service) regionsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	specimen := q.Get("specimen")
	if specimen == "" {
		http.Error(w, "regions metadata requires a specimen parameter", http.StatusBadRequest)
		return
	}

	if query := q.Get("query"); query != "" {
		matches, err := s.reg.SearchRegions(specimen, query)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(matches)
		return
	}
	if valueStr := q.Get("value"); valueStr != "" {
		var value int
		if _, err := fmt.Sscanf(valueStr, "%d", &value); err != nil {
			http.Error(w, fmt.Sprintf("bad region value %q", valueStr), http.StatusBadRequest)
			return
		}
		region, err := s.reg.RegionByValue(specimen, value)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(region)
		return
	}

	hier, err := s.reg.Hierarchy(specimen)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(hier)
}

func (s *Service) dataHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "data requests must use GET", http.StatusMethodNotAllowed)
		return
	}
	timedLog := visor.NewTimeLog()
	start := time.Now()

	// Bound concurrent extraction; a canceled client gives up its slot.
	if s.dataSem != nil {
		select {
		case s.dataSem <- struct{}{}:
			defer func() { <-s.dataSem }()
		case <-r.Context().Done():
			return
		}
	}

	id := strings.TrimPrefix(r.URL.Path, "/data/")
	d, err := dataid.Parse(id, s.reg)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	key := d.String()

	entry, hit, err := s.cache.GetOrFill(key, func() (rescache.Entry, error) {
		payload, err := s.extractor.Extract(r.Context(), d)
		if err != nil {
			return rescache.Entry{}, err
		}
		data, ctype, err := encode.Encode(payload, d.Encoding)
		if err != nil {
			return rescache.Entry{}, err
		}
		return rescache.Entry{Data: data, ContentType: ctype}, nil
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", entry.ContentType)
	w.Write(entry.Data)

	timedLog.Debugf("GET /data/%s (%d bytes, cache hit %t)", id, len(entry.Data), hit)
	LogActivity(map[string]interface{}{
		"method":   r.Method,
		"data_id":  key,
		"bytes":    len(entry.Data),
		"cache":    hit,
		"duration": time.Since(start).Milliseconds(),
	})
}

func (s *Service) flushHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "cache flush must use POST", http.StatusMethodNotAllowed)
		return
	}
	s.cache.Flush()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) reloadHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "metadata reload must use POST", http.StatusMethodNotAllowed)
		return
	}
	if err := s.reg.Reload(); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeError maps engine error classes onto HTTP statuses: identifier
// problems are 400s, resolution misses are 404s, everything else is a 500.
func (s *Service) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var status int
	switch class := visor.ErrorClass(err); {
	case class == visor.ErrMalformedIdentifier,
		class == visor.ErrMissingField,
		class == visor.ErrUnsupportedCombination:
		status = http.StatusBadRequest
	case class == visor.ErrNotFound:
		status = http.StatusNotFound
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful to write.
		return
	default:
		status = http.StatusInternalServerError
		visor.Errorf("Request %s failed: %v\n", r.URL.Path, err)
	}
	http.Error(w, err.Error(), status)
}
