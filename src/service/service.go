package service

import (
	"context"
	"encoding/json"
	"io/ioutil"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/mosaicnetworks/ebft/src/node"
	"github.com/pkg/errors"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
)

// maxTxSize bounds the body of a POST /tx request.
const maxTxSize = 1 << 20

// Service exposes the diagnostics of a node over HTTP.
type Service struct {
	bindAddress string
	node        *node.Node
	registry    metrics.Registry
	router      *mux.Router
	logger      *logrus.Entry
}

// NewService ...
func NewService(bindAddress string, n *node.Node, registry metrics.Registry, logger *logrus.Entry) *Service {
	service := &Service{
		bindAddress: bindAddress,
		node:        n,
		registry:    registry,
		router:      mux.NewRouter(),
		logger:      logger,
	}

	service.registerHandlers()

	return service
}

func (s *Service) registerHandlers() {
	s.logger.Debug("Registering API handlers")
	s.router.HandleFunc("/stats", s.makeHandler(s.GetStats)).Methods("GET")
	s.router.HandleFunc("/status", s.makeHandler(s.GetStatus)).Methods("GET")
	s.router.HandleFunc("/block/{height:[0-9]+}", s.makeHandler(s.GetBlock)).Methods("GET")
	s.router.HandleFunc("/peers", s.makeHandler(s.GetPeers)).Methods("GET")
	s.router.HandleFunc("/metrics", s.makeHandler(s.GetMetrics)).Methods("GET")
	s.router.HandleFunc("/tx", s.makeHandler(s.SubmitTx)).Methods("POST")
}

func (s *Service) makeHandler(fn func(http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// enable CORS
		w.Header().Set("Access-Control-Allow-Origin", "*")

		fn(w, r)
	}
}

// Handler returns the router, for embedding in another server.
func (s *Service) Handler() http.Handler {
	return s.router
}

// Serve listens on the bind address until ctx is cancelled.
func (s *Service) Serve(ctx context.Context) error {
	s.logger.WithField("bind_address", s.bindAddress).Debug("Serving API")

	srv := &http.Server{
		Addr:    s.bindAddress,
		Handler: s.router,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "serving API")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.WithError(err).Warn("API shutdown")
	}
	<-errCh

	return nil
}

// GetStats ...
func (s *Service) GetStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.node.GetStats())
}

// GetStatus returns the consensus snapshot of the node.
func (s *Service) GetStatus(w http.ResponseWriter, r *http.Request) {
	snap, validator := s.node.Snapshot()
	if !validator {
		s.writeJSON(w, map[string]interface{}{
			"height":    snap.Height,
			"validator": false,
		})
		return
	}
	s.writeJSON(w, snap)
}

// GetBlock ...
func (s *Service) GetBlock(w http.ResponseWriter, r *http.Request) {
	param := mux.Vars(r)["height"]

	height, err := strconv.ParseInt(param, 10, 64)
	if err != nil {
		s.logger.WithError(err).Errorf("Parsing height parameter %s", param)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	block, err := s.node.GetBlock(height)
	if err != nil {
		s.logger.WithError(err).Debugf("Retrieving block %d", height)
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	s.writeJSON(w, block)
}

// GetPeers ...
func (s *Service) GetPeers(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.node.GetPeers())
}

// GetMetrics dumps the metrics registry.
func (s *Service) GetMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	metrics.WriteJSONOnce(s.registry, w)
}

// SubmitTx queues the request body as a transaction.
func (s *Service) SubmitTx(w http.ResponseWriter, r *http.Request) {
	tx, err := ioutil.ReadAll(http.MaxBytesReader(w, r.Body, maxTxSize))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(tx) == 0 {
		http.Error(w, "empty transaction", http.StatusBadRequest)
		return
	}

	if err := s.node.SubmitTx(tx); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func (s *Service) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Warn("Encoding response")
	}
}
