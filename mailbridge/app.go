// Package mailbridge bridges MIME email and a durable message queue. It
// drains a mailbox into queue envelopes with attachments persisted by
// reference id, and reassembles outbound queue records into deliverable
// email. A small HTTP API serves the persisted attachments.
package mailbridge

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const (
	defaultPort           = 8333
	jsonParseErrorMessage = `{"errors":[{"message":"failed to parse response body to json"}]}`

	livenessMessage  = "I'm alive! :)"
	readinessMessage = "I'm ready! :)"
)

// App represents the main application state: database, queue bridge and
// the two pipelines.
type App struct {
	config     *Config
	db         *sql.DB
	store      PayloadStore
	queue      *QueueBridge
	processor  *MailProcessor
	egress     *MailEgress
	logger     *zap.SugaredLogger
	events     EventSink

	quitIngestHandler chan bool
}

// ErrorResponse represents the JSON structure for error responses.
type ErrorResponse struct {
	Errors []Error `json:"errors"`
}

// Error represents an error item in a response.
type Error struct {
	Message string  `json:"message"`
	Field   *string `json:"field,omitempty"`
}

// RunServer enters server loop.  Only returns when something bad happens.
func RunServer(config *Config) (err error) {
	app := newApp(config)
	defer func() {
		err = appendError(err, app.Fini())
	}()

	server := newServer(app)
	return errors.WithStack(server.ListenAndServe())
}

// createLogger creates and returns a new development logger.
func createLogger() (*zap.SugaredLogger, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, errors.WithStack(err)
	}

	return logger.Sugar(), nil
}

// newApp creates a new App instance with the given configuration.
func newApp(config *Config) *App {
	logger, err := createLogger()
	if err != nil {
		log.Panicf("cannot initialize logger: %+v", err)
	}

	db, err := newDB(config)
	if err != nil {
		log.Panicf("cannot connect to db: %+v", err)
	}

	events := NewLogEventSink(logger)
	store := NewPayloadStore(db)

	queue, err := NewQueueBridge(config, logger, events)
	if err != nil {
		log.Panicf("cannot connect to broker: %+v", err)
	}

	classifier := NewClassifier(config, logger)
	dispatcher := NewMailDispatcher(config, logger, events)
	openFolder := func() (Folder, error) { return DialFolder(config, logger) }
	processor := NewMailProcessor(config, classifier, store, queue, dispatcher,
		openFolder, logger, events)
	egress := NewMailEgress(config, queue, NewPayloadClient(config), dispatcher,
		logger, events)

	return &App{
		config:            config,
		db:                db,
		store:             store,
		queue:             queue,
		processor:         processor,
		egress:            egress,
		logger:            logger,
		events:            events,
		quitIngestHandler: make(chan bool, 1),
	}
}

// Fini stops the ingest loop and closes the broker and database
// connections. Closing the broker ends the delivery streams; Fini waits
// for the egress consumers to drain before releasing the database.
func (app *App) Fini() error {
	app.quitIngestHandler <- true
	err := app.queue.Close()
	app.egress.Wait()
	return appendError(err, errors.WithStack(app.db.Close()))
}

// newServer creates and configures a new HTTP server.
func newServer(app *App) *http.Server {
	host := app.config.Host
	if host == "" {
		host = "0.0.0.0"
	}
	port := app.config.Port
	if port == 0 {
		port = defaultPort
	}

	runIngestLoop(app)
	if err := app.egress.Start(); err != nil {
		log.Panicf("cannot start queue consumers: %+v", err)
	}

	router := newRouter(app)

	app.logger.Infow("starting server",
		"host", host,
		"port", port)

	return &http.Server{
		Handler:      router,
		Addr:         fmt.Sprintf("%s:%d", host, port),
		WriteTimeout: 60 * time.Second,
		ReadTimeout:  60 * time.Second,
	}
}

// runIngestLoop starts the mailbox drain loop in a separate goroutine.
func runIngestLoop(app *App) {
	go ingestLoop(app)
}

// ingestLoop drains the mailbox, then sleeps for the poll interval, until
// signaled to stop.
func ingestLoop(app *App) {
	for {
		select {
		case <-app.quitIngestHandler:
			return
		default:
			if err := app.processor.DrainOnce(); err != nil {
				app.logger.Errorf("mailbox drain failed: %+v", err)
			}
			time.Sleep(time.Duration(app.config.PollInterval) * time.Second)
		}
	}
}

// newRouter creates and configures the HTTP router with all API endpoints.
func newRouter(app *App) *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/", app.hHello).Methods("GET")
	router.HandleFunc("/api/payloads", app.hPayloadsNoReference).Methods("GET")
	router.HandleFunc("/api/payloads/{referenceId}", app.hPayloads).Methods("GET")
	router.HandleFunc("/internal/health/liveness", app.hLiveness).Methods("GET")
	router.HandleFunc("/internal/health/readiness", app.hReadiness).Methods("GET")
	return router
}

// returnJSON writes a JSON response to the HTTP response writer.
func returnJSON(w http.ResponseWriter, val any) {
	js, err := json.Marshal(val)
	if err != nil {
		http.Error(w, jsonParseErrorMessage, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, err = w.Write(js)
	if err != nil {
		http.Error(w, jsonParseErrorMessage, http.StatusInternalServerError)
		return
	}
}

// returnErr writes an error response to the HTTP response writer.
func returnErr(app *App, w http.ResponseWriter, apperr *AppError) {
	app.logger.Errorf("error code: %d error: %s %+v", apperr.Code, apperr.Error(), apperr.Internal)

	res := ErrorResponse{
		Errors: []Error{{
			Message: apperr.Error(),
		}},
	}
	bodybytes, err := json.Marshal(res)
	if err != nil {
		app.logger.Errorf("%+v", errors.WithStack(err))
		http.Error(w, jsonParseErrorMessage, http.StatusInternalServerError)
		return
	}
	http.Error(w, string(bodybytes), apperr.Code)
}

var bearerRegexp = regexp.MustCompile(`Bearer *(.*)`)

func (app *App) checkApikey(r *http.Request) *AppError {
	auth := r.Header["Authorization"]
	if len(auth) == 0 {
		return AppErr(403, "no api key given")
	}

	key := bearerRegexp.ReplaceAllString(auth[0], "$1")
	if slices.Contains(app.config.AppIDs, key) {
		return nil
	}

	return AppErr(403, "unrecognized api key")
}

func (app *App) hHello(w http.ResponseWriter, r *http.Request) {
	returnJSON(w, map[string]string{"version": "1"})
}

func (app *App) hLiveness(w http.ResponseWriter, r *http.Request) {
	fmt.Fprint(w, livenessMessage)
}

func (app *App) hReadiness(w http.ResponseWriter, r *http.Request) {
	fmt.Fprint(w, readinessMessage)
}

func (app *App) hPayloadsNoReference(w http.ResponseWriter, r *http.Request) {
	apperr := app.checkApikey(r)
	if apperr != nil {
		returnErr(app, w, apperr)
		return
	}
	http.Error(w, "Reference id missing", http.StatusBadRequest)
}

// hPayloads serves the attachments stored for one reference id. Error
// bodies are plain text so callers can surface them directly.
func (app *App) hPayloads(w http.ResponseWriter, r *http.Request) {
	apperr := app.checkApikey(r)
	if apperr != nil {
		returnErr(app, w, apperr)
		return
	}

	reference := mux.Vars(r)["referenceId"]
	if strings.TrimSpace(reference) == "" {
		http.Error(w, "Empty reference id", http.StatusBadRequest)
		return
	}

	referenceID, err := uuid.Parse(reference)
	if err != nil {
		ierr := &InvalidReferenceID{ReferenceID: reference}
		app.logger.Warnw("rejecting payload request",
			"referenceId", reference,
			"error", err)
		http.Error(w, ierr.Error(), http.StatusBadRequest)
		return
	}

	app.logger.Infow("got payloads request", "referenceId", referenceID)

	payloads, err := app.store.Retrieve(referenceID)
	if err != nil {
		var notFound *PayloadNotFound
		if errors.As(err, &notFound) {
			http.Error(w, notFound.Error(), http.StatusNotFound)
			return
		}
		returnErr(app, w, WrapErr(500, err))
		return
	}

	returnJSON(w, payloads)
}
