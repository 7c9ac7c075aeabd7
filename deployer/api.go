package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/animus-labs/wardeploy/internal/deploy"
	"github.com/animus-labs/wardeploy/internal/deploylog"
	"github.com/animus-labs/wardeploy/internal/platform/httpserver"
	"github.com/animus-labs/wardeploy/internal/sshhost"
)

const (
	msgRunning         = "Service is up and running."
	msgInternal        = "Internal Server Error"
	msgHostMissing     = "[host] is needed (IP Address of server)."
	msgPasswordMissing = "[password] is needed of root user."
	msgHostInvalid     = "[host] should be an IP address or hostname."
	msgMalformedBody   = "Request body must be a JSON object."
	msgUnauthorized    = "You are not authorized. Please check your credentials."
	msgLogsInternal    = "Internal Server Error."
	msgHostUpdated     = "Host Updated Successfully"

	logDateLayout = "Monday, 02 January 2006 03:04 PM"
	maxBodyBytes  = 1 << 20
)

type deployer interface {
	Deploy(ctx context.Context, req deploy.Request) (deploy.Result, error)
}

type logLister interface {
	ListByHost(ctx context.Context, host string, limit int) ([]deploylog.Record, error)
}

type linkResolver interface {
	ResolveLink(ctx context.Context, key string) (string, error)
}

type hostAccess interface {
	VerifyRoot(ctx context.Context, host, password string) error
	RefreshHostKey(ctx context.Context, host string) error
}

type deployAPI struct {
	logger   *slog.Logger
	deployer deployer
	logs     logLister
	links    linkResolver
	hosts    hostAccess
}

func newDeployAPI(logger *slog.Logger, d deployer, logs logLister, links linkResolver, hosts hostAccess) *deployAPI {
	return &deployAPI{
		logger:   logger,
		deployer: d,
		logs:     logs,
		links:    links,
		hosts:    hosts,
	}
}

func (api *deployAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", api.handleIndex)
	mux.HandleFunc("POST /deploy", api.handleDeploy)
	mux.HandleFunc("POST /logs", api.handleLogs)
	mux.HandleFunc("POST /update-hosts", api.handleUpdateHosts)
}

type deployRequest struct {
	Host     string `json:"host"`
	Password string `json:"password"`
	War      string `json:"war"`
}

type logsRequest struct {
	Host     string `json:"host"`
	Password string `json:"password"`
}

type updateHostsRequest struct {
	Host string `json:"host"`
}

type logEntry struct {
	DateTime string `json:"Date-Time"`
	LogFile  string `json:"Log File"`
}

func (api *deployAPI) handleIndex(w http.ResponseWriter, r *http.Request) {
	httpserver.WriteText(w, http.StatusOK, msgRunning)
}

func (api *deployAPI) handleDeploy(w http.ResponseWriter, r *http.Request) {
	var req deployRequest
	if err := decodeJSON(w, r, &req); err != nil {
		httpserver.WriteText(w, http.StatusBadRequest, msgMalformedBody)
		return
	}

	res, err := api.deployer.Deploy(r.Context(), deploy.Request{
		Host:     strings.TrimSpace(req.Host),
		Password: req.Password,
		WarURL:   strings.TrimSpace(req.War),
	})
	var verr *deploy.ValidationError
	switch {
	case errors.As(err, &verr):
		httpserver.WriteText(w, http.StatusBadRequest, verr.Message)
	case err != nil:
		api.logger.Error("deploy failed", "request_id", requestID(r), "execution_id", res.ExecutionID, "error", err)
		httpserver.WriteText(w, http.StatusInternalServerError, msgInternal)
	default:
		// Classified failures are reported with 200; the message carries the outcome.
		httpserver.WriteText(w, http.StatusOK, res.Status.Message)
	}
}

func (api *deployAPI) handleLogs(w http.ResponseWriter, r *http.Request) {
	var req logsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		httpserver.WriteText(w, http.StatusBadRequest, msgMalformedBody)
		return
	}
	host := strings.TrimSpace(req.Host)
	switch {
	case host == "":
		httpserver.WriteText(w, http.StatusBadRequest, msgHostMissing)
		return
	case strings.TrimSpace(req.Password) == "":
		httpserver.WriteText(w, http.StatusBadRequest, msgPasswordMissing)
		return
	case !deploy.ValidHost(host):
		httpserver.WriteText(w, http.StatusBadRequest, msgHostInvalid)
		return
	}

	if err := api.hosts.VerifyRoot(r.Context(), host, req.Password); err != nil {
		if errors.Is(err, sshhost.ErrUnauthorized) {
			httpserver.WriteText(w, http.StatusBadRequest, msgUnauthorized)
			return
		}
		api.logger.Error("verify root credentials", "request_id", requestID(r), "host", host, "error", err)
		httpserver.WriteText(w, http.StatusInternalServerError, msgLogsInternal)
		return
	}

	records, err := api.logs.ListByHost(r.Context(), host, 0)
	if err != nil {
		api.logger.Error("list deploy logs", "request_id", requestID(r), "host", host, "error", err)
		httpserver.WriteText(w, http.StatusInternalServerError, msgLogsInternal)
		return
	}

	out := make([]logEntry, 0, len(records))
	for _, rec := range records {
		entry := logEntry{DateTime: rec.Timestamp.UTC().Format(logDateLayout)}
		if rec.LogReference != "" {
			link, err := api.links.ResolveLink(r.Context(), rec.LogReference)
			if err != nil {
				api.logger.Warn("resolve log link", "request_id", requestID(r), "record_id", rec.ID, "error", err)
			}
			entry.LogFile = link
		}
		out = append(out, entry)
	}
	httpserver.WriteJSON(w, http.StatusOK, out)
}

func (api *deployAPI) handleUpdateHosts(w http.ResponseWriter, r *http.Request) {
	var req updateHostsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		httpserver.WriteText(w, http.StatusBadRequest, msgMalformedBody)
		return
	}
	host := strings.TrimSpace(req.Host)
	if host == "" {
		httpserver.WriteText(w, http.StatusBadRequest, msgHostMissing)
		return
	}
	if !deploy.ValidHost(host) {
		httpserver.WriteText(w, http.StatusBadRequest, msgHostInvalid)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	if err := api.hosts.RefreshHostKey(ctx, host); err != nil {
		api.logger.Error("refresh host key", "request_id", requestID(r), "host", host, "error", err)
		httpserver.WriteText(w, http.StatusInternalServerError, msgInternal)
		return
	}
	httpserver.WriteText(w, http.StatusOK, msgHostUpdated)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("multiple JSON values")
	}
	return nil
}

func requestID(r *http.Request) string {
	id, _ := httpserver.RequestIDFromContext(r.Context())
	return id
}
