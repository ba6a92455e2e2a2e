package apiserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/acorn-io/acorn-ddns/pkg/metrics"
	"github.com/acorn-io/acorn-ddns/pkg/model"
	"github.com/acorn-io/acorn-ddns/pkg/propagation"
	"github.com/acorn-io/acorn-ddns/pkg/updater"
	"github.com/acorn-io/acorn-ddns/pkg/version"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

const (
	maxFormBytes        = 4 << 10
	defaultHistoryLimit = 50

	endpointNative = "native"
	endpointText   = "text"
	endpointLegacy = "legacy"
)

// Legacy text protocol return codes.
const (
	textGood    = "good"
	textNoChg   = "nochg"
	textBadAuth = "badauth"
	textNotFQDN = "notfqdn"
	textNoHost  = "nohost"
	textBadIP   = "badip"
	textAbuse   = "abuse"
	text911     = "911"
)

var errInternal = errors.New("internal server error")

type handler struct {
	updates *updater.Service
	streams *propagation.Service
	log     *logrus.Entry
}

func newHandler(updates *updater.Service, streams *propagation.Service, log *logrus.Entry) *handler {
	return &handler{
		updates: updates,
		streams: streams,
		log:     log,
	}
}

func (h *handler) root(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(version.Get()); err != nil {
		h.log.WithError(err).Debug("writing version")
	}
}

// updateJSON is the native token endpoint.
func (h *handler) updateJSON(w http.ResponseWriter, r *http.Request) {
	req, err := tokenRequest(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Token == "" {
		h.count(endpointNative, "unauthorized")
		writeText(w, http.StatusUnauthorized, textBadAuth)
		return
	}

	res, err := h.updates.Update(r.Context(), req)
	switch {
	case err == nil:
		h.count(endpointNative, res.Status.String())
		writeSuccess(w, model.UpdateResponse{
			IPv4: model.StringPtr(res.IPv4),
			IPv6: model.StringPtr(res.IPv6),
		})
	case errors.Is(err, model.ErrUnauthorized), errors.Is(err, model.ErrNotFound):
		h.count(endpointNative, "unauthorized")
		writeText(w, http.StatusUnauthorized, textBadAuth)
	case errors.Is(err, model.ErrInvalidInput):
		h.count(endpointNative, "invalid")
		writeError(w, http.StatusBadRequest, err)
	default:
		h.count(endpointNative, "error")
		h.log.WithError(err).Error("processing update")
		writeError(w, http.StatusInternalServerError, errInternal)
	}
}

// updateText is the token endpoint for clients that only understand the
// plain-text protocol.
func (h *handler) updateText(w http.ResponseWriter, r *http.Request) {
	req, err := tokenRequest(w, r)
	if err != nil {
		writeText(w, http.StatusBadRequest, textBadIP)
		return
	}
	if req.Token == "" {
		h.count(endpointText, "unauthorized")
		writeText(w, http.StatusUnauthorized, textBadAuth)
		return
	}
	res, err := h.updates.Update(r.Context(), req)
	h.writeLegacy(w, endpointText, res, err)
}

// updateLegacy is the dyndns2-compatible endpoint authenticated with HTTP
// Basic credentials.
func (h *handler) updateLegacy(w http.ResponseWriter, r *http.Request) {
	username, password, ok := r.BasicAuth()
	if !ok || username == "" || password == "" {
		h.count(endpointLegacy, "unauthorized")
		w.Header().Set("WWW-Authenticate", `Basic realm="ddns"`)
		writeText(w, http.StatusUnauthorized, textBadAuth)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil {
		writeText(w, http.StatusBadRequest, textNotFQDN)
		return
	}

	ipv4, ipv6 := splitMyIP(r.Form.Get("myip"))
	if v := firstNonEmpty(r.Form, "myip6", "myipv6"); v != "" {
		ipv6 = v
	}
	req := updater.Request{
		Username: username,
		Password: password,
		Hostname: firstHostname(r.Form.Get("hostname")),
		CallerIP: realIP(r),
		IPv4:     ipv4,
		IPv6:     ipv6,
	}
	res, err := h.updates.Update(r.Context(), req)
	h.writeLegacy(w, endpointLegacy, res, err)
}

func (h *handler) writeLegacy(w http.ResponseWriter, endpoint string, res model.UpdateResult, err error) {
	switch {
	case err == nil:
		h.count(endpoint, res.Status.String())
		code := textGood
		if res.Status == model.StatusNoChange {
			code = textNoChg
		}
		writeText(w, http.StatusOK, strings.TrimSpace(code+" "+res.Primary()))
	case errors.Is(err, model.ErrUnauthorized):
		h.count(endpoint, "unauthorized")
		writeText(w, http.StatusUnauthorized, textBadAuth)
	case errors.Is(err, model.ErrInvalidHostname):
		h.count(endpoint, "invalid")
		writeText(w, http.StatusBadRequest, textNotFQDN)
	case errors.Is(err, model.ErrInvalidInput):
		h.count(endpoint, "invalid")
		writeText(w, http.StatusBadRequest, textBadIP)
	case errors.Is(err, model.ErrNotFound):
		h.count(endpoint, "notfound")
		writeText(w, http.StatusNotFound, textNoHost)
	default:
		h.count(endpoint, "error")
		h.log.WithError(err).Error("processing update")
		writeText(w, http.StatusInternalServerError, text911)
	}
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	host, err := h.updates.Authenticate(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		h.authError(w, err)
		return
	}
	writeSuccess(w, host.View(h.updates.FQDN(host.Subdomain)))
}

func (h *handler) history(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = n
	}

	host, entries, err := h.updates.History(r.Context(), r.URL.Query().Get("token"), limit)
	if err != nil {
		h.authError(w, err)
		return
	}

	resp := model.HistoryResponse{
		Subdomain: host.Subdomain,
		Entries:   make([]model.HistoryEntry, 0, len(entries)),
	}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, model.HistoryEntry{
			IPv4:      e.IPv4,
			IPv6:      e.IPv6,
			CallerIP:  e.CallerIP,
			CreatedAt: e.CreatedAt,
		})
	}
	writeSuccess(w, resp)
}

func (h *handler) stream(w http.ResponseWriter, r *http.Request) {
	owner := mux.Vars(r)["owner"]
	es, err := propagation.NewEventStream(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := h.streams.Stream(r.Context(), owner, es); err != nil {
		h.log.WithError(err).WithField("owner", owner).Debug("change stream ended")
	}
}

// rejectJSON and rejectText render a rate limited update call.
func (h *handler) rejectJSON(w http.ResponseWriter, r *http.Request) {
	h.count(endpointNative, "ratelimited")
	writeError(w, http.StatusTooManyRequests, errors.New("rate limit exceeded"))
}

func (h *handler) rejectText(w http.ResponseWriter, r *http.Request) {
	endpoint := endpointText
	if r.URL.Path != "/update" {
		endpoint = endpointLegacy
	}
	h.count(endpoint, "ratelimited")
	writeText(w, http.StatusTooManyRequests, textAbuse)
}

func (h *handler) authError(w http.ResponseWriter, err error) {
	if errors.Is(err, model.ErrUnauthorized) {
		writeError(w, http.StatusUnauthorized, errors.New(textBadAuth))
		return
	}
	h.log.WithError(err).Error("authenticating token")
	writeError(w, http.StatusInternalServerError, errInternal)
}

func (h *handler) count(endpoint, outcome string) {
	metrics.UpdatesTotal.WithLabelValues(endpoint, outcome).Inc()
}

// tokenRequest reads the token endpoint parameters from the query string or
// a form body.
func tokenRequest(w http.ResponseWriter, r *http.Request) (updater.Request, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil {
		return updater.Request{}, err
	}
	return updater.Request{
		Token:    strings.TrimSpace(r.Form.Get("token")),
		CallerIP: realIP(r),
		IPv4:     firstNonEmpty(r.Form, "myip", "ip"),
		IPv6:     firstNonEmpty(r.Form, "ip6", "myip6", "myipv6"),
	}, nil
}

// firstNonEmpty returns the first of the aliased parameters that is set.
func firstNonEmpty(form url.Values, keys ...string) string {
	for _, k := range keys {
		if v := form.Get(k); v != "" {
			return v
		}
	}
	return ""
}

// splitMyIP separates a dyndns2 myip value, which may list one address of
// each family separated by a comma.
func splitMyIP(v string) (ipv4, ipv6 string) {
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		switch {
		case part == "":
		case strings.Contains(part, ":"):
			if ipv6 == "" {
				ipv6 = part
			}
		default:
			if ipv4 == "" {
				ipv4 = part
			}
		}
	}
	return ipv4, ipv6
}

// firstHostname takes the first of a comma separated hostname list.
func firstHostname(v string) string {
	first, _, _ := strings.Cut(v, ",")
	return strings.TrimSpace(first)
}
