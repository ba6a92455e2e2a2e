package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/acorn-io/acorn-ddns/pkg/db"
	"github.com/acorn-io/acorn-ddns/pkg/metrics"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
)

const (
	EventIPUpdated = "ip.updated"

	SignatureHeader = "X-DDNS-Signature"
	EventHeader     = "X-DDNS-Event"
	DeliveryHeader  = "X-DDNS-Delivery"

	DefaultTimeout = 5 * time.Second
	lookupTimeout  = 5 * time.Second
)

// Envelope is the JSON body POSTed to every endpoint.
type Envelope struct {
	Event     string      `json:"event"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// EndpointStore lists an owner's active endpoints.
type EndpointStore interface {
	ListWebhooks(ctx context.Context, ownerID string) ([]db.Webhook, error)
}

// Dispatcher delivers events to owner endpoints, best-effort and without
// retries. Failures are logged and counted, never returned.
type Dispatcher struct {
	store  EndpointStore
	client *http.Client
	log    *logrus.Entry
	now    func() time.Time
}

func NewDispatcher(store EndpointStore, timeout time.Duration, log *logrus.Entry) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Dispatcher{
		store:  store,
		client: &http.Client{Timeout: timeout},
		log:    log,
		now:    time.Now,
	}
}

// Dispatch sends event to each of the owner's active endpoints subscribed to
// it. Deliveries run concurrently and Dispatch returns once all have finished.
// The caller's context is not used for delivery so a finished request does
// not cancel in-flight callbacks.
func (d *Dispatcher) Dispatch(ctx context.Context, ownerID, event string, data interface{}) {
	lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lookupTimeout)
	hooks, err := d.store.ListWebhooks(lookupCtx, ownerID)
	cancel()
	if err != nil {
		d.log.WithError(err).WithField("owner", ownerID).Error("listing webhooks")
		return
	}

	body, err := json.Marshal(Envelope{
		Event:     event,
		Timestamp: d.now().UTC(),
		Data:      data,
	})
	if err != nil {
		d.log.WithError(err).Error("marshalling webhook envelope")
		return
	}

	var wg sync.WaitGroup
	for _, hook := range hooks {
		if !slices.Contains(hook.EventList(), event) {
			continue
		}
		wg.Add(1)
		go func(hook db.Webhook) {
			defer wg.Done()
			err := d.deliver(hook, event, body)
			metrics.RecordWebhookDelivery(err == nil)
			if err != nil {
				d.log.WithError(err).WithFields(logrus.Fields{
					"owner":   ownerID,
					"webhook": hook.ID,
					"event":   event,
				}).Warn("webhook delivery failed")
			}
		}(hook)
	}
	wg.Wait()
}

func (d *Dispatcher) deliver(hook db.Webhook, event string, body []byte) error {
	req, err := http.NewRequest(http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventHeader, event)
	req.Header.Set(DeliveryHeader, uuid.NewString())
	req.Header.Set(SignatureHeader, Sign(body, hook.Secret))

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("endpoint returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// Sign computes the signature header value for body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature header value in constant time.
func Verify(body []byte, secret, signature string) bool {
	return hmac.Equal([]byte(Sign(body, secret)), []byte(signature))
}
