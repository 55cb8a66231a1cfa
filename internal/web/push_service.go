package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/tchow-twistedxcom/opencode-bridge/internal/completion"
	"github.com/tchow-twistedxcom/opencode-bridge/internal/logging"
)

// ErrNoSubscriptions is returned by PushNotifier.Notify when no browser is
// subscribed.
var ErrNoSubscriptions = errors.New("no push subscriptions")

const pushBodyWidth = 180

var pushLog = logging.ForComponent(logging.CompPush)

type pushSubscription struct {
	Endpoint       string               `json:"endpoint"`
	ExpirationTime any                  `json:"expirationTime,omitempty"`
	Keys           pushSubscriptionKeys `json:"keys"`
	ClientFocused  *bool                `json:"clientFocused,omitempty"`
	FocusUpdatedAt time.Time            `json:"focusUpdatedAt,omitempty"`
}

type pushSubscriptionKeys struct {
	P256DH string `json:"p256dh"`
	Auth   string `json:"auth"`
}

func (s pushSubscription) normalize() pushSubscription {
	s.Endpoint = strings.TrimSpace(s.Endpoint)
	s.Keys.P256DH = strings.TrimSpace(s.Keys.P256DH)
	s.Keys.Auth = strings.TrimSpace(s.Keys.Auth)
	return s
}

func (s pushSubscription) validate() error {
	sub := s.normalize()
	if sub.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	if u, err := url.Parse(sub.Endpoint); err != nil || u.Scheme != "https" || u.Host == "" {
		return fmt.Errorf("endpoint must be an https url")
	}
	if sub.Keys.P256DH == "" {
		return fmt.Errorf("keys.p256dh is required")
	}
	if sub.Keys.Auth == "" {
		return fmt.Errorf("keys.auth is required")
	}
	return nil
}

// focused reports whether the subscribing page said it is in the
// foreground, in which case the live stream already shows the notification.
func (s pushSubscription) focused() bool {
	return s.ClientFocused != nil && *s.ClientFocused
}

type pushSubscriptionFile struct {
	UpdatedAt     time.Time          `json:"updatedAt"`
	Subscriptions []pushSubscription `json:"subscriptions"`
}

type pushSubscriptionStore interface {
	List(ctx context.Context) ([]pushSubscription, error)
	Upsert(ctx context.Context, sub pushSubscription) error
	UpdateFocusByEndpoint(ctx context.Context, endpoint string, focused bool) error
	RemoveByEndpoint(ctx context.Context, endpoint string) error
	Count(ctx context.Context) (int, error)
}

// pushSubscriptionFileStore keeps subscriptions in one JSON file, rewritten
// atomically on every change.
type pushSubscriptionFileStore struct {
	path string
	mu   sync.Mutex
}

func newPushSubscriptionFileStore(path string) *pushSubscriptionFileStore {
	return &pushSubscriptionFileStore{path: path}
}

func (s *pushSubscriptionFileStore) List(_ context.Context) ([]pushSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.readLocked()
	if err != nil {
		return nil, err
	}
	out := make([]pushSubscription, len(data.Subscriptions))
	copy(out, data.Subscriptions)
	return out, nil
}

func (s *pushSubscriptionFileStore) Count(ctx context.Context) (int, error) {
	subs, err := s.List(ctx)
	if err != nil {
		return 0, err
	}
	return len(subs), nil
}

func (s *pushSubscriptionFileStore) Upsert(_ context.Context, sub pushSubscription) error {
	sub = sub.normalize()
	if err := sub.validate(); err != nil {
		return err
	}
	if sub.ClientFocused != nil && sub.FocusUpdatedAt.IsZero() {
		sub.FocusUpdatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.readLocked()
	if err != nil {
		return err
	}

	updated := false
	for i := range data.Subscriptions {
		if data.Subscriptions[i].Endpoint != sub.Endpoint {
			continue
		}
		// Keep the last known focus state unless the caller sends one.
		if sub.ClientFocused == nil && data.Subscriptions[i].ClientFocused != nil {
			sub.ClientFocused = data.Subscriptions[i].ClientFocused
			sub.FocusUpdatedAt = data.Subscriptions[i].FocusUpdatedAt
		}
		data.Subscriptions[i] = sub
		updated = true
		break
	}
	if !updated {
		data.Subscriptions = append(data.Subscriptions, sub)
	}
	data.UpdatedAt = time.Now().UTC()

	return s.writeLocked(data)
}

func (s *pushSubscriptionFileStore) UpdateFocusByEndpoint(_ context.Context, endpoint string, focused bool) error {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.readLocked()
	if err != nil {
		return err
	}

	found := false
	for i := range data.Subscriptions {
		if data.Subscriptions[i].Endpoint != endpoint {
			continue
		}
		focusedCopy := focused
		data.Subscriptions[i].ClientFocused = &focusedCopy
		data.Subscriptions[i].FocusUpdatedAt = time.Now().UTC()
		found = true
		break
	}
	if !found {
		return nil
	}

	data.UpdatedAt = time.Now().UTC()
	return s.writeLocked(data)
}

func (s *pushSubscriptionFileStore) RemoveByEndpoint(_ context.Context, endpoint string) error {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.readLocked()
	if err != nil {
		return err
	}

	filtered := make([]pushSubscription, 0, len(data.Subscriptions))
	for _, sub := range data.Subscriptions {
		if sub.Endpoint != endpoint {
			filtered = append(filtered, sub)
		}
	}
	if len(filtered) == len(data.Subscriptions) {
		return nil
	}

	data.Subscriptions = filtered
	data.UpdatedAt = time.Now().UTC()
	return s.writeLocked(data)
}

func (s *pushSubscriptionFileStore) readLocked() (*pushSubscriptionFile, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &pushSubscriptionFile{Subscriptions: []pushSubscription{}}, nil
		}
		return nil, fmt.Errorf("read push subscriptions: %w", err)
	}

	var data pushSubscriptionFile
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("parse push subscriptions: %w", err)
	}
	if data.Subscriptions == nil {
		data.Subscriptions = []pushSubscription{}
	}
	return &data, nil
}

func (s *pushSubscriptionFileStore) writeLocked(data *pushSubscriptionFile) error {
	if data.Subscriptions == nil {
		data.Subscriptions = []pushSubscription{}
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("mkdir push subscription dir: %w", err)
	}

	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal push subscriptions: %w", err)
	}
	return writeFileAtomic(s.path, raw)
}

func writeFileAtomic(path string, raw []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write temp %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}

type webPushSender interface {
	Send(ctx context.Context, payload []byte, sub pushSubscription) (int, error)
}

type vapidPushSender struct {
	subject    string
	publicKey  string
	privateKey string
	client     *http.Client
}

func (s *vapidPushSender) Send(ctx context.Context, payload []byte, sub pushSubscription) (int, error) {
	sub = sub.normalize()
	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.Keys.P256DH,
			Auth:   sub.Keys.Auth,
		},
	}, &webpush.Options{
		HTTPClient:      s.client,
		Subscriber:      s.subject,
		VAPIDPublicKey:  s.publicKey,
		VAPIDPrivateKey: s.privateKey,
		TTL:             3600,
		Urgency:         webpush.UrgencyNormal,
	})
	status := 0
	if resp != nil {
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		status = resp.StatusCode
	}

	if err != nil {
		return status, err
	}
	if status >= 400 {
		return status, fmt.Errorf("push gateway status %d", status)
	}
	return status, nil
}

type pushMessage struct {
	Title     string `json:"title"`
	Body      string `json:"body"`
	Tag       string `json:"tag,omitempty"`
	Renotify  bool   `json:"renotify,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Project   string `json:"project,omitempty"`
	Path      string `json:"path,omitempty"`
	Timestamp string `json:"timestamp"`
}

// pushServiceAPI is what the push handlers need.
type pushServiceAPI interface {
	Enabled() bool
	PublicKey() string
	Subject() string
	SubscriptionCount(ctx context.Context) (int, error)
	UpsertSubscription(ctx context.Context, sub pushSubscription) error
	UpdateSubscriptionFocus(ctx context.Context, endpoint string, focused bool) error
	RemoveSubscriptionByEndpoint(ctx context.Context, endpoint string) error
}

type PushConfig struct {
	PublicKey         string
	PrivateKey        string
	Subject           string
	SubscriptionsFile string
	// Token is appended to notification click paths when the web API is
	// token protected.
	Token string
}

// PushNotifier delivers completions to stored Web Push subscriptions. It
// implements completion.Notifier.
type PushNotifier struct {
	publicKey string
	subject   string
	token     string

	store  pushSubscriptionStore
	sender webPushSender
}

var (
	_ completion.Notifier = (*PushNotifier)(nil)
	_ pushServiceAPI      = (*PushNotifier)(nil)
)

func NewPushNotifier(cfg PushConfig) (*PushNotifier, error) {
	publicKey := strings.TrimSpace(cfg.PublicKey)
	privateKey := strings.TrimSpace(cfg.PrivateKey)
	if publicKey == "" || privateKey == "" {
		return nil, fmt.Errorf("both push vapid public and private keys are required")
	}
	if strings.TrimSpace(cfg.SubscriptionsFile) == "" {
		return nil, fmt.Errorf("push subscriptions file is required")
	}
	subject := strings.TrimSpace(cfg.Subject)
	if subject == "" {
		subject = "mailto:opencode-bridge@localhost"
	}

	return &PushNotifier{
		publicKey: publicKey,
		subject:   subject,
		token:     strings.TrimSpace(cfg.Token),
		store:     newPushSubscriptionFileStore(cfg.SubscriptionsFile),
		sender: &vapidPushSender{
			subject:    subject,
			publicKey:  publicKey,
			privateKey: privateKey,
			client:     &http.Client{Timeout: 15 * time.Second},
		},
	}, nil
}

func (p *PushNotifier) Enabled() bool {
	return p != nil && p.store != nil
}

func (p *PushNotifier) PublicKey() string {
	return p.publicKey
}

func (p *PushNotifier) Subject() string {
	return p.subject
}

func (p *PushNotifier) SubscriptionCount(ctx context.Context) (int, error) {
	return p.store.Count(ctx)
}

func (p *PushNotifier) UpsertSubscription(ctx context.Context, sub pushSubscription) error {
	return p.store.Upsert(ctx, sub)
}

func (p *PushNotifier) RemoveSubscriptionByEndpoint(ctx context.Context, endpoint string) error {
	return p.store.RemoveByEndpoint(ctx, endpoint)
}

func (p *PushNotifier) UpdateSubscriptionFocus(ctx context.Context, endpoint string, focused bool) error {
	return p.store.UpdateFocusByEndpoint(ctx, endpoint, focused)
}

// Notify sends n to every unfocused subscription. Subscriptions the gateway
// reports gone are dropped. It fails only when nothing was delivered.
func (p *PushNotifier) Notify(ctx context.Context, n completion.Notification) error {
	subs, err := p.store.List(ctx)
	if err != nil {
		return fmt.Errorf("list push subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return ErrNoSubscriptions
	}

	payload, err := json.Marshal(p.message(n))
	if err != nil {
		return fmt.Errorf("marshal push payload: %w", err)
	}

	delivered, skipped := 0, 0
	var errs []error
	for _, sub := range subs {
		if sub.focused() {
			skipped++
			pushLog.Debug("push_skipped",
				slog.String("endpoint", endpointForLog(sub.Endpoint)),
				slog.String("session_id", n.SessionID),
				slog.String("reason", "focused"))
			continue
		}
		status, err := p.sender.Send(ctx, payload, sub)
		if err == nil {
			delivered++
			pushLog.Debug("push_sent",
				slog.String("endpoint", endpointForLog(sub.Endpoint)),
				slog.Int("http_status", status),
				slog.String("session_id", n.SessionID))
			continue
		}

		pushLog.Warn("push_send_failed",
			slog.String("endpoint", endpointForLog(sub.Endpoint)),
			slog.Int("http_status", status),
			slog.String("session_id", n.SessionID),
			slog.String("error", err.Error()))
		if status == http.StatusGone || status == http.StatusNotFound {
			_ = p.store.RemoveByEndpoint(ctx, sub.Endpoint)
			pushLog.Info("push_subscription_removed", slog.String("endpoint", endpointForLog(sub.Endpoint)))
		}
		errs = append(errs, fmt.Errorf("%s: %w", endpointForLog(sub.Endpoint), err))
	}

	switch {
	case delivered > 0:
		return nil
	case len(errs) > 0:
		return errors.Join(errs...)
	default:
		// Every subscriber is looking at the page already.
		pushLog.Debug("push_all_focused", slog.Int("skipped", skipped))
		return nil
	}
}

func (p *PushNotifier) message(n completion.Notification) pushMessage {
	title := strings.TrimSpace(n.Summary.Title)
	if title == "" {
		title = strings.TrimSpace(n.Title)
	}
	if title == "" {
		title = n.SessionID
	}
	body := notificationBody(n.Summary, pushBodyWidth)
	at := n.At
	if at.IsZero() {
		at = time.Now()
	}
	return pushMessage{
		Title:     "✅ " + title,
		Body:      body,
		Tag:       "opencode-" + n.SessionID,
		Renotify:  true,
		SessionID: n.SessionID,
		Project:   n.Summary.ProjectName,
		Path:      p.routePath("/api/session/" + url.PathEscape(n.SessionID) + "/status"),
		Timestamp: at.UTC().Format(time.RFC3339),
	}
}

func (p *PushNotifier) routePath(basePath string) string {
	if p.token == "" {
		return basePath
	}
	u := &url.URL{Path: basePath}
	query := u.Query()
	query.Set("token", p.token)
	u.RawQuery = query.Encode()
	return u.String()
}

func endpointForLog(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err == nil && u.Host != "" {
		return u.Host
	}
	endpoint = strings.TrimSpace(endpoint)
	if len(endpoint) <= 48 {
		return endpoint
	}
	return endpoint[:48] + "..."
}
