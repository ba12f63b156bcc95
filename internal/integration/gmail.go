package integration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/valter-silva-au/digital-fte/internal/core"
	"github.com/valter-silva-au/digital-fte/internal/storage"
	"github.com/valter-silva-au/digital-fte/pkg/models"
)

const (
	// DefaultGmailEndpoint is the Gmail REST API base URL.
	DefaultGmailEndpoint = "https://gmail.googleapis.com/gmail/v1"
	// DefaultGmailQuery selects unread mail Gmail flagged as important.
	DefaultGmailQuery = "is:unread is:important"

	gmailReadonlyScope = "https://www.googleapis.com/auth/gmail.readonly"
	googleAuthURL      = "https://accounts.google.com/o/oauth2/auth"
	googleTokenURL     = "https://oauth2.googleapis.com/token"
)

// clientSecrets is the credentials.json downloaded from the Google Cloud
// console. Desktop apps use "installed", web apps "web".
type clientSecrets struct {
	Installed *clientSecret `json:"installed"`
	Web       *clientSecret `json:"web"`
}

type clientSecret struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	AuthURI      string `json:"auth_uri"`
	TokenURI     string `json:"token_uri"`
}

// storedToken accepts both the oauth2.Token JSON layout and the layout the
// Google Python client writes ("token" instead of "access_token").
type storedToken struct {
	AccessToken  string    `json:"access_token,omitempty"`
	Token        string    `json:"token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
}

func (t storedToken) oauth2() *oauth2.Token {
	access := t.AccessToken
	if access == "" {
		access = t.Token
	}
	return &oauth2.Token{AccessToken: access, TokenType: t.TokenType, RefreshToken: t.RefreshToken, Expiry: t.Expiry}
}

// GmailSource polls the Gmail API for messages matching a query. It uses a
// token obtained out of band; there is no interactive consent flow.
type GmailSource struct {
	cfg        models.GmailConfig
	httpClient *http.Client
	log        zerolog.Logger

	mu     sync.Mutex
	client *http.Client
	ts     oauth2.TokenSource
	last   *oauth2.Token
}

// GmailOption configures a GmailSource.
type GmailOption func(*GmailSource)

// WithGmailHTTPClient sets the base HTTP client used for API and token
// requests.
func WithGmailHTTPClient(c *http.Client) GmailOption {
	return func(s *GmailSource) { s.httpClient = c }
}

// NewGmailSource creates a Gmail source. Credentials are loaded on the first
// Fetch so a missing file stops only this watcher.
func NewGmailSource(cfg models.GmailConfig, logger zerolog.Logger, opts ...GmailOption) *GmailSource {
	if cfg.Query == "" {
		cfg.Query = DefaultGmailQuery
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 10
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultGmailEndpoint
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	s := &GmailSource{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        logger.With().Str("cmp", "gmail").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *GmailSource) Name() string { return "gmail" }

// authenticate builds the authorized client once.
func (s *GmailSource) authenticate() (*http.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return s.client, nil
	}

	raw, err := os.ReadFile(s.cfg.CredentialsPath)
	if err != nil {
		return nil, fmt.Errorf("%w: reading gmail credentials %s: %v", core.ErrFatal, s.cfg.CredentialsPath, err)
	}
	var secrets clientSecrets
	if err := json.Unmarshal(raw, &secrets); err != nil {
		return nil, fmt.Errorf("%w: parsing gmail credentials: %v", core.ErrFatal, err)
	}
	secret := secrets.Installed
	if secret == nil {
		secret = secrets.Web
	}
	if secret == nil || secret.ClientID == "" {
		return nil, fmt.Errorf("%w: gmail credentials have no client id", core.ErrFatal)
	}
	endpoint := oauth2.Endpoint{AuthURL: secret.AuthURI, TokenURL: secret.TokenURI}
	if endpoint.AuthURL == "" {
		endpoint.AuthURL = googleAuthURL
	}
	if endpoint.TokenURL == "" {
		endpoint.TokenURL = googleTokenURL
	}
	conf := &oauth2.Config{
		ClientID:     secret.ClientID,
		ClientSecret: secret.ClientSecret,
		Endpoint:     endpoint,
		Scopes:       []string{gmailReadonlyScope},
	}

	raw, err = os.ReadFile(s.cfg.TokenPath)
	if err != nil {
		return nil, fmt.Errorf("%w: reading gmail token %s (authorize once and store the token there): %v", core.ErrFatal, s.cfg.TokenPath, err)
	}
	var stored storedToken
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, fmt.Errorf("%w: parsing gmail token: %v", core.ErrFatal, err)
	}
	tok := stored.oauth2()
	if tok.AccessToken == "" && tok.RefreshToken == "" {
		return nil, fmt.Errorf("%w: gmail token has neither access nor refresh token", core.ErrFatal)
	}

	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, s.httpClient)
	s.ts = conf.TokenSource(ctx, tok)
	s.last = tok
	s.client = oauth2.NewClient(ctx, s.ts)
	return s.client, nil
}

// persistToken writes the token back when a refresh produced a new one.
func (s *GmailSource) persistToken() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ts == nil {
		return
	}
	tok, err := s.ts.Token()
	if err != nil || s.last == nil || tok.AccessToken == s.last.AccessToken {
		return
	}
	data, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return
	}
	if err := storage.WriteFileAtomic(s.cfg.TokenPath, data, 0o600); err != nil {
		s.log.Warn().Err(err).Msg("saving refreshed token")
		return
	}
	s.last = tok
}

type gmailList struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

type gmailMessage struct {
	ID       string   `json:"id"`
	ThreadID string   `json:"threadId"`
	Snippet  string   `json:"snippet"`
	LabelIDs []string `json:"labelIds"`
	Payload  struct {
		Headers []struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		} `json:"headers"`
	} `json:"payload"`
}

// Fetch lists matching messages and loads their headers and snippet.
func (s *GmailSource) Fetch(ctx context.Context) ([]core.SourceEvent, error) {
	client, err := s.authenticate()
	if err != nil {
		return nil, err
	}
	defer s.persistToken()

	q := url.Values{}
	q.Set("q", s.cfg.Query)
	q.Set("maxResults", fmt.Sprint(s.cfg.MaxResults))
	var list gmailList
	if err := s.get(ctx, client, "/users/me/messages?"+q.Encode(), &list); err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}

	events := make([]core.SourceEvent, 0, len(list.Messages))
	for _, m := range list.Messages {
		if m.ID == "" {
			continue
		}
		mq := url.Values{}
		mq.Set("format", "metadata")
		for _, h := range []string{"From", "To", "Subject", "Date"} {
			mq.Add("metadataHeaders", h)
		}
		var msg gmailMessage
		if err := s.get(ctx, client, "/users/me/messages/"+url.PathEscape(m.ID)+"?"+mq.Encode(), &msg); err != nil {
			return events, fmt.Errorf("getting message %s: %w", m.ID, err)
		}

		data := map[string]string{"message_id": msg.ID, "thread_id": msg.ThreadID}
		for _, h := range msg.Payload.Headers {
			data[strings.ToLower(h.Name)] = h.Value
		}
		events = append(events, core.SourceEvent{
			ID:   storage.SanitizeID("email-" + msg.ID),
			Ref:  msg.ID,
			Data: data,
			Body: msg.Snippet,
		})
	}
	return events, nil
}

// get performs an authorized GET and decodes JSON into out. Auth failures
// are fatal; server errors and throttling are transient.
func (s *GmailSource) get(ctx context.Context, client *http.Client, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.Endpoint+path, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) {
			return fmt.Errorf("%w: refreshing gmail token: %v", core.ErrFatal, err)
		}
		return fmt.Errorf("%w: %v", core.ErrTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: gmail returned %s", core.ErrFatal, resp.Status)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("%w: gmail returned %s", core.ErrTransient, resp.Status)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("gmail returned %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decoding gmail response: %v", core.ErrTransient, err)
	}
	return nil
}

// Materialize builds an Email item from a message.
func (s *GmailSource) Materialize(ev core.SourceEvent) (*models.Item, error) {
	if ev.Data["message_id"] == "" {
		return nil, fmt.Errorf("%w: message without id", core.ErrMalformed)
	}
	from := orDefault(ev.Data["from"], "Unknown")
	subject := orDefault(ev.Data["subject"], "No Subject")

	item := models.NewItem(ev.ID)
	item.Category = "Email"
	item.Set(models.MetaType, "email")
	item.Set("from", from)
	item.Set("to", ev.Data["to"])
	item.Set("subject", subject)
	item.Set("original_date", ev.Data["date"])
	item.Set("message_id", ev.Data["message_id"])
	item.Set("thread_id", ev.Data["thread_id"])
	item.Set(models.MetaRecipient, from)
	item.Set(models.MetaPriority, string(core.ClassifyPriority(subject, ev.Body)))

	var b strings.Builder
	fmt.Fprintf(&b, "# Email: %s\n\n", subject)
	fmt.Fprintf(&b, "## Sender\n\n**From:** %s\n\n", from)
	if d := ev.Data["date"]; d != "" {
		fmt.Fprintf(&b, "## Received\n\n%s\n\n", d)
	}
	fmt.Fprintf(&b, "## Priority\n\n%s\n\n", strings.ToUpper(item.Get(models.MetaPriority)))
	fmt.Fprintf(&b, "## Content\n\n%s\n\n", ev.Body)
	b.WriteString("## Suggested Actions\n\n")
	b.WriteString("- [ ] Read full email and understand request\n")
	b.WriteString("- [ ] Draft reply (requires approval before sending)\n")
	b.WriteString("- [ ] Forward to relevant party (if needed)\n")
	b.WriteString("- [ ] Archive after processing\n")
	item.Body = b.String()
	return item, nil
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
