package iwara

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Guilhem-Bonnet/iwara-batch-downloader/internal/buildinfo"
	"github.com/Guilhem-Bonnet/iwara-batch-downloader/internal/domain"
)

var (
	ErrNotFound     = errors.New("iwara: not found")
	ErrUnauthorized = errors.New("iwara: unauthorized")
)

// HTTPError est une réponse HTTP inattendue (hors 401/403/404).
type HTTPError struct {
	Status int
	URL    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("iwara: http %d for %s", e.Status, e.URL)
}

// Client est le collaborateur réseau vers l'API. L'authentification et la
// signature X-Version passent par la chaîne de middlewares du transport.
type Client struct {
	apiBase string
	client  *http.Client

	refreshToken func(ctx context.Context) (string, error)

	mu          sync.RWMutex
	accessToken string
}

func NewClient(refreshToken func(ctx context.Context) (string, error)) *Client {
	c := &Client{
		apiBase:      "https://api.iwara.tv",
		refreshToken: refreshToken,
	}
	c.client = &http.Client{
		Timeout:   15 * time.Second,
		Transport: Chain(http.DefaultTransport, UserAgent(buildinfo.UserAgent("ibd-agent")), BearerAuth(c.token), VersionHash()),
	}
	return c
}

func (c *Client) WithBaseURL(base string) *Client {
	if strings.TrimSpace(base) != "" {
		c.apiBase = strings.TrimRight(strings.TrimSpace(base), "/")
	}
	return c
}

func (c *Client) token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// RefreshAccessToken échange le refresh token contre un token d'accès.
// Sans refresh token configuré, l'accès reste anonyme (pas une erreur).
func (c *Client) RefreshAccessToken(ctx context.Context) error {
	if c.refreshToken == nil {
		return nil
	}
	refresh, err := c.refreshToken(ctx)
	if err != nil {
		return err
	}
	refresh = strings.TrimSpace(refresh)
	if refresh == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/user/token", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+refresh)
	var out struct {
		AccessToken string `json:"accessToken"`
	}
	if err := c.do(req, &out); err != nil {
		return err
	}
	c.mu.Lock()
	c.accessToken = out.AccessToken
	c.mu.Unlock()
	return nil
}

type User struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Username string `json:"username"`
}

type Tag struct {
	ID string `json:"id"`
}

type Video struct {
	ID          string    `json:"id"`
	Slug        string    `json:"slug"`
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	Private     bool      `json:"private"`
	Unlisted    bool      `json:"unlisted"`
	FileURL     string    `json:"fileUrl"`
	EmbedURL    string    `json:"embedUrl"`
	User        User      `json:"user"`
	Tags        []Tag     `json:"tags"`
	CreatedAt   time.Time `json:"createdAt"`
	NumComments int       `json:"numComments"`
	Message     string    `json:"message,omitempty"`
}

func (c *Client) Video(ctx context.Context, id string) (Video, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBase+"/video/"+url.PathEscape(id), nil)
	if err != nil {
		return Video{}, err
	}
	var v Video
	if err := c.do(req, &v); err != nil {
		return Video{}, err
	}
	if strings.Contains(v.Message, "notFound") {
		return Video{}, ErrNotFound
	}
	return v, nil
}

type Comment struct {
	ID         string `json:"id"`
	Body       string `json:"body"`
	NumReplies int    `json:"numReplies"`
	User       User   `json:"user"`
}

type CommentPage struct {
	Count   int       `json:"count"`
	Limit   int       `json:"limit"`
	Page    int       `json:"page"`
	Results []Comment `json:"results"`
}

// Comments renvoie une page de commentaires; parent != "" liste les réponses d'un fil.
func (c *Client) Comments(ctx context.Context, videoID, parent string, page int) (CommentPage, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	if parent != "" {
		q.Set("parent", parent)
	}
	u := c.apiBase + "/video/" + url.PathEscape(videoID) + "/comments?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return CommentPage{}, err
	}
	var out CommentPage
	if err := c.do(req, &out); err != nil {
		return CommentPage{}, err
	}
	return out, nil
}

type fileSource struct {
	Name string `json:"name"`
	Src  struct {
		View     string `json:"view"`
		Download string `json:"download"`
	} `json:"src"`
}

// Sources liste les variantes de qualité du fichier (URL signée "expires").
func (c *Client) Sources(ctx context.Context, fileURL string) ([]domain.Source, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, err
	}
	var raw []fileSource
	if err := c.do(req, &raw); err != nil {
		return nil, err
	}
	out := make([]domain.Source, 0, len(raw))
	for _, s := range raw {
		out = append(out, domain.Source{
			Name:        s.Name,
			DownloadURL: absoluteURL(s.Src.Download),
			ViewURL:     absoluteURL(s.Src.View),
		})
	}
	return out, nil
}

func absoluteURL(u string) string {
	u = strings.TrimSpace(u)
	if strings.HasPrefix(u, "//") {
		return "https:" + u
	}
	return u
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrUnauthorized
	case resp.StatusCode >= 400:
		return &HTTPError{Status: resp.StatusCode, URL: req.URL.String()}
	}

	b, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}
