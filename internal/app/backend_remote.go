package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/Guilhem-Bonnet/iwara-batch-downloader/internal/domain"
)

var remoteAgentVersion = []int{1, 0, 0}

// RemoteAgentBackend délègue le téléchargement à un agent distant (enveloppe JSON maison).
type RemoteAgentBackend struct {
	Client *http.Client
}

type remoteEnvelope struct {
	Ver   []int       `json:"ver"`
	Code  string      `json:"code"`
	Token string      `json:"token,omitempty"`
	Data  *remoteData `json:"data,omitempty"`
}

type remoteData struct {
	Info   remoteInfo   `json:"info"`
	Option remoteOption `json:"option"`
}

type remoteInfo struct {
	Title      string   `json:"title"`
	URL        string   `json:"url"`
	Source     string   `json:"source"`
	Path       string   `json:"path,omitempty"`
	Alias      string   `json:"alias,omitempty"`
	Author     string   `json:"author,omitempty"`
	UploadTime int64    `json:"uploadTime,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	Comments   string   `json:"comments,omitempty"`
	Info       string   `json:"info,omitempty"`
}

type remoteOption struct {
	Proxy   string `json:"proxy,omitempty"`
	Cookies string `json:"cookies,omitempty"`
}

type remoteResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (RemoteAgentBackend) Validate(s domain.Settings) error {
	return validateEndpoint("iwara-downloader", s.IwaraDownloader)
}

func (b RemoteAgentBackend) Dispatch(ctx context.Context, req DispatchRequest) error {
	desc := req.Task.Descriptor
	info := remoteInfo{
		Title:    desc.Title,
		URL:      desc.PageURL(),
		Source:   desc.DownloadURL,
		Path:     req.Path,
		Alias:    desc.Alias,
		Author:   desc.Author,
		Tags:     desc.Tags,
		Comments: desc.Comments,
		Info:     desc.Description,
	}
	if !desc.UploadTime.IsZero() {
		info.UploadTime = desc.UploadTime.UnixMilli()
	}
	return b.call(ctx, req.Settings, remoteEnvelope{
		Ver:   remoteAgentVersion,
		Code:  "add",
		Token: req.Settings.IwaraDownloader.Token,
		Data: &remoteData{
			Info:   info,
			Option: remoteOption{Proxy: strings.TrimSpace(req.Settings.Proxy), Cookies: strings.TrimSpace(req.Settings.Cookies)},
		},
	})
}

// Probe envoie un message "State" pour vérifier que l'agent répond et accepte le token.
func (b RemoteAgentBackend) Probe(ctx context.Context, s domain.Settings) error {
	return b.call(ctx, s, remoteEnvelope{Ver: remoteAgentVersion, Code: "State", Token: s.IwaraDownloader.Token})
}

func (b RemoteAgentBackend) call(ctx context.Context, s domain.Settings, env remoteEnvelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.IwaraDownloader.Path, bytes.NewReader(body))
	if err != nil {
		return ConfigValidationError("iwara-downloader endpoint: " + err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")

	client := b.Client
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(httpReq)
	if err != nil {
		return transportError("iwara-downloader", err)
	}
	defer res.Body.Close()
	if res.StatusCode/100 != 2 {
		return statusError("iwara-downloader", res.StatusCode)
	}

	var out remoteResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return BackendDispatchError(DispatchRejected, "iwara-downloader: invalid response", err)
	}
	if out.Code != 0 {
		msg := out.Msg
		if msg == "" {
			msg = "code " + strconv.Itoa(out.Code)
		}
		return BackendDispatchError(DispatchRejected, "iwara-downloader: "+msg, nil)
	}
	return nil
}
