package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/Guilhem-Bonnet/iwara-batch-downloader/internal/domain"
	"github.com/google/uuid"
)

const iwaraReferer = "https://www.iwara.tv/"

// Aria2Backend pousse l'URL dans la file d'aria2 via JSON-RPC (aria2.addUri).
type Aria2Backend struct {
	Client *http.Client
}

type aria2Request struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	ID      string `json:"id"`
	Params  []any  `json:"params"`
}

type aria2Options struct {
	Out      string   `json:"out,omitempty"`
	Dir      string   `json:"dir,omitempty"`
	Header   []string `json:"header,omitempty"`
	AllProxy string   `json:"all-proxy,omitempty"`
	Referer  string   `json:"referer,omitempty"`
}

type aria2Response struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (Aria2Backend) Validate(s domain.Settings) error {
	return validateEndpoint("aria2", s.Aria2)
}

func (b Aria2Backend) Dispatch(ctx context.Context, req DispatchRequest) error {
	desc := req.Task.Descriptor
	opts := aria2Options{
		Out:      req.Name,
		Dir:      req.Dir,
		AllProxy: strings.TrimSpace(req.Settings.Proxy),
		Referer:  iwaraReferer,
	}
	if c := strings.TrimSpace(req.Settings.Cookies); c != "" {
		opts.Header = []string{"Cookie: " + c}
	}
	body, err := json.Marshal(aria2Request{
		JSONRPC: "2.0",
		Method:  "aria2.addUri",
		ID:      uuid.NewString(),
		Params:  []any{"token:" + req.Settings.Aria2.Token, []string{desc.DownloadURL}, opts},
	})
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.Settings.Aria2.Path, bytes.NewReader(body))
	if err != nil {
		return ConfigValidationError("aria2 endpoint: " + err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := b.client().Do(httpReq)
	if err != nil {
		return transportError("aria2", err)
	}
	defer res.Body.Close()

	var out aria2Response
	decodeErr := json.NewDecoder(res.Body).Decode(&out)
	if out.Error != nil {
		kind := DispatchRejected
		if strings.EqualFold(out.Error.Message, "Unauthorized") {
			kind = DispatchPermissionDenied
		}
		return BackendDispatchError(kind, "aria2: "+out.Error.Message, nil)
	}
	if res.StatusCode/100 != 2 {
		return statusError("aria2", res.StatusCode)
	}
	if decodeErr != nil {
		return BackendDispatchError(DispatchRejected, "aria2: invalid response", decodeErr)
	}
	return nil
}

func (b Aria2Backend) client() *http.Client {
	if b.Client != nil {
		return b.Client
	}
	return http.DefaultClient
}
