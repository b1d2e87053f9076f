package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/Guilhem-Bonnet/iwara-batch-downloader/internal/config"
)

const usage = "Usage: ibd [health|version|selection|select <id> [title]|unselect <id>|download [id...]|retry <id>|failures|video <id>]"

func main() {
	baseURL := flag.String("server", config.LookupEnv("IBD_SERVER_URL", "http://127.0.0.1:8080"), "URL de l'agent (ex: http://127.0.0.1:8080)")
	timeout := flag.Duration("timeout", 30*time.Second, "Timeout HTTP")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	c := &cli{client: &http.Client{Timeout: *timeout}, base: strings.TrimRight(*baseURL, "/") + "/api/v1"}
	os.Exit(c.run(args, os.Stdout, os.Stderr))
}

type cli struct {
	client *http.Client
	base   string
}

// run renvoie le code de sortie du process.
func (c *cli) run(args []string, stdout, stderr io.Writer) int {
	need := func(n int) bool {
		if len(args) < n+1 {
			fmt.Fprintln(stderr, usage)
			return false
		}
		return true
	}

	switch args[0] {
	case "health":
		return c.call(http.MethodGet, "/health", nil, stdout, stderr)
	case "version":
		return c.call(http.MethodGet, "/version", nil, stdout, stderr)
	case "selection":
		return c.call(http.MethodGet, "/selection", nil, stdout, stderr)
	case "failures":
		return c.call(http.MethodGet, "/downloads/failures", nil, stdout, stderr)
	case "select":
		if !need(1) {
			return 2
		}
		var body any
		if len(args) > 2 {
			body = map[string]string{"title": strings.Join(args[2:], " ")}
		}
		return c.call(http.MethodPut, "/selection/"+url.PathEscape(args[1]), body, stdout, stderr)
	case "unselect":
		if !need(1) {
			return 2
		}
		return c.call(http.MethodDelete, "/selection/"+url.PathEscape(args[1]), nil, stdout, stderr)
	case "download":
		return c.call(http.MethodPost, "/downloads", map[string][]string{"ids": args[1:]}, stdout, stderr)
	case "retry":
		if !need(1) {
			return 2
		}
		return c.call(http.MethodPost, "/downloads/"+url.PathEscape(args[1])+"/retry", nil, stdout, stderr)
	case "video":
		if !need(1) {
			return 2
		}
		return c.call(http.MethodGet, "/videos/"+url.PathEscape(args[1]), nil, stdout, stderr)
	default:
		fmt.Fprintln(stderr, "Commande inconnue:", args[0])
		return 2
	}
}

func (c *cli) call(method, path string, body any, stdout, stderr io.Writer) int {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			fmt.Fprintln(stderr, "Erreur:", err)
			return 1
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, c.base+path, rdr)
	if err != nil {
		fmt.Fprintln(stderr, "Erreur:", err)
		return 1
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		fmt.Fprintln(stderr, "Erreur:", err)
		return 1
	}
	defer resp.Body.Close()

	code := 0
	if resp.StatusCode >= 400 {
		code = 1
	}
	b, _ := io.ReadAll(resp.Body)
	if len(b) == 0 {
		return code
	}
	var pretty any
	if err := json.Unmarshal(b, &pretty); err == nil {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(pretty)
		return code
	}
	stdout.Write(b)
	stdout.Write([]byte("\n"))
	return code
}
